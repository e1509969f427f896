//go:build linux

package cgroup

import (
	"bufio"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// knownV1Subsystems are the v1 subsystem names we recognize in mount options.
// The first five are the ones the harness itself uses; the rest may matter to
// other users of the machine and are tracked so that co-mounted hierarchies
// are represented correctly.
var knownV1Subsystems = map[string]struct{}{
	v1IO:      {},
	v1CPU:     {},
	v1CPUSet:  {},
	v1Freezer: {},
	v1Memory:  {},

	"cpu":        {},
	"devices":    {},
	"net_cls":    {},
	"net_prio":   {},
	"hugetlb":    {},
	"perf_event": {},
	"pids":       {},
}

// parseV1Mounts returns which v1 subsystems are mounted where, from
// /proc/mounts content. A subsystem that does not appear is unavailable,
// which is not an error.
func parseV1Mounts(r io.Reader) map[string]string {
	mounts := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		// each line is "device mountpoint fstype options ..."
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "cgroup" {
			continue
		}
		for _, option := range strings.Split(fields[3], ",") {
			if _, ok := knownV1Subsystems[option]; ok {
				mounts[option] = fields[1]
			}
		}
	}
	return mounts
}

// parseV2Mount returns the mountpoint of the cgroup2 unified hierarchy, or ""
// if there is none.
func parseV2Mount(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && fields[2] == "cgroup2" {
			return fields[1]
		}
	}
	return ""
}

// parseProcCgroup parses /proc/<pid>/cgroup content into a map from subsystem
// to the process's cgroup path within that subsystem's hierarchy (without the
// leading slash). Each line is "id:subsystem,subsystem:/path"; the unified v2
// hierarchy appears as a line with an empty subsystem list and is stored
// under the empty key.
func parseProcCgroup(r io.Reader) map[string]string {
	own := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			log.Debugf("skipping malformed /proc/self/cgroup line %q", line)
			continue
		}
		path := strings.TrimPrefix(parts[2], "/")
		for _, subsystem := range strings.Split(parts[1], ",") {
			// v1 names controllers like "name=systemd" in this file; keep the
			// bare name so it matches the mount options.
			subsystem = strings.TrimPrefix(subsystem, "name=")
			own[subsystem] = path
		}
	}
	return own
}

// openProcFile opens a /proc file, logging instead of failing: a missing
// procfs degrades the harness to running unconstrained.
func openProcFile(path string) io.ReadCloser {
	f, err := os.Open(path)
	if err != nil {
		log.Errorf("cannot read %s: %v", path, err)
		return nil
	}
	return f
}

func accessible(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}

func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
