//go:build linux

package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Exists reports whether a given PID currently exists in /proc.
// It simply checks if /proc/<pid> is a valid directory.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Kill sends the given signal to a process, tolerating its disappearance.
// A process that exited on its own before we got to it (ESRCH) is expected
// and only logged at debug level; any other failure is a warning.
func Kill(pid int, sig unix.Signal) {
	err := unix.Kill(pid, sig)
	if err == nil {
		return
	}
	if errors.Is(err, unix.ESRCH) {
		log.Debugf("failure while killing process %d with signal %s: %v", pid, unix.SignalName(sig), err)
	} else {
		log.Warnf("failure while killing process %d with signal %s: %v", pid, unix.SignalName(sig), err)
	}
}

// Children returns the direct child PIDs of a process by reading
// /proc/<pid>/task/*/children. Each children file lists space-separated PIDs
// for that thread's children; results are deduplicated across threads.
// Kernel 3.5+ exposes this interface.
func Children(pid int) ([]int, error) {
	glob := fmt.Sprintf("/proc/%d/task/*/children", pid)
	paths, _ := filepath.Glob(glob)
	set := map[int]struct{}{}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, s := range strings.Fields(string(b)) {
			if id, err := strconv.Atoi(s); err == nil {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, ErrNoChildren
	}
	return out, nil
}

// Descendants expands a process tree breadth-first via Children.
// The root PID itself is included as the first element. The snapshot is
// inherently racy against forking processes; callers that need a reliable
// full-tree kill should use a cgroup instead.
func Descendants(root int) []int {
	queue := []int{root}
	seen := map[int]struct{}{root: {}}
	out := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		kids, err := Children(pid)
		if err != nil {
			continue
		}
		for _, k := range kids {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			queue = append(queue, k)
			out = append(out, k)
		}
	}
	return out
}
