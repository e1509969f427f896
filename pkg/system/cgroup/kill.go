//go:build linux

package cgroup

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/benchkit/benchkit/pkg/system/proc"
)

// signalOrder is sent to each listed PID on every retry attempt. SIGKILL
// alone should suffice; the longer sequence predates reliable sub-process
// killing and is kept for behavioral compatibility.
var signalOrder = []unix.Signal{unix.SIGKILL, unix.SIGINT, unix.SIGTERM}

// walkRestarts bounds how often a directory walk is restarted after fixing
// permissions or racing with the kernel's own cleanup of vanished groups.
const walkRestarts = 20

// reaper kills the processes of a cgroup directory tree. The hooks exist so
// tests can observe signals and skip real sleeping; production code uses the
// defaults from newReaper.
type reaper struct {
	taskFile string // "tasks" (v1) or "cgroup.procs" (v2)
	kill     func(pid int, sig unix.Signal)
	sleep    func(d time.Duration)
}

func newReaper(taskFile string) reaper {
	return reaper{
		taskFile: taskFile,
		kill:     proc.Kill,
		sleep:    time.Sleep,
	}
}

// killTasks signals every PID listed in the membership file of dir.
// With ensureEmpty it loops, re-reading the list and backing off
// 0.5s × attempt between retries, until no task is listed anymore; frozen
// groups must not use ensureEmpty because their tasks stay listed until
// thawed.
func (r reaper) killTasks(dir string, ensureEmpty bool) error {
	path := filepath.Join(dir, r.taskFile)
	for attempt := 1; ; attempt++ {
		for _, sig := range signalOrder {
			pids, err := readPIDs(path)
			if err != nil {
				if os.IsNotExist(err) {
					// group vanished underneath us, nothing left to kill
					return nil
				}
				return err
			}
			for _, pid := range pids {
				if attempt > 1 {
					log.Warnf("run has left-over process with pid %d in cgroup %s, sending signal %s (try %d)",
						pid, dir, unix.SignalName(sig), attempt)
				}
				r.kill(pid, sig)
			}
			if len(pids) == 0 || !ensureEmpty {
				return nil
			}
			// wait for the processes to exit, this might take some time
			r.sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
}

// childrenBottomUp lists every nested cgroup directory below root, deepest
// first, so that children are always handled before their parent. Processes
// inside the run may have removed permissions from their nested groups; such
// directories get their owner permissions restored and the walk restarts,
// which may yield some directories twice (harmless for the callers).
func childrenBottomUp(root string) ([]string, error) {
	for restart := 0; ; restart++ {
		var dirs []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && path != root {
				dirs = append(dirs, path)
			}
			return nil
		})
		if err == nil {
			// reverse: WalkDir is top-down
			for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
				dirs[i], dirs[j] = dirs[j], dirs[i]
			}
			return dirs, nil
		}
		if restart >= walkRestarts {
			return nil, err
		}
		switch {
		case os.IsNotExist(err):
			// nested group vanished while we iterated, retry from scratch
			log.Debugf("cgroup vanished while walking %s: %v", root, err)
		case os.IsPermission(err):
			if pErr, ok := err.(*fs.PathError); ok {
				_ = os.Chmod(pErr.Path, 0o500)
			}
		default:
			return nil, err
		}
	}
}

// sweep kills what is left in every nested group of root bottom-up, ensures
// each is empty, removes it, and finally empties the root itself. The root
// directory is kept.
func (r reaper) sweep(root string) error {
	children, err := childrenBottomUp(root)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.killTasks(child, true); err != nil {
			return err
		}
		removeDir(child)
	}
	return r.killTasks(root, true)
}

// removeDir removes an empty cgroup directory. Removal failures are logged
// and the group is leaked; this wastes a small, bounded amount of kernel
// resources and must not block the rest of the benchmark suite.
func removeDir(dir string) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Warnf("cannot remove cgroup %s, because it does not exist", dir)
		return
	}
	err := os.Remove(dir)
	if err == nil {
		return
	}
	// sometimes this fails because the cgroup is still busy, try again once
	if err = os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove cgroup %s: %v", dir, err)
	}
}
