//go:build linux

package cgroup

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/benchkit/benchkit/pkg/system/proc"
)

// The largest value memory.limit_in_bytes accepts, effectively "unlimited".
const unlimitedMemory = "1000000000000000" // 1 PB

// OOMNotifier watches a v1 memory cgroup through the kernel's eventfd-based
// OOM notification. On the first event it kills the run and raises the memory
// limits, so that the kernel's own OOM killer (which would only kill one
// process and let the rest continue) never has to act.
//
// cgroups v2 does not offer this interface; there the oom_kill counter in
// memory.events is read after the fact instead.
type OOMNotifier struct {
	dir       string
	pid       int
	callback  func(reason string)
	reap      reaper
	efd       int
	cancelled atomic.Bool
	done      chan struct{}
}

// NewOOMNotifier arms the notification for the memory cgroup directory of the
// given handle: it creates an eventfd and registers it with the kernel via
// cgroup.event_control. The process with the given PID and every task in the
// group are killed when the event fires, and callback is invoked with reason
// "memory". Call Start to begin listening and Cancel when the run is over.
func NewOOMNotifier(c Cgroup, pid int, callback func(reason string)) (*OOMNotifier, error) {
	dir, ok := c.Subsystems()[v1Memory]
	if !ok {
		return nil, ErrSubsystemMissing
	}

	ofd, err := os.OpenFile(filepath.Join(dir, "memory.oom_control"), os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open memory.oom_control")
	}
	defer func() {
		// closing after registration is fine, the kernel keeps the event armed
		if err := ofd.Close(); err != nil {
			log.Debugf("cannot close memory.oom_control: %v", err)
		}
	}()

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "create eventfd")
	}
	control := fmt.Sprintf("%d %d", efd, ofd.Fd())
	if err := writeValue(dir, "cgroup.event_control", control); err != nil {
		_ = unix.Close(efd)
		return nil, errors.Wrap(err, "register with cgroup.event_control")
	}
	// Disable the kernel OOM killer for the group; with it active a single
	// process would be killed and the run would continue half-dead. Not
	// supported under all configurations, then the killer stays on.
	if _, err := ofd.WriteString("1"); err != nil {
		log.Debugf("cannot disable kernel OOM killer for %s: %v", dir, err)
	}

	return &OOMNotifier{
		dir:      dir,
		pid:      pid,
		callback: callback,
		reap:     newReaper("tasks"),
		efd:      efd,
		done:     make(chan struct{}),
	}, nil
}

// Start begins listening for the OOM event in a background goroutine.
func (n *OOMNotifier) Start() {
	go n.watch()
}

func (n *OOMNotifier) watch() {
	defer close(n.done)

	buf := make([]byte, 8)
	for {
		_, err := unix.Read(n.efd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Errorf("cannot read from eventfd: %v", err)
			return
		}
		break
	}
	if n.cancelled.Load() {
		return
	}
	counter := binary.LittleEndian.Uint64(buf)
	log.Debugf("received OOM notification for cgroup %s (counter %d)", n.dir, counter)

	n.callback("memory")
	n.kill()
}

// kill terminates the run and then raises the memory limits so that the still
// disabled kernel OOM killer never needs to act while we clean up.
func (n *OOMNotifier) kill() {
	proc.Kill(n.pid, unix.SIGKILL)
	if err := n.reap.killTasks(n.dir, false); err != nil {
		log.Warnf("cannot kill remaining tasks of cgroup %s: %v", n.dir, err)
	}
	// raise memsw before the plain limit, the kernel rejects memsw < mem
	for _, file := range []string{"memory.memsw.limit_in_bytes", "memory.limit_in_bytes"} {
		if !hasFile(n.dir, file) {
			continue
		}
		if err := writeValue(n.dir, file, unlimitedMemory); err != nil {
			log.Warnf("cannot reset %s of cgroup %s: %v", file, n.dir, err)
		}
	}
}

// Cancel stops the notifier and releases the eventfd; it must follow Start.
// The run finished normally (or its OOM kill is already done); a pending
// event must not fire the callback anymore. The eventfd is poked so the watch
// goroutine wakes up, and closed only after that goroutine has exited, so no
// write or read can ever hit a closed or reused descriptor.
func (n *OOMNotifier) Cancel() {
	if n.cancelled.Swap(true) {
		return
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(n.efd, buf); err != nil {
		log.Debugf("cannot wake eventfd watcher: %v", err)
	}
	<-n.done
	if err := unix.Close(n.efd); err != nil {
		log.Debugf("cannot close eventfd: %v", err)
	}
}
