//go:build linux

package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/benchkit/benchkit/pkg/system/cgroup"
	"github.com/benchkit/benchkit/pkg/system/proc"
)

// Runner executes one external tool at a time inside a fresh child cgroup,
// enforces the given limits, and measures the run. When no cgroups are usable
// it degrades to running unconstrained with wall-time enforcement only.
type Runner struct {
	// Cgroup is the handle on the calling process's own cgroups, from which
	// child groups are created. Usually cgroup.FromSystem.
	Cgroup cgroup.Cgroup

	// PollInterval is how often the watchdog checks cpu time and wall time.
	// Zero means one second.
	PollInterval time.Duration

	// Stdout and Stderr receive the tool's output; nil means inherit.
	Stdout io.Writer
	Stderr io.Writer
}

func New(fallback bool) *Runner {
	return &Runner{
		Cgroup:       cgroup.FromSystem(fallback),
		PollInterval: time.Second,
	}
}

// termination records why a run was ended. Only the first reason wins; the
// OOM notifier, the watchdog, and the collector may all report one.
type termination struct {
	mu     sync.Mutex
	reason string
}

func (t *termination) set(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *termination) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Execute runs the given command under the given limits and returns its
// measurements. The tool failing or being killed is reported in the Result,
// not as an error; errors mean the harness itself could not do its job.
func (r *Runner) Execute(ctx context.Context, args []string, limits Limits) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}

	subsystems := r.selectSubsystems(limits)
	if len(subsystems) == 0 {
		return r.executeUnconstrained(ctx, args, limits)
	}

	child, err := r.Cgroup.CreateFreshChild(subsystems...)
	if err != nil {
		return nil, errors.Wrap(err, "create benchmark cgroup")
	}
	defer func() {
		if err := child.KillAllTasks(); err != nil {
			log.Warnf("cannot clean up benchmark cgroup: %v", err)
		}
		_ = child.Remove()
	}()
	if err := applyLimits(child, limits); err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = r.stdout()
	cmd.Stderr = r.stderr()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", args[0])
	}
	pid := cmd.Process.Pid
	if err := child.AddTask(pid); err != nil {
		log.Errorf("cannot move tool into benchmark cgroup, measurements may be wrong: %v", err)
	}

	var term termination
	kill := func() {
		proc.Kill(pid, unix.SIGKILL)
		if err := child.KillAllTasks(); err != nil {
			log.Warnf("cannot kill benchmark cgroup: %v", err)
		}
	}

	// v2 reports OOM kills through a counter read after the run; v1 needs the
	// event-based notifier, which also takes care of the killing.
	if limits.needsMemory() && child.Version() == cgroup.V1 &&
		child.Has(child.SubsystemFor(cgroup.ControllerMemory)) {
		notifier, err := cgroup.NewOOMNotifier(child, pid, term.set)
		if err != nil {
			log.Warnf("cannot watch for out-of-memory events: %v", err)
		} else {
			notifier.Start()
			defer notifier.Cancel()
		}
	}

	waitDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watch(ctx, child, pid, limits, start, &term, kill, waitDone)
	}()

	waitErr := cmd.Wait()
	wall := time.Since(start)
	close(waitDone)
	<-watchDone

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, errors.Wrap(waitErr, "wait for tool")
	}

	// left-over daemonized children must not survive into the measurements
	if err := child.KillAllTasks(); err != nil {
		log.Warnf("cannot kill benchmark cgroup: %v", err)
	}

	res := collect(child, cmd.ProcessState, wall, term.get())
	return res, ctx.Err()
}

// selectSubsystems returns the subsystems the child group needs, restricted to
// what is actually available. Every limit whose subsystem is missing gets a
// warning and stays unenforced.
func (r *Runner) selectSubsystems(limits Limits) []string {
	cg := r.Cgroup
	if cg.Version() == cgroup.Unsupported {
		log.Warnf("cgroups are not usable, running without resource limits and measurements")
		return nil
	}

	var subsystems []string
	use := func(kind cgroup.ControllerKind, required bool, what string) {
		name := cg.SubsystemFor(kind)
		if cg.Has(name) {
			subsystems = append(subsystems, name)
			return
		}
		if required {
			log.Warnf("cannot %s because the %s subsystem is not available", what, name)
		}
	}
	use(cgroup.ControllerCPU, limits.needsCPUTime(), "enforce cpu time limits")
	use(cgroup.ControllerMemory, limits.needsMemory(), "enforce memory limits")
	use(cgroup.ControllerCPUSet, limits.needsCPUSet(), "restrict cores or memory nodes")
	use(cgroup.ControllerFreezer, false, "")
	use(cgroup.ControllerIO, false, "")
	return subsystems
}

func applyLimits(cg cgroup.Cgroup, limits Limits) error {
	if limits.Memory > 0 {
		if err := cg.SetMemoryLimit(limits.Memory); err != nil {
			if errors.Is(err, cgroup.ErrSubsystemMissing) {
				return nil
			}
			return errors.Wrap(err, "apply memory limit")
		}
	}
	if len(limits.Cores) > 0 {
		if err := cg.SetCPUSet(limits.Cores); err != nil && !errors.Is(err, cgroup.ErrSubsystemMissing) {
			return errors.Wrap(err, "apply core restriction")
		}
	}
	if len(limits.MemoryNodes) > 0 {
		if err := cg.SetMemoryNodes(limits.MemoryNodes); err != nil && !errors.Is(err, cgroup.ErrSubsystemMissing) {
			return errors.Wrap(err, "apply memory node restriction")
		}
	}
	return nil
}

// watch polls wall time and cpu time until the run is done and kills the run
// on a breach. A soft cpu time limit sends one SIGTERM so the tool can shut
// down and report partial results; the hard limit kills the whole group.
func (r *Runner) watch(ctx context.Context, cg cgroup.Cgroup, pid int, limits Limits,
	start time.Time, term *termination, kill func(), done <-chan struct{}) {

	interval := r.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cpuSubsystem := cg.SubsystemFor(cgroup.ControllerCPU)
	pollCPU := limits.needsCPUTime() && cg.Has(cpuSubsystem)
	softSent := false

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			log.Warnf("run cancelled, killing process %d", pid)
			kill()
			return
		case <-ticker.C:
			if limits.WallTime > 0 && time.Since(start) > limits.WallTime {
				term.set(ReasonWallTime)
				log.Warnf("killing process %d due to wall time limit", pid)
				kill()
				return
			}
			if !pollCPU {
				continue
			}
			seconds, err := cg.ReadCPUTime()
			if err != nil {
				log.Debugf("cannot read cpu time: %v", err)
				continue
			}
			used := time.Duration(seconds * float64(time.Second))
			if limits.CPUTimeHard > 0 && used > limits.CPUTimeHard {
				term.set(ReasonCPUTime)
				log.Warnf("killing process %d due to cpu time limit", pid)
				kill()
				return
			}
			if limits.CPUTimeSoft > 0 && used > limits.CPUTimeSoft && !softSent {
				softSent = true
				term.set(ReasonCPUTime)
				log.Warnf("sending SIGTERM to process %d due to soft cpu time limit", pid)
				proc.Kill(pid, unix.SIGTERM)
			}
		}
	}
}

// executeUnconstrained runs the tool without any cgroup. Only the wall time
// limit can be enforced; the process tree is killed via /proc traversal, which
// cannot catch processes that daemonized away from it.
func (r *Runner) executeUnconstrained(ctx context.Context, args []string, limits Limits) (*Result, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = r.stdout()
	cmd.Stderr = r.stderr()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", args[0])
	}
	pid := cmd.Process.Pid

	var term termination
	kill := func() {
		for _, p := range proc.Descendants(pid) {
			proc.Kill(p, unix.SIGKILL)
		}
	}

	waitDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watch(ctx, cgroup.None(), pid, limits, start, &term, kill, waitDone)
	}()

	waitErr := cmd.Wait()
	wall := time.Since(start)
	close(waitDone)
	<-watchDone

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, errors.Wrap(waitErr, "wait for tool")
	}
	res := collect(cgroup.None(), cmd.ProcessState, wall, term.get())
	return res, ctx.Err()
}

// collect gathers the measurements of a finished run. Readers failing because
// of a missing subsystem or kernel capability were warned about during setup
// and only leave their column empty here.
func collect(cg cgroup.Cgroup, state *os.ProcessState, wall time.Duration, reason string) *Result {
	res := &Result{
		WallTime:          wall,
		TerminationReason: reason,
	}

	if seconds, err := cg.ReadCPUTime(); err == nil {
		res.CPUTime = time.Duration(seconds * float64(time.Second))
	} else {
		logMeasurement("cpu time", err)
		if state != nil {
			res.CPUTime = state.UserTime() + state.SystemTime()
		}
	}
	if perCPU, err := cg.ReadUsagePerCPU(); err == nil && len(perCPU) > 0 {
		res.CPUTimePerCore = make(map[int]time.Duration, len(perCPU))
		for core, seconds := range perCPU {
			res.CPUTimePerCore[core] = time.Duration(seconds * float64(time.Second))
		}
	}
	if peak, err := cg.ReadMaxMemUsage(); err == nil {
		res.MaxMemory = peak
	} else {
		logMeasurement("peak memory usage", err)
	}
	if read, written, err := cg.ReadIOStat(); err == nil {
		res.ReadBytes = read
		res.WriteBytes = written
	} else {
		logMeasurement("disk I/O", err)
	}
	if kills, err := cg.ReadOOMKillCount(); err == nil {
		res.OOMKills = kills
		if kills > 0 && res.TerminationReason == "" {
			res.TerminationReason = ReasonMemory
		}
	}

	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = int(ws.Signal())
		} else {
			res.ExitCode = state.ExitCode()
		}
	}
	return res
}

func logMeasurement(what string, err error) {
	if errors.Is(err, cgroup.ErrSubsystemMissing) || errors.Is(err, cgroup.ErrUnsupported) {
		log.Debugf("cannot measure %s: %v", what, err)
		return
	}
	log.Warnf("cannot measure %s: %v", what, err)
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}
