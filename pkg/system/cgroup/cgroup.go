//go:build linux

package cgroup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/benchkit/benchkit/pkg/types"
)

type Version int

const (
	Unsupported Version = iota // no usable cgroup mounts
	V1                         // legacy multi-hierarchy cgroup v1
	V2                         // unified cgroup v2
	Hybrid                     // both v1 and v2 present
)

func (v Version) String() string {
	switch v {
	case V1:
		return "cgroup v1"
	case V2:
		return "cgroup v2"
	case Hybrid:
		return "cgroup hybrid"
	default:
		return "unsupported"
	}
}

// namePrefix marks child cgroups created by us, so that groups orphaned by a
// crashed run can be recognized and swept up.
const namePrefix = "benchmark_"

// fallbackPath is tried when the own cgroup is not writable. It is expected
// to be pre-provisioned by system administration.
const (
	fallbackPath   = "system.slice/benchkit-cgroup.service"
	fallbackV2Leaf = "benchkit_root"
)

var (
	// ErrSubsystemMissing reports that a subsystem is not part of this handle,
	// either because it is not mounted or because access was denied.
	ErrSubsystemMissing = errors.New("cgroup: subsystem not available")

	// ErrUnsupported reports that the kernel or hierarchy cannot provide the
	// requested value (e.g. swap accounting disabled, or no v2 equivalent).
	ErrUnsupported = errors.New("cgroup: not supported by this kernel or hierarchy")

	// ErrNoLimit reports that no limit is configured for the requested resource.
	ErrNoLimit = errors.New("cgroup: no limit configured")
)

// ControllerKind is a version-independent name for a resource controller.
// The concrete subsystem names differ between v1 and v2 ("cpuacct" vs "cpu",
// "freezer" vs "freeze", "blkio" vs "io"); SubsystemFor translates.
type ControllerKind int

const (
	ControllerCPU ControllerKind = iota
	ControllerCPUSet
	ControllerMemory
	ControllerFreezer
	ControllerIO
)

// Cgroup is a handle on the control groups of one process scope, either the
// calling process's own cgroups or a child group created for one benchmark
// run. Implementations exist for cgroups v1 and v2 and are selected once at
// startup; a third, empty implementation stands in when no cgroups are
// usable at all, so that callers degrade to running unconstrained instead of
// failing.
//
// Not every subsystem is guaranteed to be present; check with Has before
// depending on one. Readers return ErrSubsystemMissing for absent subsystems
// and ErrUnsupported for kernel capability gaps; neither is fatal.
type Cgroup interface {
	Version() Version
	// Subsystems maps each available subsystem name to its filesystem path.
	// In v2 all keys map to the same path.
	Subsystems() map[string]string
	Has(subsystem string) bool
	SubsystemFor(kind ControllerKind) string

	// CreateFreshChild creates a uniquely named child cgroup for the given
	// subsystems and returns a handle owning it. Every requested subsystem
	// must be present in this handle; violating that is a programming error
	// and panics.
	CreateFreshChild(subsystems ...string) (Cgroup, error)
	// AddTask writes the PID into the membership file of every hierarchy this
	// handle covers. Calling it twice with the same PID is a no-op.
	AddTask(pid int) error
	AllTasks(subsystem string) ([]int, error)
	// KillAllTasks kills every process in this cgroup and all nested child
	// groups, and removes the child groups. The handle's own directories are
	// kept (use Remove afterwards).
	KillAllTasks() error
	// Remove deletes the cgroup directories of this handle. They must be
	// empty of processes.
	Remove() error

	ReadCPUTime() (float64, error)
	ReadMaxMemUsage() (types.Bytes, error)
	ReadUsagePerCPU() (map[int]float64, error)
	ReadAvailableCPUs() ([]int, error)
	ReadAvailableMems() ([]int, error)
	ReadIOStat() (read, written types.Bytes, err error)
	ReadOOMKillCount() (uint64, error)

	SetMemoryLimit(limit types.Bytes) error
	ReadMemoryLimit() (types.Bytes, error)
	SetCPUSet(cores []int) error
	SetMemoryNodes(nodes []int) error
	DisableSwap() error
}

// Detect returns the cgroup version the kernel exposes and a human-readable
// detail string. It parses /proc/mounts looking for cgroup filesystems.
func Detect() (Version, string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return Unsupported, "", fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return detect(f)
}

func detect(r io.Reader) (Version, string, error) {
	var (
		v1Pts []string
		v2Pts []string
		sc    = bufio.NewScanner(r)
	)
	for sc.Scan() {
		// each line is "device mountpoint fstype options ..."
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[2] {
		case "cgroup":
			v1Pts = append(v1Pts, fields[1])
		case "cgroup2":
			v2Pts = append(v2Pts, fields[1])
		}
	}
	if err := sc.Err(); err != nil {
		return Unsupported, "", fmt.Errorf("scan /proc/mounts: %w", err)
	}

	switch {
	case len(v1Pts) > 0 && len(v2Pts) > 0:
		return Hybrid, fmt.Sprintf("cgroup2 on %s; cgroup v1 on %s",
			strings.Join(v2Pts, ","), strings.Join(v1Pts, ",")), nil
	case len(v2Pts) > 0:
		return V2, fmt.Sprintf("cgroup2 on %s", strings.Join(v2Pts, ",")), nil
	case len(v1Pts) > 0:
		return V1, fmt.Sprintf("cgroup v1 on %s", strings.Join(v1Pts, ",")), nil
	default:
		return Unsupported, "no cgroup mounts found", nil
	}
}

// FromSystem probes the kernel and returns a handle on the current process's
// cgroups. A hybrid layout prefers v2. When no cgroups are usable the
// returned handle is empty and every subsystem check reports absent; the
// caller then runs unconstrained. This is a deliberate degrade-gracefully
// policy, not an error.
func FromSystem(fallback bool) Cgroup {
	ver, detail, err := Detect()
	if err != nil {
		log.Errorf("cannot detect cgroup version: %v", err)
		return noneCgroup{}
	}
	log.Debugf("detected %s (%s)", ver, detail)

	switch ver {
	case V2, Hybrid:
		return NewV2(nil, fallback)
	case V1:
		return NewV1(nil, fallback)
	default:
		log.Warnf("no cgroup support found, resource limits and measurements are disabled")
		return noneCgroup{}
	}
}

// None returns the empty handle: no subsystems, no-op lifecycle, every read
// reports the subsystem as missing. Callers use it to run unconstrained.
func None() Cgroup { return noneCgroup{} }

// noneCgroup is the empty implementation used when no cgroups are usable.
type noneCgroup struct{}

func (noneCgroup) Version() Version                        { return Unsupported }
func (noneCgroup) Subsystems() map[string]string           { return map[string]string{} }
func (noneCgroup) Has(string) bool                         { return false }
func (noneCgroup) SubsystemFor(ControllerKind) string      { return "" }
func (noneCgroup) AddTask(int) error                       { return nil }
func (noneCgroup) AllTasks(string) ([]int, error)          { return nil, ErrSubsystemMissing }
func (noneCgroup) KillAllTasks() error                     { return nil }
func (noneCgroup) Remove() error                           { return nil }
func (noneCgroup) ReadCPUTime() (float64, error)           { return 0, ErrSubsystemMissing }
func (noneCgroup) ReadMaxMemUsage() (types.Bytes, error)   { return 0, ErrSubsystemMissing }
func (noneCgroup) ReadUsagePerCPU() (map[int]float64, error) {
	return nil, ErrSubsystemMissing
}
func (noneCgroup) ReadAvailableCPUs() ([]int, error)     { return nil, ErrSubsystemMissing }
func (noneCgroup) ReadAvailableMems() ([]int, error)     { return nil, ErrSubsystemMissing }
func (noneCgroup) ReadIOStat() (types.Bytes, types.Bytes, error) {
	return 0, 0, ErrSubsystemMissing
}
func (noneCgroup) ReadOOMKillCount() (uint64, error)     { return 0, ErrSubsystemMissing }
func (noneCgroup) SetMemoryLimit(types.Bytes) error      { return ErrSubsystemMissing }
func (noneCgroup) ReadMemoryLimit() (types.Bytes, error) { return 0, ErrSubsystemMissing }
func (noneCgroup) SetCPUSet([]int) error                 { return ErrSubsystemMissing }
func (noneCgroup) SetMemoryNodes([]int) error            { return ErrSubsystemMissing }
func (noneCgroup) DisableSwap() error                    { return ErrSubsystemMissing }

func (noneCgroup) CreateFreshChild(subsystems ...string) (Cgroup, error) {
	if len(subsystems) > 0 {
		panic(fmt.Sprintf("cgroup: subsystem %s requested but not available", subsystems[0]))
	}
	return noneCgroup{}, nil
}
