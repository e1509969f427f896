//go:build linux

package cgroup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/benchkit/benchkit/pkg/system/util"
	"github.com/benchkit/benchkit/pkg/types"
)

// Controller names of the unified v2 hierarchy.
const (
	v2CPU    = "cpu"
	v2CPUSet = "cpuset"
	v2Memory = "memory"
	v2Freeze = "freeze"
	v2IO     = "io"
)

// v2Cgroup is the handle for the unified hierarchy: one directory, a set of
// enabled controllers.
type v2Cgroup struct {
	path        string
	controllers map[string]struct{}
	reap        reaper
}

// NewV2 builds a handle on the current process's v2 cgroup from /proc/mounts
// and /proc/self/cgroup. cgroupProcinfo substitutes the latter for tests; nil
// means read the real file. With fallback, a pre-provisioned fallback group
// replaces an own cgroup we cannot write to. Unreadable proc files degrade to
// an empty handle.
func NewV2(cgroupProcinfo io.Reader, fallback bool) Cgroup {
	log.Debug("analyzing /proc/mounts and /proc/self/cgroup for determining cgroups")
	mounts := openProcFile("/proc/mounts")
	if mounts == nil {
		return newV2("")
	}
	defer mounts.Close()

	if cgroupProcinfo == nil {
		own := openProcFile("/proc/self/cgroup")
		if own == nil {
			return newV2("")
		}
		defer own.Close()
		cgroupProcinfo = own
	}
	return buildV2(mounts, cgroupProcinfo, fallback)
}

func buildV2(mounts, cgroupProcinfo io.Reader, fallback bool) Cgroup {
	mount := parseV2Mount(mounts)
	if mount == "" {
		log.Debug("no cgroup2 mount found")
		return newV2("")
	}
	rel, ok := parseProcCgroup(cgroupProcinfo)[""]
	if !ok {
		log.Debugf("no unified hierarchy entry in /proc/self/cgroup")
		return newV2("")
	}
	path := filepath.Join(mount, rel)
	if fallback && !writable(path) {
		fb := filepath.Join(mount, fallbackPath, fallbackV2Leaf)
		if isDir(fb) {
			path = fb
		}
	}
	return newV2(path)
}

func newV2(path string) *v2Cgroup {
	c := &v2Cgroup{
		path:        path,
		controllers: map[string]struct{}{},
		reap:        newReaper("cgroup.procs"),
	}
	if path == "" {
		return c
	}
	s, err := readValue(path, "cgroup.controllers")
	if err != nil {
		log.Errorf("cannot read controllers of cgroup %s: %v", path, err)
		c.path = ""
		return c
	}
	for _, controller := range strings.Fields(s) {
		c.controllers[controller] = struct{}{}
	}
	// freezing is a core feature of every v2 cgroup, not a controller
	c.controllers[v2Freeze] = struct{}{}
	return c
}

func (c *v2Cgroup) Version() Version { return V2 }

func (c *v2Cgroup) Subsystems() map[string]string {
	out := make(map[string]string, len(c.controllers))
	for controller := range c.controllers {
		out[controller] = c.path
	}
	return out
}

func (c *v2Cgroup) Has(subsystem string) bool {
	_, ok := c.controllers[subsystem]
	return ok
}

func (c *v2Cgroup) SubsystemFor(kind ControllerKind) string {
	switch kind {
	case ControllerCPU:
		return v2CPU
	case ControllerCPUSet:
		return v2CPUSet
	case ControllerMemory:
		return v2Memory
	case ControllerFreezer:
		return v2Freeze
	case ControllerIO:
		return v2IO
	default:
		return ""
	}
}

// CreateFreshChild creates one child directory in the unified hierarchy; the
// subsystems arguments only assert availability, since v2 has no per-subsystem
// placement. Controllers are delegated by the kernel through
// cgroup.subtree_control of the parent; we enable what we can and leave the
// child to report which controllers it actually got.
func (c *v2Cgroup) CreateFreshChild(subsystems ...string) (Cgroup, error) {
	for _, subsystem := range subsystems {
		if !c.Has(subsystem) {
			panic(fmt.Sprintf("cgroup: subsystem %s requested but not part of this handle", subsystem))
		}
	}
	if c.path == "" {
		return newV2(""), nil
	}
	child, err := os.MkdirTemp(c.path, namePrefix)
	if err != nil {
		return nil, errors.Wrapf(err, "create child cgroup in %s", c.path)
	}
	for controller := range c.controllers {
		if controller == v2Freeze {
			continue
		}
		if err := writeValue(c.path, "cgroup.subtree_control", "+"+controller); err != nil {
			log.Debugf("cannot delegate controller %s to %s: %v", controller, child, err)
		}
	}
	return newV2(child), nil
}

func (c *v2Cgroup) AddTask(pid int) error {
	if err := registerUnchangedProcess(pid); err != nil {
		log.Debugf("cannot register process %d with cgrulesengd: %v", pid, err)
	}
	if c.path == "" {
		return nil
	}
	if err := writeValue(c.path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return errors.Wrapf(err, "add process %d to cgroup %s", pid, c.path)
	}
	return nil
}

func (c *v2Cgroup) AllTasks(subsystem string) ([]int, error) {
	if !c.Has(subsystem) {
		return nil, ErrSubsystemMissing
	}
	return readPIDs(filepath.Join(c.path, "cgroup.procs"))
}

// KillAllTasks kills every process in this cgroup and its nested children and
// removes the children. The tree is frozen first so that fork bombs cannot
// outrun the kill loop; frozen processes stay listed until thawed, so
// emptiness is only enforced after thawing.
func (c *v2Cgroup) KillAllTasks() error {
	if c.path == "" {
		return nil
	}
	if err := writeValueForce(c.path, "cgroup.freeze", "1"); err != nil {
		log.Warnf("cannot freeze cgroup %s: %v", c.path, err)
	}
	children, err := childrenBottomUp(c.path)
	if err != nil {
		return errors.Wrapf(err, "walk cgroup %s", c.path)
	}
	for _, child := range append(children, c.path) {
		if err := c.reap.killTasks(child, false); err != nil {
			return errors.Wrapf(err, "kill tasks in %s", child)
		}
		if child != c.path && hasFile(child, "cgroup.freeze") {
			// a nested group could itself be frozen, which would keep its
			// processes alive and the emptiness loop below endless
			if err := writeValueForce(child, "cgroup.freeze", "0"); err != nil {
				log.Debugf("cannot thaw nested cgroup %s: %v", child, err)
			}
		}
	}
	if err := writeValueForce(c.path, "cgroup.freeze", "0"); err != nil {
		log.Warnf("cannot thaw cgroup %s: %v", c.path, err)
	}
	return errors.Wrapf(c.reap.sweep(c.path), "sweep cgroup %s", c.path)
}

func (c *v2Cgroup) Remove() error {
	if c.path != "" {
		removeDir(c.path)
	}
	return nil
}

func (c *v2Cgroup) value(subsystem, file string) (string, error) {
	if !c.Has(subsystem) {
		return "", ErrSubsystemMissing
	}
	return readValue(c.path, file)
}

func (c *v2Cgroup) setValue(subsystem, file, value string) error {
	if !c.Has(subsystem) {
		return ErrSubsystemMissing
	}
	return writeValue(c.path, file, value)
}

// ReadCPUTime returns the cumulative CPU time of this cgroup in seconds, from
// the usage_usec counter in cpu.stat.
func (c *v2Cgroup) ReadCPUTime() (float64, error) {
	if !c.Has(v2CPU) {
		return 0, ErrSubsystemMissing
	}
	stats, err := readKeyValues(c.path, "cpu.stat")
	if err != nil {
		return 0, err
	}
	s, ok := stats["usage_usec"]
	if !ok {
		return 0, ErrUnsupported
	}
	usec, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse cpu.stat usage_usec")
	}
	return float64(usec) / 1e6, nil
}

// ReadMaxMemUsage returns the peak memory usage of this cgroup. memory.peak
// only exists since Linux 5.19; older kernels report ErrUnsupported.
func (c *v2Cgroup) ReadMaxMemUsage() (types.Bytes, error) {
	if !c.Has(v2Memory) {
		return 0, ErrSubsystemMissing
	}
	if !hasFile(c.path, "memory.peak") {
		return 0, ErrUnsupported
	}
	s, err := readValue(c.path, "memory.peak")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse memory.peak")
	}
	return types.Bytes(v), nil
}

// ReadUsagePerCPU returns no data: the unified hierarchy has no per-core
// accounting. The empty map (not an error) lets callers skip the column.
func (c *v2Cgroup) ReadUsagePerCPU() (map[int]float64, error) {
	if !c.Has(v2CPU) {
		return nil, ErrSubsystemMissing
	}
	return map[int]float64{}, nil
}

func (c *v2Cgroup) ReadAvailableCPUs() ([]int, error) {
	s, err := c.value(v2CPUSet, "cpuset.cpus.effective")
	if err != nil {
		return nil, err
	}
	return util.ParseIntList(s)
}

func (c *v2Cgroup) ReadAvailableMems() ([]int, error) {
	s, err := c.value(v2CPUSet, "cpuset.mems.effective")
	if err != nil {
		return nil, err
	}
	return util.ParseIntList(s)
}

// ReadIOStat sums the bytes read and written by this cgroup over all block
// devices, from the rbytes and wbytes fields of io.stat.
func (c *v2Cgroup) ReadIOStat() (types.Bytes, types.Bytes, error) {
	s, err := c.value(v2IO, "io.stat")
	if err != nil {
		return 0, 0, err
	}
	var read, written uint64
	for _, line := range strings.Split(s, "\n") {
		// each line is "MAJ:MIN rbytes=... wbytes=... ..."
		for _, field := range strings.Fields(line) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			amount, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			switch key {
			case "rbytes":
				read += amount
			case "wbytes":
				written += amount
			}
		}
	}
	return types.Bytes(read), types.Bytes(written), nil
}

// ReadOOMKillCount returns how many processes of this cgroup the kernel's OOM
// killer terminated, from the oom_kill field of memory.events.
func (c *v2Cgroup) ReadOOMKillCount() (uint64, error) {
	if !c.Has(v2Memory) {
		return 0, ErrSubsystemMissing
	}
	events, err := readKeyValues(c.path, "memory.events")
	if err != nil {
		return 0, err
	}
	s, ok := events["oom_kill"]
	if !ok {
		return 0, ErrUnsupported
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse memory.events oom_kill")
	}
	return n, nil
}

// SetMemoryLimit sets the hard memory ceiling and forbids swap usage, so the
// limit covers the run's entire footprint. A kernel without the swap
// controller file is reported as a warning and the plain limit stays.
func (c *v2Cgroup) SetMemoryLimit(limit types.Bytes) error {
	if !c.Has(v2Memory) {
		return ErrSubsystemMissing
	}
	value := strconv.FormatUint(uint64(limit), 10)
	if err := writeValue(c.path, "memory.max", value); err != nil {
		return errors.Wrap(err, "set memory limit")
	}
	if !hasFile(c.path, "memory.swap.max") {
		log.Warnf("kernel misses feature for limiting swap memory, swap usage cannot be limited")
		return nil
	}
	if err := writeValue(c.path, "memory.swap.max", "0"); err != nil {
		return errors.Wrap(err, "disable swap")
	}
	return nil
}

func (c *v2Cgroup) ReadMemoryLimit() (types.Bytes, error) {
	s, err := c.value(v2Memory, "memory.max")
	if err != nil {
		return 0, err
	}
	if s == "max" {
		return 0, ErrNoLimit
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse memory.max")
	}
	return types.Bytes(v), nil
}

func (c *v2Cgroup) SetCPUSet(cores []int) error {
	return c.setValue(v2CPUSet, "cpuset.cpus", util.FormatIntList(cores))
}

func (c *v2Cgroup) SetMemoryNodes(nodes []int) error {
	return c.setValue(v2CPUSet, "cpuset.mems", util.FormatIntList(nodes))
}

func (c *v2Cgroup) DisableSwap() error {
	return c.setValue(v2Memory, "memory.swap.max", "0")
}
