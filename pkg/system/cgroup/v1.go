//go:build linux

package cgroup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/benchkit/benchkit/pkg/system/util"
	"github.com/benchkit/benchkit/pkg/types"
)

// Subsystem names of the v1 hierarchies.
const (
	v1CPU     = "cpuacct"
	v1CPUSet  = "cpuset"
	v1Freezer = "freezer"
	v1Memory  = "memory"
	v1IO      = "blkio"
)

// registerUnchangedProcess asks the cgrulesengd daemon (via libcgroup) not to
// move a process out of the cgroups we place it in. Go cannot dlopen the
// library, so the default reports the capability as absent; the daemonless
// common case never notices. Tests inject a recording hook here.
var registerUnchangedProcess = func(pid int) error { return ErrUnsupported }

// v1Cgroup is the handle for the legacy multi-hierarchy layout: each
// subsystem may live under a different mount, and co-mounted subsystems share
// a path.
type v1Cgroup struct {
	subsystems map[string]string
	paths      []string // distinct values of subsystems, sorted
	reap       reaper
}

// NewV1 builds a handle on the current process's v1 cgroups from /proc/mounts
// and /proc/self/cgroup. cgroupProcinfo substitutes the latter for tests; nil
// means read the real file. With fallback, a pre-provisioned fallback group
// replaces any own cgroup we cannot write to. Unreadable proc files degrade
// to an empty handle.
func NewV1(cgroupProcinfo io.Reader, fallback bool) Cgroup {
	log.Debug("analyzing /proc/mounts and /proc/self/cgroup for determining cgroups")
	mounts := openProcFile("/proc/mounts")
	if mounts == nil {
		return newV1(nil)
	}
	defer mounts.Close()

	if cgroupProcinfo == nil {
		own := openProcFile("/proc/self/cgroup")
		if own == nil {
			return newV1(nil)
		}
		defer own.Close()
		cgroupProcinfo = own
	}
	return buildV1(mounts, cgroupProcinfo, fallback)
}

func buildV1(mounts, cgroupProcinfo io.Reader, fallback bool) Cgroup {
	own := parseProcCgroup(cgroupProcinfo)
	subsystems := map[string]string{}
	for subsystem, mount := range parseV1Mounts(mounts) {
		// Ignore mount points where we do not have any access, e.g. because a
		// parent directory has insufficient permissions (lxcfs does this).
		if !accessible(mount) {
			continue
		}
		rel, ok := own[subsystem]
		if !ok {
			log.Debugf("subsystem %s is mounted at %s but missing from /proc/self/cgroup", subsystem, mount)
			continue
		}
		path := filepath.Join(mount, rel)
		if fb := filepath.Join(mount, fallbackPath); fallback && !writable(path) && isDir(fb) {
			path = fb
		}
		subsystems[subsystem] = path
	}
	return newV1(subsystems)
}

func newV1(subsystems map[string]string) *v1Cgroup {
	if subsystems == nil {
		subsystems = map[string]string{}
	}
	return &v1Cgroup{
		subsystems: subsystems,
		paths:      distinctPaths(subsystems),
		reap:       newReaper("tasks"),
	}
}

func distinctPaths(subsystems map[string]string) []string {
	set := map[string]struct{}{}
	for _, p := range subsystems {
		set[p] = struct{}{}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (c *v1Cgroup) Version() Version { return V1 }

func (c *v1Cgroup) Subsystems() map[string]string {
	out := make(map[string]string, len(c.subsystems))
	for k, v := range c.subsystems {
		out[k] = v
	}
	return out
}

func (c *v1Cgroup) Has(subsystem string) bool {
	_, ok := c.subsystems[subsystem]
	return ok
}

func (c *v1Cgroup) SubsystemFor(kind ControllerKind) string {
	switch kind {
	case ControllerCPU:
		return v1CPU
	case ControllerCPUSet:
		return v1CPUSet
	case ControllerMemory:
		return v1Memory
	case ControllerFreezer:
		return v1Freezer
	case ControllerIO:
		return v1IO
	default:
		return ""
	}
}

// CreateFreshChild creates child cgroups for the given subsystems. Subsystems
// co-mounted in the same hierarchy share one child directory. The child's
// cpuset.cpus and cpuset.mems are copied from the parent so that it is
// immediately schedulable; this is expected to fail when the cpuset
// controller is not enabled in a hierarchy and is then skipped.
func (c *v1Cgroup) CreateFreshChild(subsystems ...string) (Cgroup, error) {
	perSubsystem := map[string]string{}
	perParent := map[string]string{}
	for _, subsystem := range subsystems {
		parent, ok := c.subsystems[subsystem]
		if !ok {
			panic(fmt.Sprintf("cgroup: subsystem %s requested but not part of this handle", subsystem))
		}
		if child, ok := perParent[parent]; ok {
			// co-mounted with an already created child, reuse it
			perSubsystem[subsystem] = child
			continue
		}
		child, err := os.MkdirTemp(parent, namePrefix)
		if err != nil {
			return nil, errors.Wrapf(err, "create child cgroup in %s", parent)
		}
		perSubsystem[subsystem] = child
		perParent[parent] = child

		copyParentToChild := func(name string) error {
			value, err := readValue(parent, name)
			if err != nil {
				return err
			}
			return writeValue(child, name, value)
		}
		if err := copyParentToChild("cpuset.cpus"); err != nil {
			log.Debugf("not copying cpuset configuration to %s: %v", child, err)
		} else if err := copyParentToChild("cpuset.mems"); err != nil {
			log.Debugf("not copying cpuset configuration to %s: %v", child, err)
		}
	}
	return newV1(perSubsystem), nil
}

func (c *v1Cgroup) AddTask(pid int) error {
	if err := registerUnchangedProcess(pid); err != nil {
		log.Debugf("cannot register process %d with cgrulesengd: %v", pid, err)
	}
	for _, dir := range c.paths {
		if err := writeValue(dir, "tasks", strconv.Itoa(pid)); err != nil {
			return errors.Wrapf(err, "add process %d to cgroup %s", pid, dir)
		}
	}
	return nil
}

func (c *v1Cgroup) AllTasks(subsystem string) ([]int, error) {
	dir, ok := c.subsystems[subsystem]
	if !ok {
		return nil, ErrSubsystemMissing
	}
	return readPIDs(filepath.Join(dir, "tasks"))
}

// KillAllTasks kills every process in this cgroup and its nested children and
// removes the children. With the freezer available, the whole tree is frozen
// first so that fork bombs cannot outrun the kill loop and no new subgroups
// appear mid-kill; frozen processes stay listed until thawed, so emptiness is
// only enforced in the second, thawed pass.
func (c *v1Cgroup) KillAllTasks() error {
	if fdir, ok := c.subsystems[v1Freezer]; ok {
		if err := writeValueForce(fdir, "freezer.state", "FROZEN"); err != nil {
			log.Warnf("cannot freeze cgroup %s: %v", fdir, err)
		}
		children, err := childrenBottomUp(fdir)
		if err != nil {
			return errors.Wrapf(err, "walk cgroup %s", fdir)
		}
		for _, child := range append(children, fdir) {
			if err := c.reap.killTasks(child, false); err != nil {
				return errors.Wrapf(err, "kill tasks in %s", child)
			}
			if child != fdir && hasFile(child, "freezer.state") {
				// a nested group could itself be frozen, which would keep its
				// processes alive and the loop below endless
				if err := writeValueForce(child, "freezer.state", "THAWED"); err != nil {
					log.Debugf("cannot thaw nested cgroup %s: %v", child, err)
				}
			}
		}
		if err := writeValueForce(fdir, "freezer.state", "THAWED"); err != nil {
			log.Warnf("cannot thaw cgroup %s: %v", fdir, err)
		}
	}

	// Second pass over all hierarchies, not only the one with the freezer:
	// kill what is left, ensure emptiness, and remove the subgroups.
	for _, dir := range c.paths {
		if err := c.reap.sweep(dir); err != nil {
			return errors.Wrapf(err, "sweep cgroup %s", dir)
		}
	}
	return nil
}

func (c *v1Cgroup) Remove() error {
	for _, dir := range c.paths {
		removeDir(dir)
	}
	return nil
}

func (c *v1Cgroup) value(subsystem, option string) (string, error) {
	dir, ok := c.subsystems[subsystem]
	if !ok {
		return "", ErrSubsystemMissing
	}
	return readValue(dir, subsystem+"."+option)
}

func (c *v1Cgroup) setValue(subsystem, option, value string) error {
	dir, ok := c.subsystems[subsystem]
	if !ok {
		return ErrSubsystemMissing
	}
	return writeValue(dir, subsystem+"."+option, value)
}

// ReadCPUTime returns the cumulative CPU time of this cgroup in seconds,
// from the nanosecond counter in cpuacct.usage.
func (c *v1Cgroup) ReadCPUTime() (float64, error) {
	s, err := c.value(v1CPU, "usage")
	if err != nil {
		return 0, err
	}
	ns, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse cpuacct.usage")
	}
	return float64(ns) / 1e9, nil
}

// ReadMaxMemUsage returns the peak RAM+swap usage of this cgroup. It prefers
// the swap-inclusive counter and falls back to the plain one. ErrUnsupported
// means the kernel cannot provide the value, the common cause being swap
// accounting disabled at boot.
func (c *v1Cgroup) ReadMaxMemUsage() (types.Bytes, error) {
	dir, ok := c.subsystems[v1Memory]
	if !ok {
		return 0, ErrSubsystemMissing
	}
	file := "memory.memsw.max_usage_in_bytes"
	if !hasFile(dir, file) {
		file = "memory.max_usage_in_bytes"
	}
	if !hasFile(dir, file) {
		return 0, ErrUnsupported
	}
	s, err := readValue(dir, file)
	if err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			log.Errorf("kernel does not track swap memory usage, cannot measure memory usage;" +
				" please set swapaccount=1 on your kernel command line")
			return 0, ErrUnsupported
		}
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", file)
	}
	return types.Bytes(v), nil
}

// ReadUsagePerCPU returns the CPU time in seconds per core index. Cores with
// a zero counter were never scheduled on and are omitted.
func (c *v1Cgroup) ReadUsagePerCPU() (map[int]float64, error) {
	s, err := c.value(v1CPU, "usage_percpu")
	if err != nil {
		return nil, err
	}
	usage := map[int]float64{}
	for core, field := range strings.Fields(s) {
		ns, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			log.Debugf("could not read CPU time for core %d from kernel: %v", core, err)
			continue
		}
		if ns != 0 {
			usage[core] = float64(ns) / 1e9
		}
	}
	return usage, nil
}

func (c *v1Cgroup) ReadAvailableCPUs() ([]int, error) {
	s, err := c.value(v1CPUSet, "cpus")
	if err != nil {
		return nil, err
	}
	return util.ParseIntList(s)
}

func (c *v1Cgroup) ReadAvailableMems() ([]int, error) {
	s, err := c.value(v1CPUSet, "mems")
	if err != nil {
		return nil, err
	}
	return util.ParseIntList(s)
}

// ReadIOStat sums the bytes read and written by this cgroup over all block
// devices, from blkio.throttle.io_service_bytes. Lines with a different
// structure (totals, async counters) are skipped.
func (c *v1Cgroup) ReadIOStat() (types.Bytes, types.Bytes, error) {
	s, err := c.value(v1IO, "throttle.io_service_bytes")
	if err != nil {
		return 0, 0, err
	}
	var read, written uint64
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		amount, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		switch fields[1] {
		case "Read":
			read += amount
		case "Write":
			written += amount
		}
	}
	return types.Bytes(read), types.Bytes(written), nil
}

// ReadOOMKillCount is not supported on v1; OOM detection happens through the
// event-based notifier instead.
func (c *v1Cgroup) ReadOOMKillCount() (uint64, error) {
	return 0, ErrUnsupported
}

// SetMemoryLimit sets the RAM ceiling and, where supported, the RAM+swap
// ceiling. Without the swap limit the kernel would merely swap the process
// out when it reaches the limit. A kernel refusing the swap limit is reported
// as a warning and the plain limit stays in effect.
func (c *v1Cgroup) SetMemoryLimit(limit types.Bytes) error {
	dir, ok := c.subsystems[v1Memory]
	if !ok {
		return ErrSubsystemMissing
	}
	value := strconv.FormatUint(uint64(limit), 10)
	if err := writeValue(dir, "memory.limit_in_bytes", value); err != nil {
		return errors.Wrap(err, "set memory limit")
	}
	if !hasFile(dir, "memory.memsw.limit_in_bytes") {
		log.Warnf("kernel misses feature for accounting swap memory, swap usage cannot be limited")
		return nil
	}
	if err := writeValue(dir, "memory.memsw.limit_in_bytes", value); err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			log.Warnf("kernel does not allow limiting swap memory;" +
				" please set swapaccount=1 on your kernel command line or disable swap")
			return nil
		}
		return errors.Wrap(err, "set swap memory limit")
	}
	return nil
}

func (c *v1Cgroup) ReadMemoryLimit() (types.Bytes, error) {
	s, err := c.value(v1Memory, "limit_in_bytes")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse memory.limit_in_bytes")
	}
	return types.Bytes(v), nil
}

func (c *v1Cgroup) SetCPUSet(cores []int) error {
	return c.setValue(v1CPUSet, "cpus", util.FormatIntList(cores))
}

func (c *v1Cgroup) SetMemoryNodes(nodes []int) error {
	return c.setValue(v1CPUSet, "mems", util.FormatIntList(nodes))
}

// DisableSwap turns off swapping for this cgroup completely (unlike a global
// swappiness of 0). The process may get OOM-killed earlier because of this.
func (c *v1Cgroup) DisableSwap() error {
	return c.setValue(v1Memory, "swappiness", "0")
}
