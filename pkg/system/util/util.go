//go:build linux

package util

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseIntList parses a comma-separated list of non-negative integers that may
// contain ranges, as used by the kernel in cpuset.cpus and cpuset.mems.
// "0-2,5" yields [0 1 2 5]. The empty string yields an empty list (a cpuset
// file is empty when no CPUs or nodes are assigned).
func ParseIntList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var result []int
	for _, item := range strings.Split(s, ",") {
		bounds := strings.Split(strings.TrimSpace(item), "-")
		switch len(bounds) {
		case 1:
			v, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid int list %q: %w", s, err)
			}
			result = append(result, v)
		case 2:
			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid int list %q: %w", s, err)
			}
			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid int list %q: %w", s, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid range %q in %q", item, s)
			}
			for v := start; v <= end; v++ {
				result = append(result, v)
			}
		default:
			return nil, fmt.Errorf("invalid range %q in %q", item, s)
		}
	}
	return result, nil
}

// FormatIntList renders a sorted copy of the given values as a comma-separated
// list with maximal range compression, the inverse of ParseIntList:
// [0 1 2 5] becomes "0-2,5". Duplicates are dropped.
func FormatIntList(values []int) string {
	if len(values) == 0 {
		return ""
	}
	vs := append([]int(nil), values...)
	sort.Ints(vs)

	var sb strings.Builder
	start, prev := vs[0], vs[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == prev {
			sb.WriteString(strconv.Itoa(start))
		} else {
			sb.WriteString(strconv.Itoa(start))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(prev))
		}
	}
	for _, v := range vs[1:] {
		if v == prev || v == prev+1 {
			if v == prev+1 {
				prev = v
			}
			continue
		}
		flush()
		start, prev = v, v
	}
	flush()
	return sb.String()
}

// ParsePIDs parses command-line PID arguments. Each argument is either a
// single PID ("1234") or an inclusive range ("3000..3004"). The result is
// deduplicated and sorted.
func ParsePIDs(args []string) ([]int, error) {
	set := map[int]struct{}{}
	for _, arg := range args {
		if lo, hi, ok := strings.Cut(arg, ".."); ok {
			a, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid PID range %q: %w", arg, err)
			}
			b, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid PID range %q: %w", arg, err)
			}
			if b < a {
				return nil, fmt.Errorf("invalid PID range %q", arg)
			}
			for pid := a; pid <= b; pid++ {
				set[pid] = struct{}{}
			}
			continue
		}
		pid, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid PID %q: %w", arg, err)
		}
		set[pid] = struct{}{}
	}
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// SystemSummary returns hostname, kernel release, CPU count and total memory
// for the run header.
func SystemSummary() (host, kernel string, cpus int, mem uint64) {
	host, _ = os.Hostname()
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		kernel = unix.ByteSliceToString(uts.Release[:])
	}
	cpus = runtime.NumCPU()
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		mem = uint64(si.Totalram) * uint64(si.Unit)
	}
	return host, kernel, cpus, mem
}
