//go:build linux

package cgroup

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Helpers for the virtual files of a cgroup directory. Values are plain
// strings; unit conversion happens in the readers.

func hasFile(dir, file string) bool {
	info, err := os.Stat(filepath.Join(dir, file))
	return err == nil && info.Mode().IsRegular()
}

func readValue(dir, file string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func writeValue(dir, file, value string) error {
	return os.WriteFile(filepath.Join(dir, file), []byte(value), 0o644)
}

// writeValueForce writes even if we lack write permission on the file, as
// long as we own it: processes inside the run may have dropped permissions on
// files of their nested groups, but they cannot change the owner.
func writeValueForce(dir, file, value string) error {
	err := writeValue(dir, file, value)
	if err == nil || !os.IsPermission(err) {
		return err
	}
	if cerr := os.Chmod(filepath.Join(dir, file), 0o644); cerr != nil {
		return err
	}
	return writeValue(dir, file, value)
}

// readKeyValues parses a flat kernel key-value file such as cpu.stat or
// memory.events ("usage_usec 154331\n...").
func readKeyValues(dir, file string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(dir, file))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pairs := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		pairs[key] = strings.TrimSpace(value)
	}
	return pairs, sc.Err()
}

// readPIDs reads a membership pseudo-file ("tasks" or "cgroup.procs"),
// granting ourselves read permission first if a process inside the run
// removed it.
func readPIDs(path string) ([]int, error) {
	f, err := forceOpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		pid, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, sc.Err()
}

func forceOpenRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err == nil || !os.IsPermission(err) {
		return f, err
	}
	if cerr := os.Chmod(path, 0o400); cerr != nil {
		return nil, err
	}
	return os.Open(path)
}
