//go:build linux

package cgroup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordedKill struct {
	pid int
	sig unix.Signal
}

func writeTasks(t *testing.T, dir string, pids string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks"), []byte(pids), 0o644))
}

func TestKillTasks_SignalOrderAndBackoff(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, "101\n102\n")

	var kills []recordedKill
	var sleeps []time.Duration
	r := reaper{
		taskFile: "tasks",
		kill: func(pid int, sig unix.Signal) {
			kills = append(kills, recordedKill{pid, sig})
		},
		sleep: func(d time.Duration) {
			sleeps = append(sleeps, d)
			// pretend the processes finally died during the fourth wait
			if len(sleeps) == 4 {
				writeTasks(t, dir, "")
			}
		},
	}

	require.NoError(t, r.killTasks(dir, true))

	// four full rounds of two PIDs each, cycling through the signal sequence
	require.Len(t, kills, 8)
	wantSigs := []unix.Signal{unix.SIGKILL, unix.SIGINT, unix.SIGTERM, unix.SIGKILL}
	for round, sig := range wantSigs {
		assert.Equal(t, recordedKill{101, sig}, kills[round*2])
		assert.Equal(t, recordedKill{102, sig}, kills[round*2+1])
	}
	// backoff grows with the attempt, not with the signal
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
	}, sleeps)
}

func TestKillTasks_NoEnsureEmptyReturnsAfterOneRound(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, "55\n")

	var kills []recordedKill
	r := reaper{
		taskFile: "tasks",
		kill:     func(pid int, sig unix.Signal) { kills = append(kills, recordedKill{pid, sig}) },
		sleep:    func(time.Duration) { t.Fatal("must not sleep") },
	}

	require.NoError(t, r.killTasks(dir, false))
	assert.Equal(t, []recordedKill{{55, unix.SIGKILL}}, kills)
}

func TestKillTasks_VanishedGroup(t *testing.T) {
	r := newReaper("tasks")
	assert.NoError(t, r.killTasks(filepath.Join(t.TempDir(), "gone"), true))
}

func TestChildrenBottomUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "c"), 0o755))

	dirs, err := childrenBottomUp(root)
	require.NoError(t, err)
	require.Len(t, dirs, 3)
	assert.NotContains(t, dirs, root)
	// a deeper directory always comes before its parent
	assert.Less(t,
		indexOf(dirs, filepath.Join(root, "a", "b")),
		indexOf(dirs, filepath.Join(root, "a")))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "benchmark_nested")
	require.NoError(t, os.Mkdir(child, 0o755))
	writeTasks(t, root, "7\n")
	writeTasks(t, child, "8\n")

	var kills []recordedKill
	r := reaper{
		taskFile: "tasks",
		kill: func(pid int, sig unix.Signal) {
			kills = append(kills, recordedKill{pid, sig})
			// the child directory must be emptied before it can be removed
			if pid == 8 {
				require.NoError(t, os.Remove(filepath.Join(child, "tasks")))
			}
			if pid == 7 {
				writeTasks(t, root, "")
			}
		},
		sleep: func(time.Duration) {},
	}

	require.NoError(t, r.sweep(root))

	assert.Contains(t, kills, recordedKill{8, unix.SIGKILL})
	assert.Contains(t, kills, recordedKill{7, unix.SIGKILL})
	assert.NoDirExists(t, child)
	assert.DirExists(t, root)
}

func TestRemoveDir(t *testing.T) {
	// a missing directory is only logged
	removeDir(filepath.Join(t.TempDir(), "gone"))

	dir := t.TempDir()
	target := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(target, 0o755))
	removeDir(target)
	assert.NoDirExists(t, target)

	// a non-empty directory is leaked, not force-deleted
	busy := filepath.Join(dir, "busy")
	require.NoError(t, os.MkdirAll(filepath.Join(busy, "inner"), 0o755))
	removeDir(busy)
	assert.DirExists(t, busy)
}
