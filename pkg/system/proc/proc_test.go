//go:build linux

package proc

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestExists(t *testing.T) {
	me := os.Getpid()
	assert.True(t, Exists(me), "current PID should exist")
	assert.False(t, Exists(999999), "very large PID should not exist")
}

func TestKill_GonePidDoesNotPanic(t *testing.T) {
	// ESRCH is swallowed; nothing to assert beyond "no panic".
	Kill(999999, unix.SIGKILL)
}

func TestKill_TerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	Kill(cmd.Process.Pid, unix.SIGKILL)
	err := cmd.Wait()
	require.Error(t, err)
	assert.False(t, cmd.ProcessState.Success())
}

func TestChildren_NoSuchPid(t *testing.T) {
	_, err := Children(999999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoChildren))
}

func TestDescendants_SpawnedChild(t *testing.T) {
	// A shell that spawns a sleep gives us a two-level tree below us.
	cmd := exec.Command("sh", "-c", "sleep 5 & wait")
	require.NoError(t, cmd.Start())
	defer func() {
		Kill(cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
	}()

	// Give the shell a moment to fork.
	var tree []int
	for i := 0; i < 50; i++ {
		tree = Descendants(cmd.Process.Pid)
		if len(tree) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, cmd.Process.Pid, tree[0], "root PID first")
	assert.GreaterOrEqual(t, len(tree), 2, "shell plus sleep expected")
}

func TestDescendants_LeafProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		Kill(cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
	}()

	tree := Descendants(cmd.Process.Pid)
	assert.Equal(t, []int{cmd.Process.Pid}, tree)
}
