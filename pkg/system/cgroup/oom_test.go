//go:build linux

package cgroup

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/benchkit/benchkit/pkg/system/proc"
)

func newFakeMemoryCgroup(t *testing.T) (Cgroup, string) {
	t.Helper()
	dir := t.TempDir()
	writeFakeValue(t, dir, "memory.oom_control", "oom_kill_disable 0\nunder_oom 0")
	writeFakeValue(t, dir, "memory.limit_in_bytes", "268435456")
	writeFakeValue(t, dir, "memory.memsw.limit_in_bytes", "268435456")
	return newV1(map[string]string{v1Memory: dir}), dir
}

func startVictim(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestOOMNotifier_Event(t *testing.T) {
	c, dir := newFakeMemoryCgroup(t)
	victim := startVictim(t)
	writeTasks(t, dir, fmt.Sprintf("%d\n", victim.Process.Pid))

	reasons := make(chan string, 1)
	n, err := NewOOMNotifier(c, victim.Process.Pid, func(reason string) {
		reasons <- reason
	})
	require.NoError(t, err)

	// arming registered the eventfd pair and disabled the kernel OOM killer
	control, err := readValue(dir, "cgroup.event_control")
	require.NoError(t, err)
	assert.Regexp(t, `^\d+ \d+$`, control)
	oomControl, err := os.ReadFile(filepath.Join(dir, "memory.oom_control"))
	require.NoError(t, err)
	assert.Equal(t, byte('1'), oomControl[0])

	n.Start()

	// simulate the kernel reporting an OOM event
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err = unix.Write(n.efd, buf)
	require.NoError(t, err)

	select {
	case reason := <-reasons:
		assert.Equal(t, "memory", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no OOM callback")
	}
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}

	// further events must not fire the callback again; the eventfd stays open
	// until Cancel, so this write goes to the armed descriptor
	_, err = unix.Write(n.efd, buf)
	require.NoError(t, err)
	select {
	case <-reasons:
		t.Fatal("callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	// Cancel after the event is a clean release, even called twice
	n.Cancel()
	n.Cancel()

	// the run is dead and the limits are lifted out of the way
	err = victim.Wait()
	require.Error(t, err)
	for _, file := range []string{"memory.limit_in_bytes", "memory.memsw.limit_in_bytes"} {
		v, rerr := readValue(dir, file)
		require.NoError(t, rerr)
		assert.Equal(t, unlimitedMemory, v)
	}
}

func TestOOMNotifier_Cancel(t *testing.T) {
	c, dir := newFakeMemoryCgroup(t)
	victim := startVictim(t)
	writeTasks(t, dir, fmt.Sprintf("%d\n", victim.Process.Pid))

	called := false
	n, err := NewOOMNotifier(c, victim.Process.Pid, func(string) { called = true })
	require.NoError(t, err)
	n.Start()

	n.Cancel()
	// a second Cancel is a no-op
	n.Cancel()

	assert.False(t, called)
	assert.True(t, proc.Exists(victim.Process.Pid))
	v, err := readValue(dir, "memory.limit_in_bytes")
	require.NoError(t, err)
	assert.Equal(t, "268435456", v)
}

func TestOOMNotifier_NoMemorySubsystem(t *testing.T) {
	c := newV1(map[string]string{v1CPU: t.TempDir()})
	_, err := NewOOMNotifier(c, 1, func(string) {})
	assert.ErrorIs(t, err, ErrSubsystemMissing)
}
