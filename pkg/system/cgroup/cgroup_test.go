//go:build linux

package cgroup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		mounts string
		want   Version
	}{
		{"v1 only", sampleMounts, V1},
		{"v2 only", sampleMountsV2, V2},
		{"hybrid", sampleMounts + sampleMountsV2, Hybrid},
		{"none", "sysfs /sys sysfs rw 0 0\n", Unsupported},
		{"empty", "", Unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail, err := detect(strings.NewReader(tt.mounts))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, detail)
		})
	}
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "cgroup v1", V1.String())
	assert.Equal(t, "cgroup v2", V2.String())
	assert.Equal(t, "cgroup hybrid", Hybrid.String())
	assert.Equal(t, "unsupported", Unsupported.String())
}

func TestNoneCgroup(t *testing.T) {
	var c Cgroup = noneCgroup{}

	assert.Equal(t, Unsupported, c.Version())
	assert.Empty(t, c.Subsystems())
	assert.False(t, c.Has("memory"))

	// operations degrade to no-ops, reads report the subsystem as missing
	assert.NoError(t, c.AddTask(1))
	assert.NoError(t, c.KillAllTasks())
	assert.NoError(t, c.Remove())
	_, err := c.ReadCPUTime()
	assert.ErrorIs(t, err, ErrSubsystemMissing)
	_, err = c.ReadMaxMemUsage()
	assert.ErrorIs(t, err, ErrSubsystemMissing)
	assert.ErrorIs(t, c.SetCPUSet([]int{0}), ErrSubsystemMissing)

	child, err := c.CreateFreshChild()
	require.NoError(t, err)
	assert.Equal(t, Unsupported, child.Version())

	assert.Panics(t, func() {
		_, _ = c.CreateFreshChild("memory")
	})
}
