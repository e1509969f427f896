//go:build linux

package runner

import (
	"time"

	"github.com/benchkit/benchkit/pkg/types"
)

// Limits describes the resource constraints of one run. Zero values mean
// unlimited. CPUTimeSoft gives the tool a chance to shut down cleanly with
// SIGTERM before CPUTimeHard kills the whole group; a soft limit without a
// hard limit only sends the warning signal.
type Limits struct {
	CPUTimeSoft time.Duration
	CPUTimeHard time.Duration
	WallTime    time.Duration

	Memory types.Bytes

	Cores       []int
	MemoryNodes []int
}

func (l Limits) needsMemory() bool { return l.Memory > 0 }

func (l Limits) needsCPUSet() bool { return len(l.Cores) > 0 || len(l.MemoryNodes) > 0 }

func (l Limits) needsCPUTime() bool { return l.CPUTimeSoft > 0 || l.CPUTimeHard > 0 }
