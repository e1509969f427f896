//go:build linux

package runner

import (
	"time"

	"github.com/benchkit/benchkit/pkg/types"
)

// Termination reasons. Empty means the tool ended on its own.
const (
	ReasonMemory   = "memory"
	ReasonCPUTime  = "cputime"
	ReasonWallTime = "walltime"
)

// Result holds the measurements of one finished run. Measurements that could
// not be taken (missing subsystem, old kernel) are zero; their absence was
// already logged while the run was set up.
type Result struct {
	WallTime       time.Duration            `json:"walltime"`
	CPUTime        time.Duration            `json:"cputime"`
	CPUTimePerCore map[int]time.Duration    `json:"cputime_per_core,omitempty"`
	MaxMemory      types.Bytes              `json:"max_memory"`
	ReadBytes      types.Bytes              `json:"read_bytes"`
	WriteBytes     types.Bytes              `json:"write_bytes"`
	OOMKills       uint64                   `json:"oom_kills"`

	// ExitCode is the tool's exit status, Signal the terminating signal
	// number; exactly one of them is meaningful, depending on how the tool
	// ended.
	ExitCode int `json:"exit_code"`
	Signal   int `json:"signal,omitempty"`

	TerminationReason string `json:"termination_reason,omitempty"`
}
