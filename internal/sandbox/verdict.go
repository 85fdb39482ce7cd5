package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig      = errors.New("sandbox: invalid config")
	ErrInvalidPolicy      = errors.New("sandbox: invalid policy")
	ErrUnavailable        = errors.New("sandbox: unavailable")
	ErrSandboxFault       = errors.New("sandbox: fault")
	ErrVerificationFailed = errors.New("sandbox: verification failed")
)

type Status string

const (
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusTimeout      Status = "timeout"
	StatusSandboxFault Status = "sandbox_fault"
)

type ResourceUsage struct {
	CPUTimeMS       int64 `json:"cpu_time_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
	WallTimeMS      int64 `json:"wall_time_ms"`
}

// Add accumulates time and keeps the larger memory peak.
func (u ResourceUsage) Add(o ResourceUsage) ResourceUsage {
	out := ResourceUsage{
		CPUTimeMS:       u.CPUTimeMS + o.CPUTimeMS,
		WallTimeMS:      u.WallTimeMS + o.WallTimeMS,
		PeakMemoryBytes: u.PeakMemoryBytes,
	}
	if o.PeakMemoryBytes > out.PeakMemoryBytes {
		out.PeakMemoryBytes = o.PeakMemoryBytes
	}
	return out
}

// Verdict is the outcome of one verification run. Usage is filled in for
// every status, including faults caught before a process was started.
type Verdict struct {
	Status      Status        `json:"status"`
	StdoutTail  string        `json:"stdout_tail"`
	StderrTail  string        `json:"stderr_tail,omitempty"`
	ExitCode    int           `json:"exit_code"`
	DurationMS  int64         `json:"duration_ms"`
	Usage       ResourceUsage `json:"resource_usage"`
	FaultReason string        `json:"fault_reason,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func (v Verdict) Err() error {
	switch v.Status {
	case StatusAccepted:
		return nil
	case StatusSandboxFault:
		return fmt.Errorf("%w: %s", ErrSandboxFault, v.FaultReason)
	case StatusTimeout:
		return fmt.Errorf("%w: timed out after %dms", ErrVerificationFailed, v.DurationMS)
	default:
		return fmt.Errorf("%w: %s", ErrVerificationFailed, v.Reason)
	}
}

// Candidate is a complete Lean source file with the stub's placeholder
// replaced by ProofCode. Only ProofCode is untrusted.
type Candidate struct {
	StubID    string
	Source    string
	ProofCode string
	Strategy  string
}

// Verifier checks candidate proofs. Implementations must be safe for
// concurrent use; every call gets a fresh scratch area.
type Verifier interface {
	Verify(ctx context.Context, c Candidate, timeout time.Duration) (Verdict, error)
	Ready(ctx context.Context) error
}

// Func adapts a function to the Verifier interface.
type Func func(ctx context.Context, c Candidate, timeout time.Duration) (Verdict, error)

func (f Func) Verify(ctx context.Context, c Candidate, timeout time.Duration) (Verdict, error) {
	return f(ctx, c, timeout)
}

func (f Func) Ready(context.Context) error { return nil }
