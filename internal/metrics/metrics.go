// Package metrics records orchestration telemetry. Counters is the in-process
// atomic tally used for token budgets and cost; Prometheus exports the same
// events for scraping.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Recorder receives orchestration events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ReasoningCall(provider, outcome string, inputTokens, outputTokens int, d time.Duration)
	SandboxRun(verdict string, wall time.Duration)
	ArtifactFinished(status string, attempts int, d time.Duration)
}

type Nop struct{}

func (Nop) ReasoningCall(string, string, int, int, time.Duration) {}
func (Nop) SandboxRun(string, time.Duration)                      {}
func (Nop) ArtifactFinished(string, int, time.Duration)           {}

// Multi fans events out to every recorder.
type Multi []Recorder

func (m Multi) ReasoningCall(provider, outcome string, in, out int, d time.Duration) {
	for _, r := range m {
		r.ReasoningCall(provider, outcome, in, out, d)
	}
}

func (m Multi) SandboxRun(verdict string, wall time.Duration) {
	for _, r := range m {
		r.SandboxRun(verdict, wall)
	}
}

func (m Multi) ArtifactFinished(status string, attempts int, d time.Duration) {
	for _, r := range m {
		r.ArtifactFinished(status, attempts, d)
	}
}

// Counters is shared by every orchestration in the process. A positive token
// budget makes BudgetExhausted report true once it has been consumed.
type Counters struct {
	budget int64

	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	calls        atomic.Int64
	sandboxRuns  atomic.Int64
	artifacts    atomic.Int64
	successes    atomic.Int64
	faults       atomic.Int64
}

func NewCounters(tokenBudget int64) *Counters {
	if tokenBudget < 0 {
		tokenBudget = 0
	}
	return &Counters{budget: tokenBudget}
}

func (c *Counters) ReasoningCall(_, _ string, in, out int, _ time.Duration) {
	c.calls.Add(1)
	c.inputTokens.Add(int64(in))
	c.outputTokens.Add(int64(out))
}

func (c *Counters) SandboxRun(verdict string, _ time.Duration) {
	c.sandboxRuns.Add(1)
	if verdict == "sandbox_fault" {
		c.faults.Add(1)
	}
}

func (c *Counters) ArtifactFinished(status string, _ int, _ time.Duration) {
	c.artifacts.Add(1)
	if status == "success" {
		c.successes.Add(1)
	}
}

func (c *Counters) TotalTokens() int64 {
	return c.inputTokens.Load() + c.outputTokens.Load()
}

func (c *Counters) BudgetExhausted() bool {
	return c.budget > 0 && c.TotalTokens() >= c.budget
}

type Snapshot struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int64 `json:"reasoning_calls"`
	SandboxRuns  int64 `json:"sandbox_runs"`
	SandboxFault int64 `json:"sandbox_faults"`
	Artifacts    int64 `json:"artifacts"`
	Successes    int64 `json:"successes"`
	TokenBudget  int64 `json:"token_budget,omitempty"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		InputTokens:  c.inputTokens.Load(),
		OutputTokens: c.outputTokens.Load(),
		Calls:        c.calls.Load(),
		SandboxRuns:  c.sandboxRuns.Load(),
		SandboxFault: c.faults.Load(),
		Artifacts:    c.artifacts.Load(),
		Successes:    c.successes.Load(),
		TokenBudget:  c.budget,
	}
}

// EstimateCost prices tokens at costPer1k per thousand, rounded to the
// nearest hundredth of a cent.
func EstimateCost(tokens int64, costPer1k float64) float64 {
	if tokens <= 0 || costPer1k <= 0 {
		return 0
	}
	return math.Round(float64(tokens)/1000*costPer1k*10000) / 10000
}
