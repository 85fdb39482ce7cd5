// Package reasoning talks to the external services that complete theorem
// stubs. Every provider decodes at temperature zero and reports token usage
// so callers can enforce budgets.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrService             = errors.New("reasoning: service error")
	ErrMalformedCompletion = errors.New("reasoning: malformed completion")
)

// CompleteProofTool is the structured-output tool every provider forces the
// model to call.
const CompleteProofTool = "complete_proof"

const completeProofSchema = `{
  "type": "object",
  "properties": {
    "proof_code": {"type": "string", "description": "Lean 4 tactic block that replaces sorry in the theorem"},
    "proof_strategy": {"type": "string", "description": "The proof strategy used"},
    "tactics_used": {"type": "array", "items": {"type": "string"}, "description": "Lean tactics used in the proof"},
    "difficulty": {"type": "string", "enum": ["easy", "medium", "hard"]}
  },
  "required": ["proof_code", "proof_strategy"]
}`

const completeProofDescription = "Complete the proof for a Lean 4 theorem"

type Request struct {
	StubID string
	System string
	Prompt string
	// MaxTokens bounds the completion. Zero uses the provider default.
	MaxTokens int
	// Seed is derived from the stub hash. Providers that cannot pin a seed
	// ignore it.
	Seed int64
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Completion is a candidate proof body. It is untrusted until verified.
type Completion struct {
	ProofCode   string
	// Raw is the model's answer before extraction: the tool-call arguments
	// or the message text.
	Raw         string
	Strategy    string
	TacticsUsed []string
	Difficulty  string
	Model       string
	Usage       Usage
}

// Provider is one reasoning backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
	// Ping checks reachability and credentials without generating tokens.
	Ping(ctx context.Context) error
}

// ServiceError is a failed call to a reasoning backend.
type ServiceError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString("reasoning: ")
	b.WriteString(e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrService}
	}
	return []error{ErrService, e.Err}
}

// IsRetryable reports whether a failed Complete call may succeed on a later
// attempt. Malformed completions count as retryable failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, ErrMalformedCompletion) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	case 529: // overloaded
		return true
	}
	return code >= 500
}

// transportError wraps a failed round trip. Cancellation by the caller is
// returned unchanged so it is never mistaken for a service failure.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ServiceError{Provider: provider, Retryable: true, Err: err}
}
