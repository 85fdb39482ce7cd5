// Package proof defines proof artifacts, the terminal record of one
// orchestration run, and the wire messages that carry them.
package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/reasoning"
	"github.com/spec-to-proof/spec-to-proof/internal/sandbox"
)

var (
	ErrInvalidArtifact = errors.New("proof: invalid artifact")
	ErrInvalidMessage  = errors.New("proof: invalid message")
)

type Status string

const (
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusTimeout       Status = "timeout"
	StatusError         Status = "error"
	StatusCancelled     Status = "cancelled"
	StatusRejectedInput Status = "rejected_input"
	StatusSandboxFault  Status = "sandbox_fault"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusError, StatusCancelled, StatusRejectedInput, StatusSandboxFault:
		return true
	}
	return false
}

// Fatal reports statuses that ended the run without exhausting retries
// because the input or the candidate was hostile.
func (s Status) Fatal() bool { return s == StatusRejectedInput || s == StatusSandboxFault }

// Severity is "high" for sandbox faults so operators can page on them
// separately from ordinary proof failures.
func (s Status) Severity() string {
	if s == StatusSandboxFault {
		return "high"
	}
	return ""
}

type AttemptOutcome string

const (
	OutcomeAccepted        AttemptOutcome = "accepted"
	OutcomeRejected        AttemptOutcome = "rejected"
	OutcomeTimeout         AttemptOutcome = "timeout"
	OutcomeSandboxFault    AttemptOutcome = "sandbox_fault"
	OutcomeGuardRejected   AttemptOutcome = "guard_rejected"
	OutcomeServiceError    AttemptOutcome = "service_error"
	OutcomeBudgetExhausted AttemptOutcome = "budget_exhausted"
	OutcomeCancelled       AttemptOutcome = "cancelled"
)

// Attempt is one pass through call, guard and verify.
type Attempt struct {
	Number     int            `json:"number"`
	StartedAt  time.Time      `json:"started_at"`
	BackoffMS  int64          `json:"backoff_ms,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Outcome    AttemptOutcome `json:"outcome"`

	// PromptDigest addresses the rendered prompt without storing it.
	PromptDigest string `json:"prompt_digest,omitempty"`
	GuardVerdict string `json:"guard_verdict,omitempty"`

	// RawCompletion is the model answer the proof was extracted from,
	// clipped to MaxRawCompletionBytes.
	RawCompletion string `json:"raw_completion,omitempty"`

	ProofCode  string                `json:"proof_code,omitempty"`
	Strategy   string                `json:"strategy,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Tokens     reasoning.Usage       `json:"tokens"`
	Usage      sandbox.ResourceUsage `json:"resource_usage"`
	StdoutTail string                `json:"stdout_tail,omitempty"`
}

// MaxRawCompletionBytes bounds the model answer kept on an attempt.
const MaxRawCompletionBytes = 16 * 1024

// ClipRawCompletion trims a model answer for storage on an attempt.
func ClipRawCompletion(s string) string {
	if len(s) <= MaxRawCompletionBytes {
		return s
	}
	return strings.ToValidUTF8(s[:MaxRawCompletionBytes], "")
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Metadata struct {
	Strategy      string                `json:"proof_strategy,omitempty"`
	TacticsUsed   []string              `json:"tactics_used,omitempty"`
	Difficulty    Difficulty            `json:"difficulty,omitempty"`
	Confidence    float64               `json:"confidence"`
	Provider      string                `json:"provider,omitempty"`
	Model         string                `json:"model,omitempty"`
	Template      string                `json:"template,omitempty"`
	Seed          int64                 `json:"seed"`
	Tokens        reasoning.Usage       `json:"tokens"`
	CostEstimate  float64               `json:"cost_estimate,omitempty"`
	ResourceUsage sandbox.ResourceUsage `json:"resource_usage"`
}

// Artifact is the terminal outcome of proving one stub. ContentHash covers
// the stub, the status, the final proof and the failure reason; the attempt
// log and timings are carried along but do not change the address.
type Artifact struct {
	ID            string      `json:"id"`
	StubID        string      `json:"stub_id"`
	StubHash      common.Hash `json:"stub_hash"`
	TheoremName   string      `json:"theorem_name"`
	Status        Status      `json:"status"`
	ProofCode     string      `json:"proof_code,omitempty"`
	LeanSource    string      `json:"lean_source,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Severity      string      `json:"severity,omitempty"`
	Attempts      []Attempt   `json:"attempts"`
	Metadata      Metadata    `json:"metadata"`
	ContentHash   common.Hash `json:"content_hash"`
	CreatedAt     time.Time   `json:"created_at"`
}

type artifactIdentity struct {
	StubHash      string `json:"stub_hash"`
	TheoremName   string `json:"theorem_name"`
	Status        Status `json:"status"`
	ProofCode     string `json:"proof_code"`
	FailureReason string `json:"failure_reason"`
}

func ComputeContentHash(a Artifact) (common.Hash, error) {
	return contenthash.SumCanonical(contenthash.DomainArtifact, artifactIdentity{
		StubHash:      contenthash.Hex(a.StubHash),
		TheoremName:   a.TheoremName,
		Status:        a.Status,
		ProofCode:     a.ProofCode,
		FailureReason: a.FailureReason,
	})
}

var artifactNamespace = uuid.MustParse("5d0c7f4e-6b39-4f8e-9c57-2a1f3b8e9d10")

// ArtifactID derives a stable identifier from the content hash.
func ArtifactID(h common.Hash) string {
	return uuid.NewSHA1(artifactNamespace, h.Bytes()).String()
}

// Seal fills in Severity, ContentHash and ID.
func (a *Artifact) Seal() error {
	a.Severity = a.Status.Severity()
	h, err := ComputeContentHash(*a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	a.ContentHash = h
	a.ID = ArtifactID(h)
	return nil
}

func (a Artifact) Validate() error {
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArtifact, a.Status)
	}
	if strings.TrimSpace(a.StubID) == "" || (a.StubHash == common.Hash{}) {
		return fmt.Errorf("%w: missing stub reference", ErrInvalidArtifact)
	}
	if a.Status == StatusSuccess && strings.TrimSpace(a.ProofCode) == "" {
		return fmt.Errorf("%w: success without proof", ErrInvalidArtifact)
	}
	want, err := ComputeContentHash(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if a.ContentHash != want {
		return fmt.Errorf("%w: content hash mismatch", ErrInvalidArtifact)
	}
	if a.ID != ArtifactID(want) {
		return fmt.Errorf("%w: id does not match content hash", ErrInvalidArtifact)
	}
	return nil
}

const artifactVersion = "proof.artifact.v1"

// EncodeArtifact is the storage encoding of an artifact.
func EncodeArtifact(a Artifact) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Version string `json:"version"`
		Artifact
	}{Version: artifactVersion, Artifact: a})
}

func DecodeArtifact(b []byte) (Artifact, error) {
	var raw struct {
		Version string `json:"version"`
		Artifact
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Artifact{}, fmt.Errorf("%w: decode: %v", ErrInvalidArtifact, err)
	}
	if raw.Version != artifactVersion {
		return Artifact{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidArtifact, raw.Version)
	}
	if err := raw.Artifact.Validate(); err != nil {
		return Artifact{}, err
	}
	return raw.Artifact, nil
}
