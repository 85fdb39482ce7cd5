package theorem

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
)

var (
	ErrInvalidInvariant    = errors.New("theorem: invalid invariant")
	ErrUnsupportedType     = errors.New("theorem: unsupported type")
	ErrMalformedExpression = errors.New("theorem: malformed expression")
	ErrInvalidStub         = errors.New("theorem: invalid stub")
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

type Variable struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Invariant is a structured invariant extracted upstream from a natural
// language specification.
type Invariant struct {
	ID               string            `json:"id"`
	Description      string            `json:"description"`
	NaturalLanguage  string            `json:"natural_language,omitempty"`
	FormalExpression string            `json:"formal_expression"`
	Variables        []Variable        `json:"variables"`
	Units            map[string]string `json:"units,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Priority         Priority          `json:"priority,omitempty"`
	// ContentHash is the upstream address of the invariant. It is carried
	// through but the compiler derives its own from the content.
	ContentHash string `json:"content_hash,omitempty"`
}

type InvariantSet struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Invariants []Invariant `json:"invariants"`
}

type StubMetadata struct {
	Imports         []string `json:"imports"`
	VariableCount   int      `json:"variable_count"`
	CompilerVersion string   `json:"compiler_version"`
	Priority        Priority `json:"priority,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Stub is a Lean 4 theorem statement whose proof body is the placeholder
// `sorry`. ContentHash covers everything except GeneratedAt.
type Stub struct {
	ID                  string       `json:"id"`
	TheoremName         string       `json:"theorem_name"`
	LeanCode            string       `json:"lean_code"`
	SourceInvariantID   string       `json:"source_invariant_id"`
	SourceInvariantHash common.Hash  `json:"source_invariant_hash"`
	ContentHash         common.Hash  `json:"content_hash"`
	GeneratedAt         time.Time    `json:"generated_at"`
	Metadata            StubMetadata `json:"metadata"`
}

type stubIdentity struct {
	TheoremName         string `json:"theorem_name"`
	LeanCode            string `json:"lean_code"`
	SourceInvariantID   string `json:"source_invariant_id"`
	SourceInvariantHash string `json:"source_invariant_hash"`
}

// StubHash derives the content address of a stub.
func StubHash(theoremName, leanCode, invariantID string, invariantHash common.Hash) (common.Hash, error) {
	return contenthash.SumCanonical(contenthash.DomainStub, stubIdentity{
		TheoremName:         theoremName,
		LeanCode:            leanCode,
		SourceInvariantID:   invariantID,
		SourceInvariantHash: contenthash.Hex(invariantHash),
	})
}

type invariantIdentity struct {
	ID               string            `json:"id"`
	Description      string            `json:"description"`
	NaturalLanguage  string            `json:"natural_language"`
	FormalExpression string            `json:"formal_expression"`
	Variables        []Variable        `json:"variables"`
	Units            map[string]string `json:"units"`
}

// InvariantHash addresses the content of an invariant. Tags, priority and the
// upstream hash do not change the theorem and are excluded.
func InvariantHash(inv Invariant) (common.Hash, error) {
	vars := inv.Variables
	if vars == nil {
		vars = []Variable{}
	}
	return contenthash.SumCanonical(contenthash.DomainInvariant, invariantIdentity{
		ID:               inv.ID,
		Description:      inv.Description,
		NaturalLanguage:  inv.NaturalLanguage,
		FormalExpression: inv.FormalExpression,
		Variables:        vars,
		Units:            inv.Units,
	})
}

// Validate checks the stub is well formed and that its content hash matches
// its content. Stubs received over the wire are validated before use.
func (s Stub) Validate() error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.TheoremName) == "" {
		return fmt.Errorf("%w: missing id or theorem name", ErrInvalidStub)
	}
	if !strings.Contains(s.LeanCode, "sorry") {
		return fmt.Errorf("%w: lean code has no sorry placeholder", ErrInvalidStub)
	}
	want, err := StubHash(s.TheoremName, s.LeanCode, s.SourceInvariantID, s.SourceInvariantHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStub, err)
	}
	if want != s.ContentHash {
		return fmt.Errorf("%w: content hash mismatch: got %s want %s", ErrInvalidStub, s.ContentHash, want)
	}
	return nil
}

// CompileError reports why an invariant could not be turned into a stub.
type CompileError struct {
	InvariantID string
	Kind        error
	Detail      string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%v: invariant %q: %s", e.Kind, e.InvariantID, e.Detail)
}

func (e *CompileError) Unwrap() error { return e.Kind }

func compileErr(id string, kind error, format string, args ...any) error {
	return &CompileError{InvariantID: id, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
