package theorem

import (
	"fmt"
	"regexp"
	"strings"
)

const proofPlaceholder = " := by\n  sorry\n"

// WithProof returns the stub's Lean source with the sorry placeholder
// replaced by proof, indented as a tactic block.
func (s Stub) WithProof(proof string) (string, error) {
	i := strings.LastIndex(s.LeanCode, proofPlaceholder)
	if i < 0 {
		return "", fmt.Errorf("%w: proof placeholder not found", ErrInvalidStub)
	}
	proof = strings.Trim(proof, "\n")
	if strings.TrimSpace(proof) == "" {
		return "", fmt.Errorf("%w: empty proof", ErrInvalidStub)
	}
	var b strings.Builder
	b.WriteString(s.LeanCode[:i])
	b.WriteString(" := by\n")
	for _, line := range strings.Split(proof, "\n") {
		if strings.TrimSpace(line) != "" {
			b.WriteString("  ")
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Statement splits the theorem header into its binders and proposition.
func (s Stub) Statement() (binders string, prop string, ok bool) {
	head := "theorem " + s.TheoremName
	i := strings.Index(s.LeanCode, head)
	j := strings.LastIndex(s.LeanCode, proofPlaceholder)
	if i < 0 || j < i {
		return "", "", false
	}
	decl := s.LeanCode[i+len(head) : j]
	k := strings.Index(decl, " :\n    ")
	if k < 0 {
		return "", "", false
	}
	return strings.TrimSpace(decl[:k]), strings.TrimSpace(decl[k+len(" :\n    "):]), true
}

var (
	natBinderRe   = regexp.MustCompile(`^\([A-Za-z_][A-Za-z0-9_']* : Nat\)$`)
	arithPropRe   = regexp.MustCompile(`^[A-Za-z0-9_' ()+*\-]+=[A-Za-z0-9_' ()+*\-]+$`)
	binderSplitRe = regexp.MustCompile(`\)\s+\(`)
)

// IsTrivialArithmetic reports whether the stub states a single arithmetic
// identity over natural numbers with no hypotheses, such as n + 0 = n.
func (s Stub) IsTrivialArithmetic() bool {
	if len(s.Metadata.Imports) > 0 {
		return false
	}
	binders, prop, ok := s.Statement()
	if !ok || !arithPropRe.MatchString(prop) {
		return false
	}
	if binders == "" {
		return true
	}
	for _, b := range binderSplitRe.Split(binders, -1) {
		if !strings.HasPrefix(b, "(") {
			b = "(" + b
		}
		if !strings.HasSuffix(b, ")") {
			b += ")"
		}
		if !natBinderRe.MatchString(b) {
			return false
		}
	}
	return true
}
