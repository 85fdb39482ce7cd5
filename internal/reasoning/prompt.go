package reasoning

import (
	"fmt"
	"strings"
	"text/template"
)

type TemplateName string

const (
	TemplateProofCompletion  TemplateName = "proof_completion"
	TemplateTrivialInvariant TemplateName = "trivial_invariant"
)

// PromptVars are the values substituted into a template. Every field is
// derived from untrusted input and must pass the injection guard first.
type PromptVars struct {
	TheoremCode string
	Strategy    string
	// Feedback is the checker's reason for rejecting the previous attempt.
	Feedback string
}

const proofCompletionSystem = `You are an expert Lean 4 theorem prover tasked with completing proofs for Lean theorems.

Guidelines:
1. Use Lean 4 tactics effectively and efficiently.
2. Follow the proof strategy when one is given.
3. Use tactics that fit the goal: simp, rw, apply, exact, intro, cases, induction, omega, linarith.
4. Break complex proofs into steps with have, and use calc for equational reasoning.
5. Never use sorry, admit, axioms, or any command that runs code.

Reply only by calling the complete_proof function. proof_code must contain just the tactic block that replaces sorry.`

const trivialInvariantSystem = `You are an expert Lean 4 theorem prover specializing in trivial invariants.

Generate simple, direct proofs that check quickly:
1. Prefer rfl, simp, omega, or a single exact with a core lemma.
2. Keep the proof to one or two tactics.
3. Never use sorry, admit, axioms, or any command that runs code.

Reply only by calling the complete_proof function. proof_code must contain just the tactic block that replaces sorry.`

var userTemplate = template.Must(template.New("user").Parse(`Complete the proof for the following Lean 4 theorem.

Theorem Code:
{{.TheoremCode}}
{{- if .Strategy}}

Proof Strategy: {{.Strategy}}
{{- end}}
{{- if .Feedback}}

The previous attempt was rejected by the checker:
{{.Feedback}}
{{- end}}
`))

// Render builds the system and user prompt for a template.
func Render(name TemplateName, vars PromptVars) (system, user string, err error) {
	switch name {
	case TemplateProofCompletion:
		system = proofCompletionSystem
	case TemplateTrivialInvariant:
		system = trivialInvariantSystem
	default:
		return "", "", fmt.Errorf("reasoning: unknown template %q", name)
	}
	if strings.TrimSpace(vars.TheoremCode) == "" {
		return "", "", fmt.Errorf("reasoning: template %s: empty theorem code", name)
	}
	var b strings.Builder
	if err := userTemplate.Execute(&b, vars); err != nil {
		return "", "", fmt.Errorf("reasoning: render %s: %w", name, err)
	}
	return system, b.String(), nil
}
