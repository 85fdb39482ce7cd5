package reasoning

import (
	"context"
	"fmt"
	"strings"
)

// Fixed answers every request with the same proof. It backs offline runs
// where the checker is the only thing under test.
type Fixed struct {
	ProofCode string
	Strategy  string
}

func (f Fixed) Name() string { return "fixed" }

func (f Fixed) Complete(_ context.Context, req Request) (Completion, error) {
	if strings.TrimSpace(f.ProofCode) == "" {
		return Completion{}, fmt.Errorf("%w: fixed provider has no proof", ErrMalformedCompletion)
	}
	return Completion{
		ProofCode: strings.TrimSpace(f.ProofCode),
		Raw:       f.ProofCode,
		Strategy:  f.Strategy,
		Model:     "fixed",
		Usage:     Usage{InputTokens: len(req.System+req.Prompt) / 4},
	}, nil
}

func (f Fixed) Ping(context.Context) error { return nil }
