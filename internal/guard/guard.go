// Package guard screens text crossing the boundary to and from the reasoning
// service for prompt-injection and smuggling attempts.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ErrInjectionDetected = errors.New("guard: injection detected")

type Stage string

const (
	// StageInput screens text before it is sent to the reasoning service. A
	// suspicious input is fatal for the stub.
	StageInput Stage = "input"
	// StageOutput screens completions. A suspicious output fails only the
	// current attempt.
	StageOutput Stage = "output"
)

const (
	DefaultMaxInputBytes  = 5 * 1024
	DefaultMaxOutputBytes = 16 * 1024
)

type Verdict struct {
	Clean  bool
	Rule   string
	Reason string
}

func clean() Verdict { return Verdict{Clean: true} }

func suspicious(rule, format string, args ...any) Verdict {
	return Verdict{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Clean {
		return "clean"
	}
	return "suspicious(" + v.Rule + "): " + v.Reason
}

// Err returns nil for a clean verdict and an error wrapping
// ErrInjectionDetected otherwise.
func (v Verdict) Err() error {
	if v.Clean {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrInjectionDetected, v.Rule, v.Reason)
}

type Config struct {
	MaxInputBytes  int
	MaxOutputBytes int
}

// Guard is stateless after construction and safe for concurrent use.
type Guard struct {
	cfg Config
}

func New(cfg Config) *Guard {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultMaxInputBytes
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Guard{cfg: cfg}
}

func (g *Guard) ScanInput(text string) Verdict  { return g.Scan(StageInput, text) }
func (g *Guard) ScanOutput(text string) Verdict { return g.Scan(StageOutput, text) }

var escapeSeqRe = regexp.MustCompile(`\\(?:x[0-9a-fA-F]{2}|u[0-9a-fA-F]{4}|u\{[0-9a-fA-F]+\}|0)`)

func (g *Guard) Scan(stage Stage, text string) Verdict {
	limit := g.cfg.MaxInputBytes
	if stage == StageOutput {
		limit = g.cfg.MaxOutputBytes
	}
	if len(text) > limit {
		return suspicious("size_limit", "%d bytes exceeds the %s limit of %d", len(text), stage, limit)
	}
	if !utf8.ValidString(text) {
		return suspicious("invalid_utf8", "text is not valid UTF-8")
	}
	if v := scanRunes(text); !v.Clean {
		return v
	}
	if stage == StageInput {
		if m := escapeSeqRe.FindString(text); m != "" {
			return suspicious("escape_sequence", "literal escape sequence %q", m)
		}
	}

	lowered := strings.ToLower(stripInvisible(text, ""))
	for _, p := range markerPatterns {
		if m := p.re.FindString(lowered); m != "" {
			return suspicious(p.rule, "%s: %q", p.name, strings.TrimSpace(m))
		}
	}

	for _, folded := range foldVariants(text) {
		for _, p := range phrasePatterns {
			if m := p.re.FindString(folded); m != "" {
				return suspicious(p.rule, "%s: %q", p.name, strings.TrimSpace(m))
			}
		}
	}

	compact := compactFold(text)
	for _, phrase := range compactPhrases {
		if strings.Contains(compact, phrase) {
			return suspicious("instruction_override", "spaced-out phrase %q", phrase)
		}
	}
	return clean()
}

func scanRunes(text string) Verdict {
	for i, r := range text {
		switch {
		case r == 0:
			return suspicious("null_byte", "NUL byte at offset %d", i)
		case r == '\t' || r == '\n' || r == '\r':
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f):
			return suspicious("control_character", "control character U+%04X at offset %d", r, i)
		case (r >= 0x202a && r <= 0x202e) || (r >= 0x2066 && r <= 0x2069):
			return suspicious("bidi_override", "bidirectional override U+%04X at offset %d", r, i)
		case r >= 0xe0000 && r <= 0xe007f:
			return suspicious("tag_character", "unicode tag character U+%04X at offset %d", r, i)
		}
	}
	return clean()
}
