package reasoning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type toolArguments struct {
	ProofCode     string   `json:"proof_code"`
	ProofStrategy string   `json:"proof_strategy"`
	TacticsUsed   []string `json:"tactics_used"`
	Difficulty    string   `json:"difficulty"`
}

func parseToolArguments(raw []byte) (Completion, error) {
	var args toolArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return Completion{}, fmt.Errorf("%w: decode %s arguments: %v", ErrMalformedCompletion, CompleteProofTool, err)
	}
	code := ExtractProof(args.ProofCode)
	if code == "" {
		return Completion{}, fmt.Errorf("%w: empty proof_code", ErrMalformedCompletion)
	}
	return Completion{
		ProofCode:   code,
		Raw:         string(raw),
		Strategy:    strings.TrimSpace(args.ProofStrategy),
		TacticsUsed: args.TacticsUsed,
		Difficulty:  args.Difficulty,
	}, nil
}

// joinRaw combines free text sent alongside a tool call with its arguments.
func joinRaw(text, args string) string {
	if strings.TrimSpace(text) == "" {
		return args
	}
	return text + "\n" + args
}

var (
	fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n(.*?)```")
	byHeader    = regexp.MustCompile(`(?s):=\s*by\b`)
)

// ExtractProof reduces a model answer to the tactic block that replaces
// sorry. It accepts a bare tactic block, a fenced code block, or a whole
// theorem whose proof follows ":= by".
func ExtractProof(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if loc := byHeader.FindAllStringIndex(s, -1); len(loc) > 0 {
		s = s[loc[len(loc)-1][1]:]
	} else {
		trimmed := strings.TrimLeft(s, " \t\n")
		if strings.HasPrefix(trimmed, "by\n") || strings.HasPrefix(trimmed, "by ") {
			s = trimmed[2:]
		}
	}
	return dedent(strings.Trim(s, "\n"))
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")
	indent := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	for i, l := range lines {
		if len(l) >= indent && indent > 0 {
			lines[i] = l[indent:]
		}
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
