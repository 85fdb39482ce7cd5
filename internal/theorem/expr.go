package theorem

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp
	tokOpen
	tokClose
	tokComma
	tokColon
	tokQuant
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
}

// ASCII spellings are rewritten to the Unicode operators Lean uses.
var multiOps = []struct{ in, out string }{
	{"<->", "↔"},
	{"->", "→"},
	{"=>", "=>"},
	{"<=", "≤"},
	{">=", "≥"},
	{"!=", "≠"},
	{"==", "="},
	{"&&", "∧"},
	{"||", "∨"},
	{"/\\", "∧"},
	{"\\/", "∨"},
}

var binaryOps = map[string]bool{
	"+": true, "*": true, "/": true, "=": true, "≠": true, "<": true, ">": true,
	"≤": true, "≥": true, "∧": true, "∨": true, "→": true, "↔": true, "^": true,
	"%": true, "∣": true, "∈": true, "∉": true, "⊆": true, "⊂": true, "∪": true,
	"∩": true, "×": true, "∘": true, "•": true, "=>": true, "↦": true, "-": true,
}

var prefixOps = map[string]bool{"-": true, "¬": true}

var openers = map[rune]rune{'(': ')', '[': ']', '{': '}', '⟨': '⟩'}

// Lean command keywords cannot appear inside a proposition. Rejecting them
// keeps an expression from closing the theorem and declaring something else.
var forbiddenIdents = map[string]bool{
	"theorem": true, "lemma": true, "def": true, "by": true, "sorry": true,
	"import": true, "open": true, "namespace": true, "section": true, "end": true,
	"axiom": true, "instance": true, "example": true, "set_option": true,
	"macro": true, "syntax": true, "elab": true, "attribute": true,
	"private": true, "noncomputable": true, "unsafe": true, "partial": true,
	"admit": true, "where": true, "deriving": true, "structure": true, "class": true,
}

const forbiddenRunes = ";`#@$\\\"'"

type exprError struct{ msg string }

func (e exprError) Error() string { return e.msg }

func malformed(format string, args ...any) error {
	return exprError{msg: fmt.Sprintf(format, args...)}
}

func tokenize(s string) ([]token, error) {
	rs := []rune(s)
	var out []token
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsControl(r):
			return nil, malformed("control character U+%04X", r)
		case r == '∀' || r == '∃' || r == '∑' || r == '∏' || r == 'λ':
			text := string(r)
			if r == '∃' && i+1 < len(rs) && rs[i+1] == '!' {
				text = "∃!"
				i++
			}
			out = append(out, token{kind: tokQuant, text: text})
			i++
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(rs) {
				c := rs[j]
				if unicode.IsLetter(c) || unicode.IsNumber(c) || c == '_' || c == '\'' {
					j++
					continue
				}
				if c == '.' && j+1 < len(rs) && (unicode.IsLetter(rs[j+1]) || rs[j+1] == '_') {
					j++
					continue
				}
				break
			}
			word := string(rs[i:j])
			switch strings.ToLower(word) {
			case "forall":
				out = append(out, token{kind: tokQuant, text: "∀"})
			case "exists":
				out = append(out, token{kind: tokQuant, text: "∃"})
			case "fun":
				out = append(out, token{kind: tokQuant, text: "fun"})
			case "not":
				out = append(out, token{kind: tokOp, text: "¬"})
			case "and":
				out = append(out, token{kind: tokOp, text: "∧"})
			case "or":
				out = append(out, token{kind: tokOp, text: "∨"})
			default:
				if forbiddenIdents[word] {
					return nil, malformed("keyword %q is not allowed in an expression", word)
				}
				out = append(out, token{kind: tokIdent, text: word})
			}
			i = j
		case unicode.IsDigit(r):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || (rs[j] == '.' && j+1 < len(rs) && unicode.IsDigit(rs[j+1]))) {
				j++
			}
			out = append(out, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		case openers[r] != 0:
			out = append(out, token{kind: tokOpen, text: string(r)})
			i++
		case r == ')' || r == ']' || r == '}' || r == '⟩':
			out = append(out, token{kind: tokClose, text: string(r)})
			i++
		case r == ',':
			out = append(out, token{kind: tokComma, text: ","})
			i++
		case r == '.':
			// A lone dot separates a quantifier binder from its body.
			out = append(out, token{kind: tokComma, text: ","})
			i++
		case r == ':':
			if i+1 < len(rs) && rs[i+1] == '=' {
				return nil, malformed("definition operator := is not allowed")
			}
			out = append(out, token{kind: tokColon, text: ":"})
			i++
		default:
			matched := false
			rest := string(rs[i:])
			for _, op := range multiOps {
				if strings.HasPrefix(rest, op.in) {
					out = append(out, token{kind: tokOp, text: op.out})
					i += len([]rune(op.in))
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune(forbiddenRunes, r) {
				return nil, malformed("character %q is not allowed", r)
			}
			text := string(r)
			if r == '!' {
				text = "¬"
			}
			if binaryOps[text] || prefixOps[text] {
				out = append(out, token{kind: tokOp, text: text})
			} else {
				out = append(out, token{kind: tokSymbol, text: text})
			}
			i++
		}
	}
	return out, nil
}

// checkTokens verifies bracket balance, operator placement and quantifier
// structure.
func checkTokens(toks []token) error {
	if len(toks) == 0 {
		return malformed("expression is empty")
	}

	var stack []rune
	for i, t := range toks {
		switch t.kind {
		case tokOpen:
			stack = append(stack, openers[[]rune(t.text)[0]])
		case tokClose:
			r := []rune(t.text)[0]
			if len(stack) == 0 || stack[len(stack)-1] != r {
				return malformed("unbalanced %q at token %d", t.text, i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return malformed("unclosed bracket, expected %q", string(stack[len(stack)-1]))
	}

	for i, t := range toks {
		if t.kind != tokOp {
			continue
		}
		prevBoundary := i == 0 || toks[i-1].kind == tokOpen || toks[i-1].kind == tokComma || toks[i-1].kind == tokOp || toks[i-1].kind == tokColon
		nextBoundary := i == len(toks)-1 || toks[i+1].kind == tokClose || toks[i+1].kind == tokComma
		if nextBoundary {
			return malformed("dangling operator %q", t.text)
		}
		if prevBoundary && !prefixOps[t.text] {
			if i > 0 && toks[i-1].kind == tokOp {
				return malformed("operator %q follows operator %q", t.text, toks[i-1].text)
			}
			return malformed("dangling operator %q", t.text)
		}
	}

	for i, t := range toks {
		if t.kind != tokQuant {
			continue
		}
		if i+1 >= len(toks) || (toks[i+1].kind != tokIdent && toks[i+1].kind != tokOpen) {
			return malformed("quantifier %q has no binder", t.text)
		}
		if t.text == "fun" || t.text == "λ" {
			continue
		}
		if bodyStart(toks, i) < 0 {
			return malformed("quantifier %q has no body separator", t.text)
		}
	}
	return nil
}

// bodyStart returns the index just past the comma that ends the binder of the
// quantifier at q, or -1.
func bodyStart(toks []token, q int) int {
	depth := 0
	for j := q + 1; j < len(toks); j++ {
		switch toks[j].kind {
		case tokOpen:
			depth++
		case tokClose:
			depth--
			if depth < 0 {
				return -1
			}
		case tokComma:
			if depth == 0 {
				if j+1 >= len(toks) {
					return -1
				}
				return j + 1
			}
		}
	}
	return -1
}

var setTypes = map[string]string{"ℕ": "Nat", "ℤ": "Int", "ℝ": "Real", "ℚ": "Rat"}

// rewriteBinders turns `∀ n ∈ ℕ,` into `∀ n : Nat,`; membership in a number
// set is not valid Lean.
func rewriteBinders(toks []token) []token {
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		out = append(out, t)
		if t.kind != tokQuant {
			continue
		}
		end := bodyStart(toks, i)
		if end < 0 {
			continue
		}
		for j := i + 1; j < end; j++ {
			b := toks[j]
			if b.kind == tokOp && b.text == "∈" && j+1 < end {
				if name, ok := setTypes[toks[j+1].text]; ok {
					out = append(out, token{kind: tokColon, text: ":"}, token{kind: tokIdent, text: name})
					j++
					continue
				}
			}
			out = append(out, b)
		}
		i = end - 1
	}
	return out
}

// stripBoundQuantifiers drops leading universal quantifiers whose binders are
// all declared variables; the variables are already theorem binders.
func stripBoundQuantifiers(toks []token, declared map[string]bool) []token {
	for len(toks) > 0 && toks[0].kind == tokQuant && toks[0].text == "∀" {
		end := bodyStart(toks, 0)
		if end < 0 {
			return toks
		}
		names := binderNames(toks[1 : end-1])
		if len(names) == 0 {
			return toks
		}
		for _, n := range names {
			if !declared[n] {
				return toks
			}
		}
		toks = toks[end:]
	}
	return toks
}

func binderNames(binder []token) []string {
	var names []string
	inType := false
	for _, t := range binder {
		switch t.kind {
		case tokOpen:
		case tokClose:
			inType = false
		case tokColon:
			inType = true
		case tokIdent:
			if !inType {
				names = append(names, t.text)
			}
		default:
			// Membership or other binder predicates carry meaning the
			// theorem binders would lose.
			if !inType {
				return nil
			}
		}
	}
	return names
}

func renderTokens(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && needsSpace(toks, i) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}

func needsSpace(toks []token, i int) bool {
	prev, cur := toks[i-1], toks[i]
	switch {
	case prev.kind == tokOpen:
		return false
	case cur.kind == tokClose || cur.kind == tokComma:
		return false
	case cur.kind == tokOpen && cur.text == "[" && (prev.kind == tokIdent || prev.kind == tokClose):
		return false
	case prev.kind == tokOp && prefixOps[prev.text] && isUnary(toks, i-1):
		return false
	}
	return true
}

func isUnary(toks []token, i int) bool {
	if i == 0 {
		return true
	}
	switch toks[i-1].kind {
	case tokOpen, tokComma, tokOp, tokColon:
		return true
	}
	return false
}

// normalizeExpression checks and rewrites a formal expression into Lean
// syntax.
func normalizeExpression(expr string, declared map[string]bool) (string, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return "", err
	}
	if err := checkTokens(toks); err != nil {
		return "", err
	}
	toks = rewriteBinders(toks)
	if declared != nil {
		toks = stripBoundQuantifiers(toks, declared)
	}
	return renderTokens(toks), nil
}
