package theorem

import (
	"fmt"
	"regexp"
	"strings"
)

type leanType struct {
	name   string
	module string
	// arity is the number of type arguments the constructor takes. Fin takes
	// a size rather than a type.
	arity int
}

var leanTypes = map[string]leanType{
	"nat":      {name: "Nat"},
	"ℕ":        {name: "Nat"},
	"natural":  {name: "Nat"},
	"uint":     {name: "Nat"},
	"int":      {name: "Int"},
	"ℤ":        {name: "Int"},
	"integer":  {name: "Int"},
	"real":     {name: "Real", module: "Mathlib.Data.Real.Basic"},
	"ℝ":        {name: "Real", module: "Mathlib.Data.Real.Basic"},
	"float":    {name: "Real", module: "Mathlib.Data.Real.Basic"},
	"decimal":  {name: "Real", module: "Mathlib.Data.Real.Basic"},
	"rat":      {name: "Rat", module: "Mathlib.Data.Rat.Defs"},
	"ℚ":        {name: "Rat", module: "Mathlib.Data.Rat.Defs"},
	"rational": {name: "Rat", module: "Mathlib.Data.Rat.Defs"},
	"bool":     {name: "Bool"},
	"boolean":  {name: "Bool"},
	"prop":     {name: "Prop"},
	"string":   {name: "String"},
	"str":      {name: "String"},
	"text":     {name: "String"},
	"list":     {name: "List", arity: 1},
	"array":    {name: "Array", arity: 1},
	"option":   {name: "Option", arity: 1},
	"finset":   {name: "Finset", arity: 1, module: "Mathlib.Data.Finset.Basic"},
	"set":      {name: "Set", arity: 1, module: "Mathlib.Data.Set.Basic"},
	"fin":      {name: "Fin", arity: 1},
}

var (
	genericTypeRe = regexp.MustCompile(`^([\p{L}_][\p{L}\p{N}_]*)\s*[<\[](.+)[>\]]$`)
	finSizeRe     = regexp.MustCompile(`^[0-9]+$|^[\p{L}_][\p{L}\p{N}_']*$`)
)

// renderType maps a declared variable type onto Lean 4 syntax and returns the
// imports it needs.
func renderType(raw string) (string, []string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil, fmt.Errorf("empty type")
	}

	if left, right, ok := splitArrow(s); ok {
		l, li, err := renderType(left)
		if err != nil {
			return "", nil, err
		}
		r, ri, err := renderType(right)
		if err != nil {
			return "", nil, err
		}
		if strings.Contains(l, "→") {
			l = "(" + l + ")"
		}
		return l + " → " + r, append(li, ri...), nil
	}

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && balanced(s[1:len(s)-1]) {
		return renderType(s[1 : len(s)-1])
	}

	var head string
	var args []string
	if m := genericTypeRe.FindStringSubmatch(s); m != nil {
		head, args = m[1], []string{m[2]}
	} else {
		parts := splitTopLevelFields(s)
		head, args = parts[0], parts[1:]
	}

	lt, ok := leanTypes[strings.ToLower(head)]
	if !ok {
		return "", nil, fmt.Errorf("type %q is not supported", raw)
	}
	if len(args) != lt.arity {
		return "", nil, fmt.Errorf("type %q: %s takes %d argument(s), got %d", raw, lt.name, lt.arity, len(args))
	}

	var imports []string
	if lt.module != "" {
		imports = append(imports, lt.module)
	}
	if lt.arity == 0 {
		return lt.name, imports, nil
	}

	arg := strings.TrimSpace(args[0])
	if lt.name == "Fin" {
		if !finSizeRe.MatchString(arg) {
			return "", nil, fmt.Errorf("type %q: Fin needs a numeric size", raw)
		}
		return "Fin " + arg, imports, nil
	}
	inner, innerImports, err := renderType(arg)
	if err != nil {
		return "", nil, err
	}
	if strings.ContainsAny(inner, " →") {
		inner = "(" + inner + ")"
	}
	return lt.name + " " + inner, append(imports, innerImports...), nil
}

// splitArrow splits on the first top-level arrow. Arrows associate to the right.
func splitArrow(s string) (string, string, bool) {
	depth := 0
	for i, r := range s {
		switch r {
		case '(', '[', '<':
			depth++
		case ')', ']':
			depth--
		case '>':
			if i > 0 && s[i-1] == '-' {
				if depth == 0 {
					return s[:i-1], s[i+1:], true
				}
				continue
			}
			depth--
		case '→':
			if depth == 0 {
				return s[:i], s[i+len("→"):], true
			}
		}
	}
	return "", "", false
}

func splitTopLevelFields(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range s {
		switch {
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		}
		if r == ' ' || r == '\t' {
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
