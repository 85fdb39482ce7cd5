// Package theorem compiles structured invariants into Lean 4 theorem stubs.
package theorem

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const CompilerVersion = "lean4-stub/1"

var (
	identRe      = regexp.MustCompile(`^[\p{L}_][\p{L}\p{N}_']*$`)
	nameUnsafeRe = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Compiler turns invariants into theorem stubs. Compilation reads no state
// other than the clock used to stamp GeneratedAt, which is excluded from the
// stub's content hash.
type Compiler struct {
	now func() time.Time
}

func NewCompiler(now func() time.Time) *Compiler {
	if now == nil {
		now = time.Now
	}
	return &Compiler{now: now}
}

// CompileSet compiles every invariant in order. The first failure aborts the
// set.
func (c *Compiler) CompileSet(set InvariantSet) ([]Stub, error) {
	if len(set.Invariants) == 0 {
		return nil, fmt.Errorf("%w: invariant set %q is empty", ErrInvalidInvariant, set.ID)
	}
	seen := make(map[string]bool, len(set.Invariants))
	out := make([]Stub, 0, len(set.Invariants))
	for _, inv := range set.Invariants {
		if seen[inv.ID] {
			return nil, compileErr(inv.ID, ErrInvalidInvariant, "duplicate invariant id in set %q", set.ID)
		}
		seen[inv.ID] = true
		st, err := c.Compile(inv)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Compiler) Compile(inv Invariant) (Stub, error) {
	inv = normalizeInvariant(inv)
	if inv.ID == "" {
		return Stub{}, compileErr("", ErrInvalidInvariant, "missing id")
	}
	if inv.FormalExpression == "" {
		return Stub{}, compileErr(inv.ID, ErrMalformedExpression, "formal expression is empty")
	}
	if !inv.Priority.Valid() {
		return Stub{}, compileErr(inv.ID, ErrInvalidInvariant, "unknown priority %q", inv.Priority)
	}

	invHash, err := InvariantHash(inv)
	if err != nil {
		return Stub{}, compileErr(inv.ID, ErrInvalidInvariant, "hash: %v", err)
	}

	declared := make(map[string]bool, len(inv.Variables))
	var (
		binders []string
		imports []string
	)
	for _, v := range inv.Variables {
		if !identRe.MatchString(v.Name) || forbiddenIdents[v.Name] {
			return Stub{}, compileErr(inv.ID, ErrInvalidInvariant, "variable name %q is not a valid identifier", v.Name)
		}
		if declared[v.Name] {
			return Stub{}, compileErr(inv.ID, ErrInvalidInvariant, "variable %q declared twice", v.Name)
		}
		declared[v.Name] = true

		typ, mods, err := renderType(v.Type)
		if err != nil {
			return Stub{}, compileErr(inv.ID, ErrUnsupportedType, "variable %q: %v", v.Name, err)
		}
		imports = append(imports, mods...)
		binders = append(binders, fmt.Sprintf("(%s : %s)", v.Name, typ))
	}
	for _, v := range inv.Variables {
		for i, cons := range v.Constraints {
			h, err := normalizeExpression(cons, nil)
			if err != nil {
				return Stub{}, compileErr(inv.ID, ErrMalformedExpression, "constraint %d on %q: %v", i+1, v.Name, err)
			}
			binders = append(binders, fmt.Sprintf("(h_%s_%d : %s)", v.Name, i+1, h))
		}
	}

	prop, err := normalizeExpression(inv.FormalExpression, declared)
	if err != nil {
		return Stub{}, compileErr(inv.ID, ErrMalformedExpression, "%v", err)
	}

	sort.Strings(imports)
	imports = slices.Compact(imports)

	name := TheoremName(inv.ID)
	code := renderStub(name, inv, imports, binders, prop)

	hash, err := StubHash(name, code, inv.ID, invHash)
	if err != nil {
		return Stub{}, compileErr(inv.ID, ErrInvalidInvariant, "hash: %v", err)
	}

	return Stub{
		ID:                  "theorem_" + inv.ID,
		TheoremName:         name,
		LeanCode:            code,
		SourceInvariantID:   inv.ID,
		SourceInvariantHash: invHash,
		ContentHash:         hash,
		GeneratedAt:         c.now().UTC(),
		Metadata: StubMetadata{
			Imports:         append([]string{}, imports...),
			VariableCount:   len(inv.Variables),
			CompilerVersion: CompilerVersion,
			Priority:        inv.Priority,
			Tags:            append([]string(nil), inv.Tags...),
		},
	}, nil
}

// TheoremName derives the Lean declaration name for an invariant id.
func TheoremName(invariantID string) string {
	s := nameUnsafeRe.ReplaceAllString(strings.ToLower(invariantID), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "anonymous"
	}
	return "inv_" + s
}

func renderStub(name string, inv Invariant, imports, binders []string, prop string) string {
	var b strings.Builder
	for _, m := range imports {
		b.WriteString("import ")
		b.WriteString(m)
		b.WriteByte('\n')
	}
	if len(imports) > 0 {
		b.WriteByte('\n')
	}

	doc := docLines(inv)
	if len(doc) > 0 {
		b.WriteString("/-- ")
		b.WriteString(strings.Join(doc, "\n"))
		b.WriteString(" -/\n")
	}

	b.WriteString("theorem ")
	b.WriteString(name)
	for _, bd := range binders {
		b.WriteByte(' ')
		b.WriteString(bd)
	}
	b.WriteString(" :\n    ")
	b.WriteString(prop)
	b.WriteString(" := by\n  sorry\n")
	return b.String()
}

func docLines(inv Invariant) []string {
	var out []string
	if inv.Description != "" {
		out = append(out, sanitizeDoc(inv.Description))
	}
	if inv.NaturalLanguage != "" && inv.NaturalLanguage != inv.Description {
		out = append(out, "", sanitizeDoc(inv.NaturalLanguage))
	}
	if len(inv.Units) > 0 {
		keys := make([]string, 0, len(inv.Units))
		for k := range inv.Units {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, sanitizeDoc(k)+" ["+sanitizeDoc(inv.Units[k])+"]")
		}
		out = append(out, "", "Units: "+strings.Join(parts, ", "))
	}
	return out
}

// sanitizeDoc keeps text from terminating the doc comment early.
func sanitizeDoc(s string) string {
	s = strings.ReplaceAll(s, "-/", "- /")
	s = strings.ReplaceAll(s, "/-", "/ -")
	return strings.TrimSpace(s)
}

func normalizeInvariant(inv Invariant) Invariant {
	out := inv
	out.ID = strings.TrimSpace(norm.NFC.String(inv.ID))
	out.Description = norm.NFC.String(inv.Description)
	out.NaturalLanguage = norm.NFC.String(inv.NaturalLanguage)
	out.FormalExpression = strings.TrimSpace(norm.NFC.String(inv.FormalExpression))
	out.Variables = make([]Variable, len(inv.Variables))
	for i, v := range inv.Variables {
		cs := make([]string, len(v.Constraints))
		for j, c := range v.Constraints {
			cs[j] = norm.NFC.String(c)
		}
		out.Variables[i] = Variable{
			Name:        strings.TrimSpace(norm.NFC.String(v.Name)),
			Type:        norm.NFC.String(v.Type),
			Description: norm.NFC.String(v.Description),
			Unit:        norm.NFC.String(v.Unit),
			Constraints: cs,
		}
	}
	return out
}
