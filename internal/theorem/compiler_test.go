package theorem

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func additiveIdentity() Invariant {
	return Invariant{
		ID:               "INV-001",
		Description:      "Adding zero preserves a natural number",
		FormalExpression: "∀n ∈ ℕ, n + 0 = n",
		Variables:        []Variable{{Name: "n", Type: "Nat"}},
		Priority:         PriorityHigh,
	}
}

func TestCompile_AdditiveIdentity(t *testing.T) {
	t.Parallel()

	st, err := NewCompiler(fixedNow).Compile(additiveIdentity())
	require.NoError(t, err)

	want := "/-- Adding zero preserves a natural number -/\n" +
		"theorem inv_inv_001 (n : Nat) :\n" +
		"    n + 0 = n := by\n" +
		"  sorry\n"
	assert.Equal(t, want, st.LeanCode)
	assert.Equal(t, "theorem_INV-001", st.ID)
	assert.Equal(t, "inv_inv_001", st.TheoremName)
	assert.Equal(t, "INV-001", st.SourceInvariantID)
	assert.Equal(t, 1, st.Metadata.VariableCount)
	assert.Empty(t, st.Metadata.Imports)
	assert.Equal(t, CompilerVersion, st.Metadata.CompilerVersion)
	assert.Equal(t, fixedNow(), st.GeneratedAt)
	require.NoError(t, st.Validate())
}

func TestCompile_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := NewCompiler(fixedNow).Compile(additiveIdentity())
	require.NoError(t, err)
	b, err := NewCompiler(func() time.Time { return time.Unix(0, 0) }).Compile(additiveIdentity())
	require.NoError(t, err)

	assert.Equal(t, a.LeanCode, b.LeanCode)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.SourceInvariantHash, b.SourceInvariantHash)

	changed := additiveIdentity()
	changed.FormalExpression = "∀n ∈ ℕ, 0 + n = n"
	c, err := NewCompiler(fixedNow).Compile(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestCompile_TagsAndPriorityDoNotChangeHash(t *testing.T) {
	t.Parallel()

	a, err := NewCompiler(fixedNow).Compile(additiveIdentity())
	require.NoError(t, err)

	inv := additiveIdentity()
	inv.Tags = []string{"arith"}
	inv.Priority = PriorityLow
	inv.ContentHash = "upstream"
	b, err := NewCompiler(fixedNow).Compile(inv)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, []string{"arith"}, b.Metadata.Tags)
}

func TestCompile_TypesAndImports(t *testing.T) {
	t.Parallel()

	inv := Invariant{
		ID:               "balance.non-negative",
		Description:      "Balances never go negative",
		FormalExpression: "forall i, i < length(xs) -> 0 <= balance i",
		Variables:        []Variable{
			{Name: "xs", Type: "List<Int>"},
			{Name: "balance", Type: "Nat -> ℝ"},
			{Name: "cap", Type: "Finset Nat", Constraints: []string{"cap.card > 0"}},
		},
		Units: map[string]string{"balance": "USD"},
	}
	st, err := NewCompiler(fixedNow).Compile(inv)
	require.NoError(t, err)

	assert.Equal(t, []string{"Mathlib.Data.Finset.Basic", "Mathlib.Data.Real.Basic"}, st.Metadata.Imports)
	assert.True(t, strings.HasPrefix(st.LeanCode, "import Mathlib.Data.Finset.Basic\nimport Mathlib.Data.Real.Basic\n\n"))
	assert.Contains(t, st.LeanCode, "theorem inv_balance_non_negative (xs : List Int) (balance : Nat → Real) (cap : Finset Nat) (h_cap_1 : cap.card > 0) :")
	assert.Contains(t, st.LeanCode, "    ∀ i, i < length (xs) → 0 ≤ balance i := by\n")
	assert.Contains(t, st.LeanCode, "Units: balance [USD]")
}

func TestCompile_UnsupportedType(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"Matrix 3 3", "HashMap", "List", "Fin x y", ""} {
		inv := additiveIdentity()
		inv.Variables = []Variable{{Name: "n", Type: typ}}
		_, err := NewCompiler(fixedNow).Compile(inv)
		require.Error(t, err, "type %q", typ)
		assert.True(t, errors.Is(err, ErrUnsupportedType), "type %q: %v", typ, err)

		var ce *CompileError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "INV-001", ce.InvariantID)
	}
}

func TestCompile_MalformedExpression(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unbalanced open":      "(n + 0 = n",
		"unbalanced close":     "n + 0) = n",
		"mismatched":           "(n + 0] = n",
		"dangling trailing":    "n + 0 =",
		"dangling leading":     "* n = n",
		"double operator":      "n + * 0 = n",
		"quantifier no binder": "∀ , n = n",
		"quantifier no body":   "∀ m m = m",
		"definition":           "n = n := by trivial",
		"keyword":              "n = n theorem evil : False",
		"statement separator":  "n = n; #eval 1",
		"empty":                "   ",
		"control":              "n = n\x00",
	}
	for name, expr := range cases {
		inv := additiveIdentity()
		inv.FormalExpression = expr
		_, err := NewCompiler(fixedNow).Compile(inv)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrMalformedExpression), "%s: %v", name, err)
	}
}

func TestCompile_QuantifierKeptWhenVariableUndeclared(t *testing.T) {
	t.Parallel()

	inv := Invariant{ID: "x", FormalExpression: "forall m. m >= 0", Variables: nil}
	st, err := NewCompiler(fixedNow).Compile(inv)
	require.NoError(t, err)
	assert.Contains(t, st.LeanCode, "theorem inv_x :\n    ∀ m, m ≥ 0 := by")
}

func TestCompile_MembershipBinderNotStripped(t *testing.T) {
	t.Parallel()

	inv := Invariant{
		ID:               "members",
		FormalExpression: "∀ x ∈ s, x > 0",
		Variables:        []Variable{{Name: "x", Type: "Nat"}, {Name: "s", Type: "Finset Nat"}},
	}
	st, err := NewCompiler(fixedNow).Compile(inv)
	require.NoError(t, err)
	assert.Contains(t, st.LeanCode, "∀ x ∈ s, x > 0")
}

func TestCompile_InvalidInvariant(t *testing.T) {
	t.Parallel()

	for name, inv := range map[string]Invariant{
		"missing id":    {FormalExpression: "1 = 1"},
		"bad name":      {ID: "a", FormalExpression: "1 = 1", Variables: []Variable{{Name: "1x", Type: "Nat"}}},
		"keyword name":  {ID: "a", FormalExpression: "1 = 1", Variables: []Variable{{Name: "sorry", Type: "Nat"}}},
		"duplicate var": {ID: "a", FormalExpression: "1 = 1", Variables: []Variable{{Name: "x", Type: "Nat"}, {Name: "x", Type: "Int"}}},
		"bad priority":  {ID: "a", FormalExpression: "1 = 1", Priority: "urgent"},
	} {
		_, err := NewCompiler(fixedNow).Compile(inv)
		assert.True(t, errors.Is(err, ErrInvalidInvariant), "%s: %v", name, err)
	}
}

func TestCompile_DocCommentCannotEscape(t *testing.T) {
	t.Parallel()

	inv := additiveIdentity()
	inv.Description = "closes early -/ theorem evil : False := sorry /-"
	st, err := NewCompiler(fixedNow).Compile(inv)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(st.LeanCode, "-/"))
}

func TestCompileSet(t *testing.T) {
	t.Parallel()

	second := additiveIdentity()
	second.ID = "INV-002"
	second.FormalExpression = "∀n ∈ ℕ, 0 + n = n"

	stubs, err := NewCompiler(fixedNow).CompileSet(InvariantSet{
		ID:         "set-1",
		Invariants: []Invariant{additiveIdentity(), second},
	})
	require.NoError(t, err)
	require.Len(t, stubs, 2)
	assert.Equal(t, "theorem_INV-001", stubs[0].ID)
	assert.Equal(t, "theorem_INV-002", stubs[1].ID)

	_, err = NewCompiler(fixedNow).CompileSet(InvariantSet{ID: "dup", Invariants: []Invariant{additiveIdentity(), additiveIdentity()}})
	assert.True(t, errors.Is(err, ErrInvalidInvariant))

	_, err = NewCompiler(fixedNow).CompileSet(InvariantSet{ID: "empty"})
	assert.True(t, errors.Is(err, ErrInvalidInvariant))
}

func TestStubValidate_DetectsTampering(t *testing.T) {
	t.Parallel()

	st, err := NewCompiler(fixedNow).Compile(additiveIdentity())
	require.NoError(t, err)

	st.LeanCode = strings.Replace(st.LeanCode, "n + 0 = n", "True", 1)
	assert.True(t, errors.Is(st.Validate(), ErrInvalidStub))
}
