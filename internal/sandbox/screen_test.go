package sandbox

import (
	"strings"
	"testing"
)

func TestScreenEscape(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code string
		rule string
	}{
		{name: "spawn", code: `#eval IO.Process.spawn { cmd := "sh" }`, rule: "process spawn"},
		{name: "write read-only fs", code: `def f : IO Unit := IO.FS.writeFile "/tmp/x" "y"`, rule: "filesystem access"},
		{name: "env", code: `def f : IO String := do return (← IO.getEnv "HOME").getD ""`, rule: "environment access"},
		{name: "eval command", code: "theorem t : True := trivial\n#eval 1", rule: "command evaluation"},
		{name: "run_cmd", code: `run_cmd Lean.logInfo "x"`, rule: "metaprogram execution"},
		{name: "unsafe", code: `unsafe def f : Nat := 0`, rule: "unsafe code"},
		{name: "extern", code: `@[extern "system"] opaque sys : Nat`, rule: "unsafe code"},
		{name: "host path", code: `def p := "/etc/passwd"`, rule: "host path"},
		{name: "network ping", code: `-- ping 8.8.8.8`, rule: "network"},
		{name: "network url", code: `def u := "https://example.com"`, rule: "network"},
		{name: "capability probe", code: `-- CAP_SYS_ADMIN`, rule: "privilege probe"},
		{name: "setuid", code: `-- setuid 0`, rule: "privilege probe"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reason, hit := screenEscape(tc.code)
			if !hit {
				t.Fatalf("screenEscape(%q): not flagged", tc.code)
			}
			if !strings.HasPrefix(reason, tc.rule+":") {
				t.Fatalf("reason: got %q want rule %q", reason, tc.rule)
			}
		})
	}
}

func TestScreenAllowsOrdinaryProofs(t *testing.T) {
	t.Parallel()

	proofs := []string{
		"simp",
		"omega",
		"intro x\n  induction x with\n  | zero => rfl\n  | succ n ih => simp [ih]",
		"exact Nat.add_zero x",
		"nlinarith [sq_nonneg (a - b)]",
		"constructor <;> linarith",
	}
	for _, p := range proofs {
		if reason, hit := screenEscape(p); hit {
			t.Fatalf("screenEscape(%q) flagged: %s", p, reason)
		}
		if reason, hit := screenSoundness(p); hit {
			t.Fatalf("screenSoundness(%q) flagged: %s", p, reason)
		}
	}
}

func TestScreenSoundness(t *testing.T) {
	t.Parallel()

	cases := []string{
		"sorry",
		"exact sorryAx _",
		"admit",
		"axiom cheat : False\nexact cheat.elim",
		"set_option debug.skipKernelTC true in simp",
		"exact Lean.ofReduceBool _ _ rfl",
	}
	for _, code := range cases {
		if _, hit := screenSoundness(code); !hit {
			t.Fatalf("screenSoundness(%q): not flagged", code)
		}
	}
}

func TestStripComments(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "line", in: "simp -- sorry\nrfl", want: "simp         \nrfl"},
		{name: "block", in: "a /- b -/ c", want: "a         c"},
		{name: "nested", in: "/- x /- y -/ z -/w", want: "                 w"},
		{name: "doc keeps newlines", in: "/-- one\ntwo -/\naxiom", want: "       \n      \naxiom"},
		{name: "string literal", in: `def s := "-- not a comment" -- gone`, want: `def s := "-- not a comment"        `},
		{name: "escaped quote", in: `"a\"--b" --c`, want: `"a\"--b"    `},
	}
	for _, tc := range cases {
		if got := stripComments(tc.in); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestScreenSource(t *testing.T) {
	t.Parallel()

	if _, fault, hit := screenSource("axiom cheat : False\ntheorem t : False := by\n  exact cheat"); !hit || fault {
		t.Fatalf("axiom header: hit=%v fault=%v want rejection", hit, fault)
	}
	if _, fault, hit := screenSource("#eval IO.Process.run {}\ntheorem t : True := by\n  trivial"); !hit || !fault {
		t.Fatalf("eval header: hit=%v fault=%v want fault", hit, fault)
	}
	if reason, _, hit := screenSource("/-- admit nothing -/\ntheorem t : True := by\n  trivial"); hit {
		t.Fatalf("doc comment flagged: %s", reason)
	}
}
