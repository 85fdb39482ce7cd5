package sandbox

import "regexp"

type screenRule struct {
	name string
	re   *regexp.Regexp
}

// escapeRules flag proof code that tries to reach outside the checker: host
// processes, the filesystem, the network or kernel privileges. A match is a
// sandbox fault and the run never starts.
var escapeRules = []screenRule{
	{name: "process spawn", re: regexp.MustCompile(`\bIO\.Process\b|\bProcess\.(?:spawn|output|run)\b|\bIO\.Process\.exit\b`)},
	{name: "filesystem access", re: regexp.MustCompile(`\bIO\.FS\b|\bSystem\.FilePath\b|\bIO\.(?:appPath|appDir|currentDir|setCurrentDir)\b|\bFS\.(?:writeFile|readFile|removeFile|createDirAll)\b`)},
	{name: "environment access", re: regexp.MustCompile(`\bIO\.getEnv\b|\bIO\.Process\.getPID\b`)},
	{name: "command evaluation", re: regexp.MustCompile(`(?m)^\s*#(?:eval|exit|run|load_dynlib)\b`)},
	{name: "metaprogram execution", re: regexp.MustCompile(`\b(?:run_cmd|run_elab|run_meta|evalExpr|evalConst|Lean\.Environment\.evalConst)\b`)},
	{name: "unsafe code", re: regexp.MustCompile(`\bunsafe\b|@\[\s*(?:extern|implemented_by|export|init|builtin_init)\b|\b(?:initialize|builtin_initialize)\b`)},
	{name: "host path", re: regexp.MustCompile(`"/(?:proc|sys|dev|etc|root|home|var|tmp|run)\b`)},
	{name: "network", re: regexp.MustCompile(`\bhttps?://|\b(?:curl|wget|ping|ssh|Socket)\b`)},
	{name: "privilege probe", re: regexp.MustCompile(`\b(?:setuid|setgid|capset|capget|chroot|pivot_root|unshare|nsenter|ptrace|CAP_[A-Z_]+)\b`)},
}

// soundnessRules flag proofs that would type-check without proving the
// theorem. They are rejected, not treated as faults.
var soundnessRules = []screenRule{
	{name: "axiom declaration", re: regexp.MustCompile(`(?m)^\s*(?:axiom|constant|opaque)\s`)},
	{name: "placeholder", re: regexp.MustCompile(`\b(?:sorry|sorryAx|admit)\b`)},
	{name: "kernel bypass", re: regexp.MustCompile(`\bset_option\s+debug\.|\bLean\.ofReduceBool\b|\bimplemented_by\b`)},
}

func matchRule(rules []screenRule, code string) (string, bool) {
	for _, r := range rules {
		if m := r.re.FindString(code); m != "" {
			return r.name + ": " + m, true
		}
	}
	return "", false
}

// screenEscape reports whether proof code attempts a sandbox escape.
func screenEscape(code string) (string, bool) { return matchRule(escapeRules, code) }

func screenSoundness(code string) (string, bool) { return matchRule(soundnessRules, code) }

// stripComments blanks Lean line and block comments so doc text never
// matches a rule. Block comments nest; string literals are kept, and so is
// every newline, so line-anchored rules still see the original layout.
func stripComments(src string) string {
	b := []byte(src)
	out := []byte(src)
	depth := 0
	inStr := false
	for i := 0; i < len(b); i++ {
		next := byte(0)
		if i+1 < len(b) {
			next = b[i+1]
		}
		switch {
		case depth > 0:
			switch {
			case b[i] == '/' && next == '-':
				depth++
				out[i], out[i+1] = ' ', ' '
				i++
			case b[i] == '-' && next == '/':
				depth--
				out[i], out[i+1] = ' ', ' '
				i++
			case b[i] != '\n':
				out[i] = ' '
			}
		case inStr:
			if b[i] == '\\' {
				i++
			} else if b[i] == '"' {
				inStr = false
			}
		case b[i] == '"':
			inStr = true
		case b[i] == '/' && next == '-':
			depth = 1
			out[i], out[i+1] = ' ', ' '
			i++
		case b[i] == '-' && next == '-':
			for ; i < len(b) && b[i] != '\n'; i++ {
				out[i] = ' '
			}
		}
	}
	return string(out)
}

// screenSource checks the whole file handed to the checker, header
// included. Comments are ignored here; the proof body is screened raw
// separately.
func screenSource(src string) (reason string, fault bool, hit bool) {
	code := stripComments(src)
	if reason, hit := screenEscape(code); hit {
		return reason, true, true
	}
	if reason, hit := screenSoundness(code); hit {
		return reason, false, true
	}
	return "", false, false
}
