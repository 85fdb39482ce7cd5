package proof

import (
	"regexp"
	"sort"
	"strings"
)

var knownTactics = map[string]bool{
	"simp": true, "simp_all": true, "rw": true, "rwa": true, "exact": true, "apply": true,
	"intro": true, "intros": true, "cases": true, "rcases": true, "obtain": true,
	"induction": true, "refine": true, "constructor": true, "left": true, "right": true,
	"assumption": true, "contradiction": true, "exfalso": true, "by_contra": true,
	"have": true, "let": true, "calc": true, "rfl": true, "decide": true, "norm_num": true,
	"ring": true, "ring_nf": true, "linarith": true, "nlinarith": true, "omega": true,
	"positivity": true, "aesop": true, "field_simp": true, "unfold": true, "use": true,
	"exists": true, "trivial": true, "funext": true, "ext": true, "congr": true,
	"specialize": true, "split": true, "show": true, "gcongr": true, "tauto": true,
}

var wordRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// Tactics lists the known tactics a proof uses, sorted and deduplicated.
func Tactics(proofCode string) []string {
	seen := make(map[string]bool)
	for _, line := range strings.Split(proofCode, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		for _, w := range wordRe.FindAllString(line, -1) {
			if knownTactics[w] {
				seen[w] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EstimateDifficulty grades a proof by its size.
func EstimateDifficulty(proofCode string) Difficulty {
	lines := 0
	for _, l := range strings.Split(proofCode, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	tactics := len(Tactics(proofCode))
	switch {
	case lines <= 3 && tactics <= 3:
		return DifficultyEasy
	case lines <= 15 && tactics <= 8:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}
