package guard

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Lookalikes commonly substituted for Latin letters.
var confusables = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'і': 'i', 'ј': 'j', 'ѕ': 's', 'ԁ': 'd', 'һ': 'h', 'ԛ': 'q', 'ԝ': 'w',
	'ɡ': 'g', 'ο': 'o', 'α': 'a', 'ε': 'e', 'ι': 'i', 'ν': 'v', 'ρ': 'p',
	'τ': 't', 'υ': 'u', 'κ': 'k', 'ı': 'i',
}

var leet = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '@': 'a', '$': 's',
}

func isInvisible(r rune) bool {
	return unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Mn, r)
}

// stripInvisible replaces format characters and combining marks with sep.
func stripInvisible(s, sep string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFKD.String(s) {
		if isInvisible(r) {
			b.WriteString(sep)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// fold lowercases, maps lookalikes and collapses every non-letter run into a
// single space, padding both ends.
func fold(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range s {
		r = unicode.ToLower(r)
		if m, ok := confusables[r]; ok {
			r = m
		}
		if m, ok := leet[r]; ok {
			r = m
		}
		if unicode.IsLetter(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// foldVariants returns the folded text with invisible characters removed and
// with invisible characters treated as word breaks.
func foldVariants(s string) []string {
	joined := fold(stripInvisible(s, ""))
	split := fold(stripInvisible(s, " "))
	if joined == split {
		return []string{joined}
	}
	return []string{joined, split}
}

func compactFold(s string) string {
	return strings.ReplaceAll(fold(stripInvisible(s, "")), " ", "")
}
