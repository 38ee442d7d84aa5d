package core

import (
	"strings"
	"unicode"
)

// CanonicalizeName normalizes a raw scientific name: whitespace is
// collapsed and authorship markers are stripped. Capitalization of the
// remaining epithets is preserved.
//
// Authorship stripping follows the usual citation conventions:
// parenthesized author groups, tokens containing digits (years), and
// capitalized tokens after the genus position are treated as authorship
// and dropped. "Amanita muscaria (L.) Lam. 1783" canonicalizes to
// "Amanita muscaria".
func CanonicalizeName(raw string) string {
	cleaned := stripParenthesized(raw)

	tokens := strings.Fields(cleaned)
	kept := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		if i > 0 {
			if hasDigit(tok) {
				break
			}
			first, _ := firstRune(tok)
			if unicode.IsUpper(first) {
				// Authorship begins at the first capitalized token
				// past the genus. Hybrid markers are kept.
				if tok != "×" {
					break
				}
			}
		}
		kept = append(kept, tok)
	}

	return strings.Join(kept, " ")
}

// FoldName case-folds a canonical name for use as a lookup key.
func FoldName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// TrigramSimilarity computes the Dice coefficient over character
// trigram sets of the two names, after case folding. Returns a value
// in [0,1]; identical folded names score 1.
func TrigramSimilarity(a, b string) float64 {
	fa, fb := FoldName(a), FoldName(b)
	if fa == fb {
		if fa == "" {
			return 0
		}
		return 1
	}

	ta := trigramSet(fa)
	tb := trigramSet(fb)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	shared := 0
	for g := range ta {
		if tb[g] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

// trigramSet returns the set of character trigrams of s, padded with
// leading/trailing spaces the way PostgreSQL's pg_trgm does.
func trigramSet(s string) map[string]bool {
	padded := "  " + s + " "
	runes := []rune(padded)
	set := make(map[string]bool)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

func stripParenthesized(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}
