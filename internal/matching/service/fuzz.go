package service

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Scores below are on a 0..100 scale, rounded to integers so that
// thresholds such as "> 85" behave predictably.

// fuzzProcess lowercases and replaces everything but letters and digits
// with single spaces.
func fuzzProcess(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}), " ")
}

// similarity is the normalized Damerau-Levenshtein similarity in [0..1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	d := damerauLevenshtein(ra, rb)
	return 1 - float64(d)/float64(max(len(ra), len(rb)))
}

func score100(v float64) float64 { return math.Round(100 * v) }

// ratio compares two already processed strings.
func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	return score100(similarity(a, b))
}

// Ratio is ratio over raw input.
func Ratio(a, b string) float64 { return ratio(fuzzProcess(a), fuzzProcess(b)) }

// PartialRatio scores how well the shorter string appears inside the longer.
func PartialRatio(a, b string) float64 {
	pa, pb := []rune(fuzzProcess(a)), []rune(fuzzProcess(b))
	if len(pa) == 0 || len(pb) == 0 {
		return 0
	}
	if len(pa) > len(pb) {
		pa, pb = pb, pa
	}
	d := substringDistance(pa, pb)
	return score100(1 - float64(d)/float64(len(pa)))
}

// tokenSort sorts tokens alphabetically so word order stops mattering.
func tokenSort(s string) string {
	if s == "" {
		return s
	}
	t := strings.Fields(s)
	sort.Strings(t)
	return strings.Join(t, " ")
}

// TokenSetRatio compares the shared token set against each side's rest,
// which makes a short query fully contained in a long description score high.
func TokenSetRatio(a, b string) float64 {
	ta := tokenSet(fuzzProcess(a))
	tb := tokenSet(fuzzProcess(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	t0 := strings.Join(inter, " ")
	t1 := strings.TrimSpace(t0 + " " + strings.Join(onlyA, " "))
	t2 := strings.TrimSpace(t0 + " " + strings.Join(onlyB, " "))
	if t0 == "" {
		return ratio(t1, t2)
	}
	return max(ratio(t0, t1), ratio(t0, t2), ratio(t1, t2))
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		out[f] = struct{}{}
	}
	return out
}

// bestSimilarity is the better of the plain and token-sorted similarity.
func bestSimilarity(a, b string) float64 {
	return max(similarity(a, b), similarity(tokenSort(a), tokenSort(b)))
}
