// Package units canonicalizes free-form unit spellings found in bills of
// quantities and price books.
package units

import (
	"regexp"
	"strings"
)

var (
	rxUnitPunct = regexp.MustCompile(`[.\-_]`)
	rxSpaces    = regexp.MustCompile(`\s+`)
)

// canonical maps a cleaned spelling to its canonical token.
var canonical = map[string]string{
	// area
	"SQ M": "SQM", "SQ MT": "SQM", "SQ MTR": "SQM", "SQ METER": "SQM", "SQ METRE": "SQM",
	"SQUARE METER": "SQM", "SQUARE METRE": "SQM", "SM": "SQM", "M2": "SQM",
	// volume
	"CU M": "CUM", "CU MT": "CUM", "CU MTR": "CUM", "CU METER": "CUM", "CU METRE": "CUM",
	"CUBIC METER": "CUM", "CUBIC METRE": "CUM", "CM": "CUM", "M3": "CUM",
	// linear
	"MTR": "M", "METER": "M", "METRE": "M", "LM": "M", "RM": "M", "RMT": "M", "M1": "M",
	"RUNNING METER": "M", "RUNNING METRE": "M", "LINEAR METER": "M", "LINEAR METRE": "M",
	// count
	"NUMBER": "NO", "NOS": "NO", "NR": "NO", "EACH": "NO", "EA": "NO", "PC": "NO", "PCS": "NO",
	"PIECE": "NO", "PIECES": "NO", "UNIT": "NO", "QTY": "NO", "ITEM": "NO",
	// weight
	"KILOGRAM": "KG", "KILO": "KG", "KGS": "KG",
	"METRIC TON": "TON", "METRIC TONNE": "TON", "TONNE": "TON", "MT": "TON",
	"QUINTAL": "QTL",
	// liquid
	"LITRE": "L", "LITER": "L", "LTR": "L", "LIT": "L",
	// imperial
	"SQUARE FEET": "SFT", "SQUARE FOOT": "SFT", "SQ FT": "SFT", "SQFT": "SFT",
	"CUBIC FEET": "CFT", "CUBIC FOOT": "CFT", "CU FT": "CFT", "CUFT": "CFT",
	"RUNNING FEET": "RFT", "RUNNING FOOT": "RFT",
	// site units
	"BAGS": "BAG", "SETS": "SET", "PAIRS": "PAIR",
	"100CFT": "BRASS", "HUNDRED CUBIC FEET": "BRASS",
	"TRUCKLOAD": "TRIP", "LOAD": "TRIP",
}

// groups lists spellings that are interchangeable for matching even when
// their canonical tokens are kept apart.
var groups = [][]string{
	{"M", "M1", "LM", "RM", "RMT", "METER", "METRE", "MTR"},
	{"M2", "SQM", "SQ.M", "SQUARE METER", "SQUARE METRE", "SM"},
	{"M3", "CUM", "CU.M", "CUBIC METER", "CUBIC METRE", "CM"},
	{"NO", "NR", "NOS", "NUMBER", "ITEM", "EACH", "EA", "PC", "PCS", "UNIT", "QTY"},
	{"KG", "KILOGRAM", "KILO"},
	{"TON", "TONNE", "MT", "METRIC TON", "METRIC TONNE"},
	{"QTL", "QUINTAL"},
	{"L", "LTR", "LITER", "LITRE", "LIT"},
	{"SFT", "SQFT", "SQ.FT", "SQUARE FEET", "SQUARE FOOT"},
	{"CFT", "CUFT", "CU.FT", "CUBIC FEET", "CUBIC FOOT"},
	{"RFT", "RUNNING FEET", "RUNNING FOOT"},
	{"BAG", "BAGS"},
	{"BRASS", "100CFT"},
	{"TRIP", "LOAD", "TRUCKLOAD"},
	{"SET", "SETS"},
	{"PAIR", "PAIRS"},
}

// groupOf indexes every canonical token to the group it belongs to.
var groupOf = buildGroupIndex()

func buildGroupIndex() map[string]int {
	idx := make(map[string]int)
	for gi, g := range groups {
		for _, u := range g {
			idx[Normalize(u)] = gi
		}
	}
	return idx
}

func clean(u string) string {
	s := strings.ToUpper(strings.TrimSpace(u))
	s = rxUnitPunct.ReplaceAllString(s, "")
	s = rxSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Normalize returns the canonical token for u. Unknown units come back in
// their cleaned uppercase form. Normalize is idempotent.
func Normalize(u string) string {
	c := clean(u)
	if c == "" {
		return ""
	}
	if v, ok := canonical[c]; ok {
		return v
	}
	return c
}

// Equal reports whether a and b share a canonical token.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Compatible reports whether a and b normalize to the same token or belong
// to the same equivalence group. Empty units are never compatible.
func Compatible(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	ga, okA := groupOf[na]
	gb, okB := groupOf[nb]
	return okA && okB && ga == gb
}

var extractPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(M3|M2|M|ITEM|NO|NR|NOS)\b`),
	regexp.MustCompile(`(?i)\b(SQM|CUM|LM|RM|M1|RMT)\b`),
	regexp.MustCompile(`(?i)\b(EA|PC|PCS|UNIT)\b`),
	regexp.MustCompile(`(?i)\b(TON|TONNE|KG|MT|QTL|QUINTAL)\b`),
	regexp.MustCompile(`(?i)\b(L|LTR|LITER|LITRE)\b`),
	regexp.MustCompile(`(?i)\b(BAG|SET|PAIR)\b`),
	regexp.MustCompile(`(?i)\b(CFT|SFT|RFT|CUFT|SQFT)\b`),
	regexp.MustCompile(`(?i)\b(BRASS)\b`),
	regexp.MustCompile(`(?i)\b(TRIP|LOAD)\b`),
}

var rxMetricTon = regexp.MustCompile(`(?i)metric\s+ton`)

// Extract finds the first unit mentioned in a free-text description, in
// pattern priority order. It returns "" when none is found.
func Extract(description string) string {
	for _, rx := range extractPatterns {
		m := rx.FindStringSubmatch(description)
		if m == nil {
			continue
		}
		u := strings.ToUpper(m[1])
		if u == "MT" && rxMetricTon.MatchString(description) {
			return "TON"
		}
		return u
	}
	return ""
}
