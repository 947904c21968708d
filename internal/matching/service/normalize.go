package service

import (
	"regexp"
	"strings"
)

// abbreviation -> expansions; Preprocess substitutes the first expansion.
type abbreviation struct {
	abbr       string
	expansions []string
	rx         *regexp.Regexp
}

func abbr(a string, exp ...string) abbreviation {
	return abbreviation{abbr: a, expansions: exp, rx: regexp.MustCompile(`(?i)\b` + a + `\b`)}
}

var preprocessAbbreviations = []abbreviation{
	abbr("RCC", "reinforced cement concrete", "reinforced concrete"),
	abbr("PCC", "plain cement concrete", "plain concrete"),
	abbr("DPC", "damp proof course", "dampproofing"),
	abbr("BW", "brick work", "brickwork"),
	abbr("SW", "stone work", "stonework"),
	abbr("PW", "plaster work", "plastering"),
	abbr("FW", "form work", "formwork", "shuttering"),
	abbr("MS", "mild steel", "metal steel"),
	abbr("HSD", "high strength deformed", "high strength deformed bars"),
	abbr("TMT", "thermo mechanically treated"),
	abbr("SQM", "square meter", "square metre", "sqm", "sq.m"),
	abbr("CUM", "cubic meter", "cubic metre", "cum", "cu.m"),
	abbr("RMT", "running meter", "running metre", "rmt", "r.m"),
	abbr("MT", "metric ton", "metric tonne", "mt"),
	abbr("GI", "galvanized iron", "galvanised iron"),
	abbr("CI", "cast iron"),
	abbr("AC", "asbestos cement", "air conditioning"),
	abbr("WC", "water closet", "toilet"),
	abbr("CP", "cement plaster", "chromium plated"),
	abbr("UPVC", "unplasticized polyvinyl chloride"),
	abbr("PSC", "prestressed concrete"),
	abbr("RBC", "random rubble masonry"),
	abbr("BBM", "burnt brick masonry"),
	abbr("DL", "dead load"),
	abbr("LL", "live load"),
	abbr("GL", "ground level"),
	abbr("FL", "floor level", "finished level"),
	abbr("SL", "sill level"),
	abbr("EGL", "existing ground level"),
	abbr("FGL", "finished ground level"),
	abbr("CPVC", "chlorinated polyvinyl chloride"),
	abbr("PPR", "polypropylene random"),
	abbr("HDPE", "high density polyethylene"),
	abbr("AAC", "autoclaved aerated concrete"),
	abbr("RMC", "ready mix concrete"),
	abbr("OPC", "ordinary portland cement"),
	abbr("PPC", "portland pozzolana cement"),
	abbr("SRC", "sulphate resistant cement"),
	abbr("WBM", "water bound macadam"),
	abbr("GSB", "granular sub base"),
	abbr("DBM", "dense bituminous macadam"),
	abbr("BC", "bituminous concrete"),
	abbr("SDBC", "semi dense bituminous concrete"),
}

// ExpandAbbreviations keeps each abbreviation and appends its meaning:
// "RCC" -> "RCC (reinforced cement concrete)".
var annotatedAbbreviations = []abbreviation{
	abbr("RCC", "reinforced cement concrete"),
	abbr("PCC", "plain cement concrete"),
	abbr("DPC", "damp proof course"),
	abbr("MS", "mild steel"),
	abbr("TMT", "thermo mechanically treated"),
	abbr("HYSD", "high yield strength deformed"),
	abbr("BW", "brick work"),
	abbr("PW", "plaster work"),
	abbr("FW", "form work"),
	abbr("GI", "galvanized iron"),
	abbr("CI", "cast iron"),
	abbr("CPVC", "chlorinated polyvinyl chloride"),
	abbr("PPR", "polypropylene random"),
	abbr("HDPE", "high density polyethylene"),
	abbr("AAC", "autoclaved aerated concrete"),
	abbr("OPC", "ordinary portland cement"),
	abbr("PPC", "portland pozzolana cement"),
	abbr("SRC", "sulphate resistant cement"),
	abbr("WBM", "water bound macadam"),
	abbr("GSB", "granular sub base"),
	abbr("DBM", "dense bituminous macadam"),
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"concrete", []string{"cement", "aggregate", "sand", "water", "mix", "grade", "m10", "m15", "m20", "m25", "m30", "m35", "m40"}},
	{"steel", []string{"reinforcement", "bars", "rods", "tmt", "fe415", "fe500", "fe550", "binding wire", "stirrups", "links"}},
	{"masonry", []string{"brick", "block", "mortar", "joint", "course", "wall", "cmu", "aac", "fly ash"}},
	{"flooring", []string{"tiles", "marble", "granite", "vitrified", "ceramic", "polished", "kota stone", "anti-skid"}},
	{"plumbing", []string{"pipe", "fitting", "valve", "tap", "sanitary", "drainage", "cpvc", "ppr", "hdpe", "elbow", "tee"}},
	{"electrical", []string{"wire", "cable", "switch", "socket", "conduit", "mcb", "mccb", "elcb", "rccb", "armoured"}},
	{"painting", []string{"primer", "putty", "emulsion", "enamel", "distemper", "polish", "texture", "acrylic"}},
	{"woodwork", []string{"door", "window", "frame", "shutter", "plywood", "veneer", "laminate", "particle board", "mdf"}},
	{"waterproofing", []string{"membrane", "coating", "bitumen", "polymer", "crystalline", "injection", "grouting"}},
	{"insulation", []string{"thermal", "acoustic", "foam", "glass wool", "rock wool", "xps", "eps", "polyurethane"}},
}

var rxNotTextual = regexp.MustCompile(`[^\w\s\-./]`)

// Preprocess lowercases, strips punctuation and spells out abbreviations.
func Preprocess(text string) string {
	out := strings.ToLower(strings.TrimSpace(text))
	out = rxNotTextual.ReplaceAllString(out, " ")
	out = collapseSpaces(out)
	for _, a := range preprocessAbbreviations {
		out = a.rx.ReplaceAllLiteralString(out, a.expansions[0])
	}
	return out
}

// ExtractKeywords returns words longer than two characters plus the keyword
// family of every construction category the text touches. Order is stable.
func ExtractKeywords(text string) []string {
	processed := Preprocess(text)
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, w := range strings.Split(processed, " ") {
		if len(w) > 2 {
			add(w)
		}
	}
	for _, ck := range categoryKeywords {
		for _, k := range ck.keywords {
			if strings.Contains(processed, k) {
				add(ck.category)
				for _, kk := range ck.keywords {
					add(kk)
				}
				break
			}
		}
	}
	return out
}

type rewrite struct {
	rx   *regexp.Regexp
	repl string
}

// descriptionRewrites run in order.
var descriptionRewrites = []rewrite{
	{regexp.MustCompile(`(\d+)\s*['"’”]\s*[xX×]\s*(\d+)\s*['"’”]?`), "$1 x $2"},
	{regexp.MustCompile(`(?i)(\d+)\s*mm\s*[xX×]\s*(\d+)\s*mm`), "${1}mm x ${2}mm"},
	{regexp.MustCompile(`\b(\d+)\s*['"’”]`), "$1 feet"},
	{regexp.MustCompile(`(?i)\bexcavat(e|ing|ion)\b`), "excavating"},
	{regexp.MustCompile(`(?i)\bfill(ing)?\b`), "filling"},
	{regexp.MustCompile(`(?i)\bconcret(e|ing)\b`), "concrete"},
	{regexp.MustCompile(`(?i)\breinforc(e|ing|ement)\b`), "reinforcement"},
	{regexp.MustCompile(`(?i)\bplaster(ing)?\b`), "plastering"},
	{regexp.MustCompile(`(?i)\bbrickwork\b`), "brick work"},
	{regexp.MustCompile(`(?i)\bformwork\b`), "form work"},
	{regexp.MustCompile(`(?i)\bthk\b`), "thick"},
	{regexp.MustCompile(`(?i)\bdia\b`), "diameter"},
	{regexp.MustCompile(`(?i)\bc/c\b`), "center to center"},
	{regexp.MustCompile(`\s*@\s*(\d+)`), " at $1"},
	{regexp.MustCompile(`\bM\s*(\d+)\b`), "M$1"},
	{regexp.MustCompile(`\bFe\s*(\d+)\b`), "Fe$1"},
	{regexp.MustCompile(`(?i)\bgrade\s+(\w+)`), "grade $1"},
}

// NormalizeDescription unifies dimensions, spelling variants and grade
// notation while keeping the original case.
func NormalizeDescription(text string) string {
	out := text
	for _, rw := range descriptionRewrites {
		out = rw.rx.ReplaceAllString(out, rw.repl)
	}
	return collapseSpaces(out)
}

// ExpandAbbreviations annotates known abbreviations in place.
func ExpandAbbreviations(text string) string {
	out := text
	for _, a := range annotatedAbbreviations {
		exp := a.expansions[0]
		out = a.rx.ReplaceAllStringFunc(out, func(m string) string {
			return m + " (" + exp + ")"
		})
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// keywordSet is a lookup form of ExtractKeywords.
func keywordSet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// countShared counts entries of keys present in set.
func countShared(keys []string, set map[string]struct{}) int {
	n := 0
	for _, k := range keys {
		if _, ok := set[k]; ok {
			n++
		}
	}
	return n
}
