package service

import (
	"regexp"
)

// Features are construction attributes pulled out of a description.
type Features struct {
	WorkType   string   `json:"workType,omitempty"`
	Material   string   `json:"material,omitempty"`
	Grade      string   `json:"grade,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Spacing    string   `json:"spacing,omitempty"`
	Ratio      string   `json:"ratio,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

type workType struct {
	rx       *regexp.Regexp
	name     string
	keywords []string
}

// workTypes are checked in order; the first hit wins.
var workTypes = []workType{
	{regexp.MustCompile(`(?i)\b(excavat|dig|cut|trench|pit|basement|foundation)\w*`), "Excavation", []string{"depth", "level", "ground", "earth", "soil"}},
	{regexp.MustCompile(`(?i)\b(fill|backfill|sand fill|earth fill|compaction)\w*`), "Filling", []string{"thickness", "layer", "compacted", "watered"}},
	{regexp.MustCompile(`(?i)\b(concrete|RCC|PCC|cement|cast)\w*`), "Concrete", []string{"grade", "mix", "pour", "vibrated", "curing"}},
	{regexp.MustCompile(`(?i)\b(reinforc|steel|bar|rod|TMT|Fe\d+)\w*`), "Reinforcement", []string{"dia", "diameter", "spacing", "stirrup", "bent"}},
	{regexp.MustCompile(`(?i)\b(brick|block|masonry|wall|partition)\w*`), "Masonry", []string{"thickness", "course", "mortar", "joint", "pointing"}},
	{regexp.MustCompile(`(?i)\b(formwork|shuttering|centering|staging)\w*`), "Formwork", []string{"support", "props", "plywood", "steel", "remove"}},
	{regexp.MustCompile(`(?i)\b(waterproof|damp proof|DPC|membrane|seal)\w*`), "Waterproofing", []string{"coating", "layer", "bitumen", "chemical", "treatment"}},
	{regexp.MustCompile(`(?i)\b(plaster|render|skim|smooth|finish)\w*`), "Plastering", []string{"thickness", "coat", "cement", "sand", "ratio"}},
	{regexp.MustCompile(`(?i)\b(floor|tile|marble|granite|stone|vitrified)\w*`), "Flooring", []string{"laying", "bedding", "polished", "pattern", "skirting"}},
	{regexp.MustCompile(`(?i)\b(paint|primer|putty|emulsion|enamel|coat)\w*`), "Painting", []string{"surface", "preparation", "coats", "finish", "texture"}},
	{regexp.MustCompile(`(?i)\b(pile|piling|bore|driven|sheet pile)\w*`), "Piling", []string{"depth", "diameter", "load", "capacity", "cut-off"}},
	{regexp.MustCompile(`(?i)\b(structural steel|ISMB|ISMC|ISLB|angle|channel)\w*`), "Structural Steel", []string{"section", "weight", "welding", "bolting", "fabrication"}},
}

type material struct {
	name     string
	rx       *regexp.Regexp
	grades   []string
	gradeRxs []*regexp.Regexp
	keywords []string
}

func newMaterial(name string, grades, keywords []string) material {
	m := material{
		name:     name,
		rx:       regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`),
		grades:   grades,
		keywords: keywords,
	}
	for _, g := range grades {
		m.gradeRxs = append(m.gradeRxs, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(g)+`\b`))
	}
	return m
}

var materials = []material{
	newMaterial("concrete", []string{"M10", "M15", "M20", "M25", "M30", "M35", "M40", "M45", "M50"},
		[]string{"cement", "aggregate", "sand", "mix", "grade", "strength"}),
	newMaterial("steel", []string{"Fe415", "Fe500", "Fe550", "Fe600", "HYSD", "TMT", "CTD"},
		[]string{"reinforcement", "bar", "rod", "dia", "diameter", "bend"}),
	newMaterial("cement", []string{"OPC43", "OPC53", "PPC", "PSC", "SRC", "WHITE"},
		[]string{"ordinary", "portland", "pozzolana", "sulphate", "resistant"}),
	newMaterial("brick", []string{"1ST CLASS", "2ND CLASS", "AAC", "FLY ASH", "CLAY"},
		[]string{"size", "class", "quality", "burnt", "pressed"}),
	newMaterial("sand", []string{"RIVER", "PIT", "SEA", "MANUFACTURED", "FINE", "COARSE"},
		[]string{"zone", "sieve", "washed", "screened", "grading"}),
	newMaterial("aggregate", []string{"10MM", "12MM", "20MM", "40MM", "63MM", "GSB", "WMM"},
		[]string{"crushed", "graded", "nominal", "size", "stone"}),
}

const lengthUnit = `(mm|cm|m|mt|mtr|meter|metre)`

var dimensionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*[xX×]\s*(\d+(?:\.\d+)?)\s*[xX×]\s*(\d+(?:\.\d+)?)\s*` + lengthUnit + `?\b`),
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*[xX×]\s*(\d+(?:\.\d+)?)\s*` + lengthUnit + `?\b`),
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*` + lengthUnit + `\s*(?:thick|thk|thickness|dia|diameter|width|length|height|deep|depth)\b`),
	regexp.MustCompile(`(?i)\b(?:thick|thk|thickness|dia|diameter|width|length|height|deep|depth)[:\s]+(\d+(?:\.\d+)?)\s*` + lengthUnit + `?\b`),
}

var spacingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d+)\s*mm\s*@\s*(\d+)\s*mm\s*c/c\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s*(?:mm|cm|m)\s*(?:centers?|centres?|c/c)\b`),
	regexp.MustCompile(`(?i)@\s*(\d+)\s*(?:mm|cm|m)\s*(?:spacing|apart|interval)\b`),
}

var ratioPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d+):(\d+)(?::(\d+))?\b`),
	regexp.MustCompile(`(?i)\bCM\s*(\d+):(\d+)\b`),
	regexp.MustCompile(`(?i)\b(?:ratio|proportion|mix)\s*(\d+):(\d+)(?::(\d+))?\b`),
}

var constructionKeywords = func() []workType {
	words := []string{
		"reinforced", "plain", "precast", "cast in situ", "vibrated",
		"compacted", "watered", "cured", "finished", "grouted",
		"waterproofed", "insulated", "painted", "polished", "rendered",
	}
	out := make([]workType, len(words))
	for i, w := range words {
		out[i] = workType{rx: regexp.MustCompile(`(?i)\b` + w + `\b`), name: w}
	}
	return out
}()

// ExtractFeatures reads work type, material, grade, dimensions, spacing,
// mix ratio and process keywords from a description.
func ExtractFeatures(text string) Features {
	var f Features
	for _, wt := range workTypes {
		if wt.rx.MatchString(text) {
			f.WorkType = wt.name
			f.Keywords = append(f.Keywords, wt.keywords...)
			break
		}
	}
	for _, m := range materials {
		if !m.rx.MatchString(text) {
			continue
		}
		f.Material = m.name
		for i, grx := range m.gradeRxs {
			if grx.MatchString(text) {
				f.Grade = m.grades[i]
				break
			}
		}
		f.Keywords = append(f.Keywords, m.keywords...)
		break
	}
	for _, rx := range dimensionPatterns {
		if d := rx.FindString(text); d != "" {
			f.Dimensions = append(f.Dimensions, d)
		}
	}
	for _, rx := range spacingPatterns {
		if s := rx.FindString(text); s != "" {
			f.Spacing = s
			break
		}
	}
	for _, rx := range ratioPatterns {
		if r := rx.FindString(text); r != "" {
			f.Ratio = r
			break
		}
	}
	for _, ck := range constructionKeywords {
		if ck.rx.MatchString(text) {
			f.Keywords = append(f.Keywords, ck.name)
		}
	}
	return f
}

// FeatureScore rates agreement between query and candidate features, 0..100.
func FeatureScore(q, c Features) float64 {
	score := 0.0
	if q.WorkType != "" && q.WorkType == c.WorkType {
		score += 30
	}
	if q.Material != "" && q.Material == c.Material {
		score += 20
	}
	if q.Grade != "" && q.Grade == c.Grade {
		score += 15
	}
	if len(q.Dimensions) > 0 && len(c.Dimensions) > 0 {
		cd := keywordSet(c.Dimensions)
		if countShared(q.Dimensions, cd) > 0 {
			score += 10
		}
	}
	shared := countShared(q.Keywords, keywordSet(c.Keywords))
	score += min(25, float64(shared*5))
	return min(100, score)
}
