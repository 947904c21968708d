package service

import (
	"fmt"
	"strings"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/units"
)

// EnrichedText is the text a catalog item is embedded and cached under.
func EnrichedText(item model.CatalogItem) string {
	parts := []string{item.Description}
	switch {
	case item.Category != "" && item.Subcategory != "":
		parts = append(parts,
			"Category: "+item.Category+" - "+item.Subcategory,
			"Classification: "+item.Category+" "+item.Subcategory,
			"Type: "+item.Category+"/"+item.Subcategory)
	case item.Category != "":
		parts = append(parts, "Category: "+item.Category, "Type: "+item.Category)
	}
	if item.Unit != "" {
		u := "Unit: " + item.Unit
		if n := units.Normalize(item.Unit); n != strings.ToUpper(strings.TrimSpace(item.Unit)) {
			u += " (" + n + ")"
		}
		parts = append(parts, u)
	}
	if len(item.Keywords) > 0 {
		parts = append(parts, "Keywords: "+strings.Join(item.Keywords, ", "))
	}
	if item.Code != "" {
		parts = append(parts, "Code: "+item.Code)
	}
	return strings.Join(parts, " | ")
}

// QueryText is the text a line item is embedded as. Section headers are
// put first so the vector leans towards the right trade.
func QueryText(q Query) string {
	expanded := ExpandAbbreviations(NormalizeDescription(q.Description))
	if len(q.ContextHeaders) == 0 {
		return expanded
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Target Category: %s. ", q.ContextHeaders[0])
	if len(q.ContextHeaders) > 1 {
		fmt.Fprintf(&b, "Target Subcategory: %s. ", q.ContextHeaders[1])
	}
	fmt.Fprintf(&b, "Category: %s. Task: %s", strings.Join(q.ContextHeaders, " > "), expanded)

	f := ExtractFeatures(q.Description)
	if f.WorkType != "" {
		fmt.Fprintf(&b, " Work Type: %s.", f.WorkType)
	}
	if f.Material != "" {
		fmt.Fprintf(&b, " Material: %s.", f.Material)
	}
	if f.Grade != "" {
		fmt.Fprintf(&b, " Grade: %s.", f.Grade)
	}
	return b.String()
}

// contextDescription appends the two outermost headers. It keys the lexical
// result cache.
func contextDescription(q Query) string {
	if len(q.ContextHeaders) == 0 {
		return q.Description
	}
	h := q.ContextHeaders
	if len(h) > 2 {
		h = h[:2]
	}
	return q.Description + " [Context: " + strings.Join(h, " > ") + "]"
}
