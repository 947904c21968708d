package handler

import (
	"regexp"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/fileio"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/utils"
)

// Column heuristics, tried in order. The narrow patterns come first so an
// "Item" numbering column does not shadow "Description".
var (
	rxDescCols = []*regexp.Regexp{
		regexp.MustCompile(`description|particulars`),
		regexp.MustCompile(`^items?$|item\s+(name|details)`),
		regexp.MustCompile(`item`),
	}
	rxQtyCols  = []*regexp.Regexp{regexp.MustCompile(`^(qty|quantity|quantities)\b`), regexp.MustCompile(`qty|quantity`)}
	rxUnitCols = []*regexp.Regexp{regexp.MustCompile(`^(unit|units|uom|u/m)$`), regexp.MustCompile(`\buom\b`)}
)

// Mapping names the sheet columns a BOQ is read from. Empty fields are
// resolved from the headers.
type Mapping struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
}

func resolve(headers []string, override string, rxs []*regexp.Regexp) string {
	for _, rx := range rxs {
		if h := fileio.ResolveColumn(headers, override, rx); h != "" {
			return h
		}
	}
	return ""
}

// resolveMapping fills the mapping from the headers. A sheet without a
// description or quantity column cannot be priced.
func resolveMapping(headers []string, want Mapping) (Mapping, error) {
	m := Mapping{
		Description: resolve(headers, want.Description, rxDescCols),
		Quantity:    resolve(headers, want.Quantity, rxQtyCols),
		Unit:        resolve(headers, want.Unit, rxUnitCols),
	}
	if m.Description == "" {
		return m, eris.Wrapf(model.ErrValidation, "no description column among %q", headers)
	}
	if m.Quantity == "" {
		return m, eris.Wrapf(model.ErrValidation, "no quantity column among %q", headers)
	}
	if m.Description == m.Quantity {
		return m, eris.Wrapf(model.ErrValidation, "description and quantity both resolve to %q", m.Quantity)
	}
	return m, nil
}

// Header levels of a bill of quantities.
var (
	rxMajorHeader = regexp.MustCompile(`(?i)^(BILL|SUB-BILL|SECTION|PART|DIVISION)`)
	rxSubHeader   = regexp.MustCompile(`(?i)^[A-Z]\d+\s`) // "D20 Excavating"
	rxMinorHeader = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(NOTE|Excavating|Filling|Disposal)`),
		regexp.MustCompile(`(?i)^(section|chapter|part|bill|sub-bill|category|group|division|note|description)[\s:]`),
		regexp.MustCompile(`^[0-9]+\.[0-9]+\s+[A-Z]`),
		regexp.MustCompile(`(?i)^(excavat|fill|disposal|earthwork|groundwork|substructure|superstructure|roof|external|internal|finish|service|prelim)`),
		regexp.MustCompile(`(?i)(note|not measured|pricing point|risk item|provisional|refer to|see also|include|exclude)`),
		regexp.MustCompile(`(?i)^(the following|all prices|rates shall|contractor shall|work includes)`),
	}
)

func isMinorHeader(h string) bool {
	for _, rx := range rxMinorHeader {
		if rx.MatchString(h) {
			return true
		}
	}
	return false
}

// pushHeader adds h to the breadcrumb. A major header (BILL, SECTION, ...)
// starts a new breadcrumb, a coded sub header replaces everything below
// the major level, a minor header replaces earlier minor headers, and any
// other header is appended.
func pushHeader(crumbs []string, h string) []string {
	switch {
	case rxMajorHeader.MatchString(h):
		return []string{h}
	case rxSubHeader.MatchString(h):
		return append(keepHeaders(crumbs, false), h)
	case isMinorHeader(h):
		return append(keepHeaders(crumbs, true), h)
	default:
		return append(crumbs, h)
	}
}

// keepHeaders returns the major headers of crumbs, and the sub headers too
// when withSub is set. It never aliases crumbs.
func keepHeaders(crumbs []string, withSub bool) []string {
	out := make([]string, 0, len(crumbs)+1)
	for _, c := range crumbs {
		if rxMajorHeader.MatchString(c) || (withSub && rxSubHeader.MatchString(c)) {
			out = append(out, c)
		}
	}
	return out
}

// toLineItems turns sheet records into line items. Rows without a positive
// quantity are section headers: they are kept as context rows and their
// description updates the breadcrumb of the rows below (see pushHeader).
func toLineItems(tbl fileio.Table, m Mapping, maxHeaders int) []model.LineItem {
	items := make([]model.LineItem, 0, len(tbl.Records))
	var crumbs []string
	for _, rec := range tbl.Records {
		desc := rec.Get(m.Description)
		if desc == "" {
			continue
		}
		li := model.LineItem{
			RowNumber:      rec.Row,
			Description:    desc,
			ContextHeaders: append([]string(nil), crumbs...),
		}
		if m.Unit != "" {
			li.Unit = rec.Get(m.Unit)
		}
		if q, ok := utils.ParseNumber(rec.Get(m.Quantity)); ok && q > 0 {
			li.Quantity = &q
			items = append(items, li)
			continue
		}

		items = append(items, li)
		crumbs = pushHeader(crumbs, desc)
		if maxHeaders > 0 && len(crumbs) > maxHeaders {
			crumbs = crumbs[len(crumbs)-maxHeaders:]
		}
	}
	return items
}
