package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"boq-matcher/internal/fileio"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/utils"
)

var (
	rxCode        = regexp.MustCompile(`^(code|item code|item no\.?|ref)\b`)
	rxDescription = regexp.MustCompile(`description|particulars|^item$|^name$`)
	rxUnit        = regexp.MustCompile(`^(unit|uom|units)$`)
	rxRate        = regexp.MustCompile(`rate|price|cost`)
	rxCategory    = regexp.MustCompile(`^(category|section|trade)$`)
	rxSubcategory = regexp.MustCompile(`^sub[\s\-_]?(category|section)$`)
	rxKeywords    = regexp.MustCompile(`^(keywords|tags)$`)
)

// Writer persists imported items.
type Writer interface {
	UpsertCatalogItems(ctx context.Context, items []model.CatalogItem) (int, error)
}

type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Problems []string `json:"problems,omitempty"`
}

// ItemID derives a stable id from the item code so re-importing a sheet
// updates items in place. Items without a code get a random id.
func ItemID(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("boq-catalog:"+code)).String()
}

// FromTable maps sheet records to catalog items. Rows without a
// description or a rate are skipped and reported.
func FromTable(tbl fileio.Table) ([]model.CatalogItem, ImportReport, error) {
	var rep ImportReport
	descCol := fileio.ResolveColumn(tbl.Headers, "", rxDescription)
	if descCol == "" {
		return nil, rep, eris.Wrap(model.ErrValidation, "catalog: no description column")
	}
	rateCol := fileio.ResolveColumn(tbl.Headers, "", rxRate)
	if rateCol == "" {
		return nil, rep, eris.Wrap(model.ErrValidation, "catalog: no rate column")
	}
	codeCol := fileio.ResolveColumn(tbl.Headers, "", rxCode)
	unitCol := fileio.ResolveColumn(tbl.Headers, "", rxUnit)
	catCol := fileio.ResolveColumn(tbl.Headers, "", rxCategory)
	subCol := fileio.ResolveColumn(tbl.Headers, "", rxSubcategory)
	kwCol := fileio.ResolveColumn(tbl.Headers, "", rxKeywords)

	items := make([]model.CatalogItem, 0, len(tbl.Records))
	for _, rec := range tbl.Records {
		desc := rec.Get(descCol)
		if desc == "" {
			rep.Skipped++
			rep.Problems = append(rep.Problems, fmt.Sprintf("row %d: empty description", rec.Row))
			continue
		}
		rate, ok := utils.ParseNumber(rec.Get(rateCol))
		if !ok || rate < 0 {
			rep.Skipped++
			rep.Problems = append(rep.Problems, fmt.Sprintf("row %d: invalid rate %q", rec.Row, rec.Get(rateCol)))
			continue
		}
		code := rec.Get(codeCol)
		items = append(items, model.CatalogItem{
			ID:          ItemID(code),
			Code:        code,
			Description: desc,
			Unit:        rec.Get(unitCol),
			Rate:        rate,
			Category:    rec.Get(catCol),
			Subcategory: rec.Get(subCol),
			Keywords:    splitKeywords(rec.Get(kwCol)),
			Active:      true,
		})
	}
	return items, rep, nil
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Import stores the items of a catalog sheet and drops the cached
// snapshot so the next job sees them.
func Import(ctx context.Context, w Writer, cache *Cache, tbl fileio.Table) (ImportReport, error) {
	items, rep, err := FromTable(tbl)
	if err != nil {
		return rep, err
	}
	if len(items) == 0 {
		return rep, eris.Wrap(model.ErrValidation, "catalog: sheet has no usable rows")
	}
	n, err := w.UpsertCatalogItems(ctx, items)
	if err != nil {
		return rep, eris.Wrap(err, "catalog: import")
	}
	rep.Imported = n
	if cache != nil {
		cache.Invalidate()
	}
	return rep, nil
}
