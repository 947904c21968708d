package service

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/matching/model"
)

// ErrEmptyCatalog is returned when there is nothing to match against.
var ErrEmptyCatalog = eris.Wrap(model.ErrValidation, "catalog is empty")

var catalogVersions atomic.Uint64

// entry is a catalog item with everything the scorers derive from it
// computed once.
type entry struct {
	item        model.CatalogItem
	enriched    string
	norm        string
	keywords    map[string]struct{}
	features    Features
	category    string
	subcategory string
	searchKey   string
}

// Catalog is an immutable, prepared snapshot of the active catalog.
type Catalog struct {
	version uint64
	entries []entry
	byID    map[string]int
	inv     map[string][]int // trigram -> entry positions, ascending
}

// NewCatalog prepares items in the given order. That order decides ties.
func NewCatalog(items []model.CatalogItem) *Catalog {
	c := &Catalog{
		version: catalogVersions.Add(1),
		entries: make([]entry, 0, len(items)),
		byID:    make(map[string]int, len(items)),
		inv:     make(map[string][]int),
	}
	for _, it := range items {
		enriched := EnrichedText(it)
		e := entry{
			item:        it,
			enriched:    enriched,
			norm:        NormalizeDescription(it.Description),
			keywords:    keywordSet(ExtractKeywords(enriched)),
			features:    ExtractFeatures(it.Description),
			category:    strings.ToLower(strings.TrimSpace(it.Category)),
			subcategory: strings.ToLower(strings.TrimSpace(it.Subcategory)),
			searchKey:   fuzzProcess(it.Code + " " + it.Description),
		}
		pos := len(c.entries)
		c.entries = append(c.entries, e)
		if it.ID != "" {
			c.byID[it.ID] = pos
		}
		for g := range trigramSet(e.searchKey) {
			c.inv[g] = append(c.inv[g], pos)
		}
	}
	return c
}

// Version identifies the snapshot; a reload always gets a new one.
func (c *Catalog) Version() uint64 { return c.version }

func (c *Catalog) Len() int { return len(c.entries) }

// Items returns the items in snapshot order.
func (c *Catalog) Items() []model.CatalogItem {
	out := make([]model.CatalogItem, len(c.entries))
	for i := range c.entries {
		out[i] = c.entries[i].item
	}
	return out
}

func (c *Catalog) Item(id string) (model.CatalogItem, bool) {
	pos, ok := c.byID[id]
	if !ok {
		return model.CatalogItem{}, false
	}
	return c.entries[pos].item, true
}

func trigramSet(s string) map[string]struct{} {
	m := make(map[string]struct{})
	if s == "" {
		return m
	}
	r := []rune(" " + s + " ")
	if len(r) < 3 {
		m[string(r)] = struct{}{}
		return m
	}
	for i := 0; i+3 <= len(r); i++ {
		m[string(r[i:i+3])] = struct{}{}
	}
	return m
}

// SearchHit is one result of Search.
type SearchHit struct {
	Item  model.CatalogItem `json:"item"`
	Score float64           `json:"score"`
}

// Search ranks items sharing at least a third of the query's trigrams by
// string similarity. Equal scores keep catalog order.
func (c *Catalog) Search(q string, limit int) []SearchHit {
	key := fuzzProcess(q)
	grams := trigramSet(key)
	if key == "" || len(grams) == 0 {
		return nil
	}

	hits := make(map[int]int)
	for g := range grams {
		for _, pos := range c.inv[g] {
			hits[pos]++
		}
	}
	need := max(1, len(grams)/3)

	var out []SearchHit
	var order []int
	for pos, n := range hits {
		if n >= need {
			order = append(order, pos)
		}
	}
	sort.Ints(order)
	for _, pos := range order {
		e := &c.entries[pos]
		score := max(bestSimilarity(key, e.searchKey), PartialRatio(key, e.searchKey)/100)
		out = append(out, SearchHit{Item: e.item, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
