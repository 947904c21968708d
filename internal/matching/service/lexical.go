package service

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/units"
)

// cachedTop is how many ranked matches a cache entry keeps.
const cachedTop = 5

type LexicalOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Lexical is the LOCAL strategy: a composite of fuzzy text, unit, category,
// keyword and construction-feature scores. It always returns a match for a
// non-empty catalog.
type Lexical struct {
	cache *expirable.LRU[string, []model.Match]
	log   zerolog.Logger
}

func NewLexical(opts LexicalOptions, log zerolog.Logger) *Lexical {
	size := opts.CacheSize
	if size <= 0 {
		size = 10000
	}
	return &Lexical{
		cache: expirable.NewLRU[string, []model.Match](size, nil, opts.CacheTTL),
		log:   log,
	}
}

func (l *Lexical) Name() model.Method { return model.MethodLocal }

// Purge drops every cached ranking.
func (l *Lexical) Purge() { l.cache.Purge() }

func (l *Lexical) Match(ctx context.Context, q Query, cat *Catalog) (model.Match, error) {
	top, err := l.Top(ctx, q, cat, 1)
	if err != nil {
		return model.Match{}, err
	}
	return top[0], nil
}

// Top returns the n best matches, best first.
func (l *Lexical) Top(ctx context.Context, q Query, cat *Catalog, n int) ([]model.Match, error) {
	if cat == nil || cat.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	if n <= 0 {
		n = 1
	}

	key := fmt.Sprintf("%d|%s|%s", cat.Version(), queryUnit(q), contextDescription(q))
	if n <= cachedTop {
		if cached, ok := l.cache.Get(key); ok && len(cached) > 0 {
			return slices.Clone(cached[:min(n, len(cached))]), nil
		}
	}

	ranked, err := l.rank(ctx, q, cat)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, slices.Clone(ranked[:min(cachedTop, len(ranked))]))
	return ranked[:min(n, len(ranked))], nil
}

// lexQuery holds the query-side values every candidate is compared with.
type lexQuery struct {
	raw        string
	normalized string
	expanded   string
	unit       string
	headers    []string
	keywords   []string
	ctxWords   []string
	features   Features
}

func queryUnit(q Query) string {
	if u := strings.TrimSpace(q.Unit); u != "" {
		return units.Normalize(u)
	}
	return units.Normalize(units.Extract(q.Description))
}

func prepareQuery(q Query) lexQuery {
	normalized := NormalizeDescription(q.Description)
	lq := lexQuery{
		raw:        q.Description,
		normalized: normalized,
		expanded:   ExpandAbbreviations(normalized),
		unit:       queryUnit(q),
		keywords:   ExtractKeywords(q.Description),
		features:   ExtractFeatures(q.Description),
	}
	for i, h := range q.ContextHeaders {
		if i == 2 {
			break
		}
		lq.headers = append(lq.headers, strings.ToLower(strings.TrimSpace(h)))
	}
	if len(lq.headers) > 0 {
		lq.ctxWords = ExtractKeywords(strings.Join(lq.headers, " "))
	}
	return lq
}

// rank scores every entry in parallel chunks, then orders by score.
// The stable sort keeps catalog order among equal scores.
func (l *Lexical) rank(ctx context.Context, q Query, cat *Catalog) ([]model.Match, error) {
	lq := prepareQuery(q)
	scored := make([]model.Match, cat.Len())

	workers := runtime.GOMAXPROCS(0)
	chunk := (cat.Len() + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < cat.Len(); start += chunk {
		end := min(start+chunk, cat.Len())
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				scored[i] = scoreEntry(&lq, &cat.entries[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Confidence > scored[j].Confidence })
	return scored, nil
}

func scoreEntry(lq *lexQuery, e *entry) model.Match {
	var bd model.ScoreBreakdown

	fuzzy := max(
		TokenSetRatio(lq.raw, e.item.Description),
		TokenSetRatio(lq.normalized, e.norm),
		TokenSetRatio(lq.expanded, e.item.Description),
		PartialRatio(lq.normalized, e.norm),
	)
	bd.Fuzzy = fuzzy * 0.25

	if lq.unit != "" {
		switch {
		case strings.TrimSpace(e.item.Unit) == "":
			bd.Unit = -5
		case units.Equal(lq.unit, e.item.Unit):
			bd.Unit = 25
		case units.Compatible(lq.unit, e.item.Unit):
			bd.Unit = 22
		}
	}

	bd.Category = categoryScore(lq.headers, e)
	bd.Keywords = min(15, 3*float64(countShared(lq.keywords, e.keywords)))
	if len(lq.ctxWords) > 0 {
		bd.Context = min(10, 2*float64(countShared(lq.ctxWords, e.keywords)))
	}
	bd.Construction = 0.3 * FeatureScore(lq.features, e.features)

	total := bd.Fuzzy + bd.Unit + bd.Category + bd.Keywords + bd.Context + bd.Construction
	total = min(100, max(0, total))

	bd.Factors = factors(bd)
	return model.Match{
		Item:       e.item,
		Confidence: total / 100,
		Method:     model.MethodLocal,
		Breakdown:  bd,
	}
}

// categoryScore compares the two outermost headers with the item's
// category and subcategory.
func categoryScore(headers []string, e *entry) float64 {
	if len(headers) == 0 || e.category == "" {
		return 0
	}
	catHit := Ratio(headers[0], e.category) > 85
	subHit := len(headers) > 1 && e.subcategory != "" && Ratio(headers[1], e.subcategory) > 85

	switch {
	case catHit && subHit:
		return 30
	case catHit && e.subcategory == "":
		return 20
	case catHit:
		for _, h := range headers {
			if PartialRatio(h, e.subcategory) > 70 {
				return 25
			}
		}
		return 15
	case subHit:
		return 10
	}
	return 0
}

func factors(bd model.ScoreBreakdown) []string {
	var out []string
	add := func(name string, v float64) {
		if v > 0 {
			out = append(out, name)
		}
	}
	add("fuzzy", bd.Fuzzy)
	add("unit", bd.Unit)
	add("category", bd.Category)
	add("keywords", bd.Keywords)
	add("context", bd.Context)
	add("construction", bd.Construction)
	return out
}
