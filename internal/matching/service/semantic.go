package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/embedding"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/resilience"
	"boq-matcher/internal/units"
)

// ErrNoVectors means no catalog item has a vector in the strategy's space.
var ErrNoVectors = eris.New("no catalog embeddings for provider")

// MaxConfidence caps every similarity-based confidence.
const MaxConfidence = 0.99

// EmbeddingSink persists vectors produced while warming the catalog.
type EmbeddingSink interface {
	SaveEmbeddings(ctx context.Context, p model.Provider, vectors map[string][]float32) error
}

type SemanticOptions struct {
	Retry      resilience.RetryConfig
	BatchPause time.Duration // between catalog warm-up batches
	Sink       EmbeddingSink
}

// Semantic ranks the catalog by cosine similarity to an embedded query.
// Errors are returned to the caller; wrap it in a Fallback to degrade.
type Semantic struct {
	method   model.Method
	embedder embedding.Embedder
	cache    *embedding.Cache
	opts     SemanticOptions
	log      zerolog.Logger
}

func NewSemantic(method model.Method, e embedding.Embedder, cache *embedding.Cache, opts SemanticOptions, log zerolog.Logger) *Semantic {
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(log, string(e.Provider()), "embed")
	}
	return &Semantic{
		method:   method,
		embedder: e,
		cache:    cache,
		opts:     opts,
		log:      log.With().Str("strategy", string(method)).Logger(),
	}
}

func (s *Semantic) Name() model.Method { return s.method }

func (s *Semantic) Provider() model.Provider { return s.embedder.Provider() }

func (s *Semantic) Match(ctx context.Context, q Query, cat *Catalog) (model.Match, error) {
	text := QueryText(q)
	vec, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text, embedding.KindQuery)
	})
	if err != nil {
		return model.Match{}, err
	}
	return s.MatchWithVector(ctx, q, vec, cat)
}

// EmbedBatch embeds the query text of every query in a single request per
// provider batch.
func (s *Semantic) EmbedBatch(ctx context.Context, qs []Query) ([][]float32, error) {
	texts := make([]string, len(qs))
	for i, q := range qs {
		texts[i] = QueryText(q)
	}
	out := make([][]float32, 0, len(qs))
	for start := 0; start < len(texts); start += s.embedder.MaxBatch() {
		part := texts[start:min(start+s.embedder.MaxBatch(), len(texts))]
		vecs, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) ([][]float32, error) {
			return s.embedder.EmbedBatch(ctx, part, embedding.KindQuery)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// vectorFor returns the item's vector in this strategy's space.
func (s *Semantic) vectorFor(e *entry) []float32 {
	p := s.embedder.Provider()
	if s.cache != nil {
		if v, ok := s.cache.Get(p, e.enriched); ok {
			return v
		}
	}
	if len(e.item.Embedding) > 0 && e.item.EmbeddingProvider == p {
		return e.item.Embedding
	}
	return nil
}

type semanticScore struct {
	pos        int
	similarity float64
	catBoost   float64
	unitBoost  float64
	boosted    float64
}

// MatchWithVector ranks the catalog against an already embedded query.
func (s *Semantic) MatchWithVector(ctx context.Context, q Query, vec []float32, cat *Catalog) (model.Match, error) {
	if cat == nil || cat.Len() == 0 {
		return model.Match{}, ErrEmptyCatalog
	}
	qUnit := queryUnit(q)
	targets := lowerHeaders(q.ContextHeaders)

	var scores []semanticScore
	for i := range cat.entries {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return model.Match{}, err
			}
		}
		e := &cat.entries[i]
		v := s.vectorFor(e)
		if len(v) == 0 || len(v) != len(vec) {
			continue
		}
		sim := CosineSimilarity(vec, v)
		boosted, catBoost := categoryBoost(sim, targets, e)
		ub := unitBoost(qUnit, e.item.Unit)
		scores = append(scores, semanticScore{
			pos:        i,
			similarity: sim,
			catBoost:   catBoost,
			unitBoost:  ub,
			boosted:    boosted * ub,
		})
	}
	if len(scores) == 0 {
		return model.Match{}, eris.Wrapf(ErrNoVectors, "%s", s.embedder.Provider())
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].boosted > scores[j].boosted })
	best := scores[0]
	return model.Match{
		Item:       cat.entries[best.pos].item,
		Confidence: ClampConfidence(best.boosted),
		Method:     s.method,
		Breakdown: model.ScoreBreakdown{
			Similarity:    best.similarity,
			CategoryBoost: best.catBoost,
			UnitBoost:     best.unitBoost,
			Factors:       semanticFactors(best),
		},
	}, nil
}

func lowerHeaders(h []string) []string {
	out := make([]string, 0, min(2, len(h)))
	for i := 0; i < len(h) && i < 2; i++ {
		out = append(out, strings.ToLower(strings.TrimSpace(h[i])))
	}
	return out
}

func containsEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// categoryBoost lifts sim by 30% (at most to 0.99) when category and
// subcategory both match the outermost headers, or by 15% (at most to
// 0.95) when only the category does.
func categoryBoost(sim float64, targets []string, e *entry) (float64, float64) {
	if len(targets) == 0 || !containsEither(e.category, targets[0]) {
		return sim, 1
	}
	if len(targets) > 1 && containsEither(e.subcategory, targets[1]) {
		return min(sim*1.3, MaxConfidence), 1.3
	}
	return min(sim*1.15, 0.95), 1.15
}

func unitBoost(queryUnit, itemUnit string) float64 {
	if queryUnit == "" {
		return 1
	}
	switch {
	case strings.TrimSpace(itemUnit) == "":
		return 0.95
	case units.Equal(queryUnit, itemUnit):
		return 1.25
	case units.Compatible(queryUnit, itemUnit):
		return 1.20
	}
	return 1
}

func semanticFactors(sc semanticScore) []string {
	out := []string{"similarity"}
	if sc.catBoost > 1 {
		out = append(out, "category")
	}
	if sc.unitBoost != 1 {
		out = append(out, "unit")
	}
	return out
}

// ClampConfidence maps a boosted similarity into [0, MaxConfidence].
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, MaxConfidence)
}

// CosineSimilarity returns 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Warm embeds catalog documents that have no vector in this strategy's
// space yet, stores them in the cache and hands them to the sink. It
// returns how many items were embedded.
func (s *Semantic) Warm(ctx context.Context, cat *Catalog) (int, error) {
	var missing []*entry
	for i := range cat.entries {
		if s.vectorFor(&cat.entries[i]) == nil {
			missing = append(missing, &cat.entries[i])
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	p := s.embedder.Provider()
	log := s.log.With().Str("provider", string(p)).Int("missing", len(missing)).Logger()
	log.Info().Msg("warming catalog embeddings")

	size := s.embedder.MaxBatch()
	warmed := 0
	var lastErr error
	for start := 0; start < len(missing); start += size {
		if start > 0 && s.opts.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return warmed, ctx.Err()
			case <-time.After(s.opts.BatchPause):
			}
		}
		batch := missing[start:min(start+size, len(missing))]
		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.enriched
		}

		vecs, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) ([][]float32, error) {
			return s.embedder.EmbedBatch(ctx, texts, embedding.KindDocument)
		})
		if err != nil {
			if ctx.Err() != nil {
				return warmed, ctx.Err()
			}
			log.Warn().Err(err).Int("batch_start", start).Msg("embedding batch failed")
			lastErr = err
			continue
		}

		byID := make(map[string][]float32, len(batch))
		for i, e := range batch {
			if s.cache != nil {
				s.cache.Put(p, e.enriched, vecs[i])
			}
			if e.item.ID != "" {
				byID[e.item.ID] = vecs[i]
			}
		}
		if s.opts.Sink != nil {
			if err := s.opts.Sink.SaveEmbeddings(ctx, p, byID); err != nil {
				log.Warn().Err(err).Msg("persist embeddings failed")
				lastErr = err
			}
		}
		warmed += len(batch)
	}
	log.Info().Int("warmed", warmed).Msg("catalog embeddings warmed")
	if lastErr != nil {
		return warmed, eris.Wrap(lastErr, "warm catalog")
	}
	return warmed, nil
}
