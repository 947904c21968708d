package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/embedding"
	"boq-matcher/internal/matching/model"
)

func testCatalogItems() []model.CatalogItem {
	return []model.CatalogItem{
		{ID: "exc", Code: "E-01", Description: "Excavation in ordinary soil up to 1.5m depth", Unit: "CUM", Rate: 12, Category: "Earthwork"},
		{ID: "pcc", Code: "C-01", Description: "Plain cement concrete M15 in foundation", Unit: "CUM", Rate: 95, Category: "Concrete"},
		{ID: "bar", Code: "S-01", Description: "Reinforcement steel bars Fe500", Unit: "KG", Rate: 1.2, Category: "Steel"},
		{ID: "brk", Code: "M-01", Description: "Brick masonry in cement mortar 1:6", Unit: "CUM", Rate: 70, Category: "Masonry", Subcategory: "Walls"},
	}
}

func newTestLexical() *Lexical {
	return NewLexical(LexicalOptions{CacheSize: 100, CacheTTL: time.Hour}, zerolog.Nop())
}

// fakeEmbedder returns queryVec for queries and looks documents up by
// description prefix.
type fakeEmbedder struct {
	provider model.Provider
	queryVec []float32
	docs     map[string][]float32
	maxBatch int
	err      error

	mu         sync.Mutex
	calls      int
	batchSizes []int
}

func (f *fakeEmbedder) Provider() model.Provider { return f.provider }

func (f *fakeEmbedder) MaxBatch() int {
	if f.maxBatch == 0 {
		return 96
	}
	return f.maxBatch
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, kind embedding.InputKind) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text}, kind)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, kind embedding.InputKind) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.batchSizes = append(f.batchSizes, len(texts))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if kind == embedding.KindQuery {
			out[i] = f.queryVec
			continue
		}
		for prefix, v := range f.docs {
			if strings.HasPrefix(t, prefix) {
				out[i] = v
			}
		}
		if out[i] == nil {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

type fakeSink struct {
	mu    sync.Mutex
	saved map[string][]float32
}

func (s *fakeSink) SaveEmbeddings(_ context.Context, _ model.Provider, v map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]float32)
	}
	for k, vec := range v {
		s.saved[k] = vec
	}
	return nil
}

var errDown = eris.Wrap(embedding.ErrProvider, "provider unreachable")
