package service

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/model"
)

// Service resolves a method tag to the strategy that serves it. Every
// semantic strategy is wrapped so that it degrades to the lexical one.
type Service struct {
	lexical    *Lexical
	strategies map[model.Method]Strategy
	semantic   map[model.Provider]*Semantic
}

func New(lex *Lexical, log zerolog.Logger, semantics ...*Semantic) *Service {
	s := &Service{
		lexical:    lex,
		strategies: map[model.Method]Strategy{model.MethodLocal: lex},
		semantic:   make(map[model.Provider]*Semantic, len(semantics)),
	}
	for _, sem := range semantics {
		s.strategies[sem.Name()] = WithFallback(sem, lex, log)
		s.semantic[sem.Provider()] = sem
	}
	return s
}

// Strategy returns the strategy for m. Semantic methods without a
// configured provider are served by the lexical strategy.
func (s *Service) Strategy(m model.Method) (Strategy, error) {
	if st, ok := s.strategies[m]; ok {
		return st, nil
	}
	if m.Semantic() {
		return s.lexical, nil
	}
	return nil, eris.Wrapf(model.ErrValidation, "no strategy for method %q", m)
}

func (s *Service) Lexical() *Lexical { return s.lexical }

// Semantic returns the raw semantic strategy for a provider, for warm-up.
func (s *Service) Semantic(p model.Provider) (*Semantic, bool) {
	sem, ok := s.semantic[p]
	return sem, ok
}

// MatchOne answers a single ad-hoc query. LOCAL returns up to n ranked
// matches, other methods their single best.
func (s *Service) MatchOne(ctx context.Context, m model.Method, q Query, cat *Catalog, n int) ([]model.Match, error) {
	if m == model.MethodLocal {
		return s.lexical.Top(ctx, q, cat, n)
	}
	st, err := s.Strategy(m)
	if err != nil {
		return nil, err
	}
	best, err := st.Match(ctx, q, cat)
	if err != nil {
		return nil, err
	}
	return []model.Match{best}, nil
}
