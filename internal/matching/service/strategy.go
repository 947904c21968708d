package service

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/model"
)

// Query is what a strategy matches: one priced line item.
type Query struct {
	Description    string
	Unit           string
	ContextHeaders []string
}

// NewQuery builds a query from a line item, keeping at most maxDesc
// characters of the description and the last maxHeaders headers.
// Zero limits keep everything.
func NewQuery(li model.LineItem, maxDesc, maxHeaders int) Query {
	desc := li.Description
	if r := []rune(desc); maxDesc > 0 && len(r) > maxDesc {
		desc = string(r[:maxDesc])
	}
	headers := li.ContextHeaders
	if maxHeaders > 0 && len(headers) > maxHeaders {
		headers = headers[len(headers)-maxHeaders:]
	}
	return Query{Description: desc, Unit: li.Unit, ContextHeaders: headers}
}

// Strategy picks the best catalog item for a query.
type Strategy interface {
	Name() model.Method
	Match(ctx context.Context, q Query, cat *Catalog) (model.Match, error)
}

// Bulk is a strategy that can embed many queries in one provider call and
// then match each with its vector.
type Bulk interface {
	Strategy
	EmbedBatch(ctx context.Context, qs []Query) ([][]float32, error)
	MatchWithVector(ctx context.Context, q Query, vec []float32, cat *Catalog) (model.Match, error)
}

// ErrNoBulk is returned by Fallback.EmbedBatch when the primary cannot batch.
var ErrNoBulk = eris.New("strategy does not support bulk embedding")

// Fallback runs primary and, when it fails, returns secondary's answer
// for the same query.
type Fallback struct {
	primary   Strategy
	secondary Strategy
	log       zerolog.Logger
}

func WithFallback(primary, secondary Strategy, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, log: log}
}

// Name reports the primary's method; a degraded result carries the
// secondary's method tag.
func (f *Fallback) Name() model.Method { return f.primary.Name() }

func (f *Fallback) Match(ctx context.Context, q Query, cat *Catalog) (model.Match, error) {
	m, err := f.primary.Match(ctx, q, cat)
	if err == nil {
		return m, nil
	}
	return f.degrade(ctx, q, cat, err)
}

func (f *Fallback) EmbedBatch(ctx context.Context, qs []Query) ([][]float32, error) {
	b, ok := f.primary.(Bulk)
	if !ok {
		return nil, ErrNoBulk
	}
	return b.EmbedBatch(ctx, qs)
}

// MatchWithVector uses a vector from EmbedBatch; with a nil vector it is
// the same as Match.
func (f *Fallback) MatchWithVector(ctx context.Context, q Query, vec []float32, cat *Catalog) (model.Match, error) {
	b, ok := f.primary.(Bulk)
	if !ok || vec == nil {
		return f.Match(ctx, q, cat)
	}
	m, err := b.MatchWithVector(ctx, q, vec, cat)
	if err == nil {
		return m, nil
	}
	return f.degrade(ctx, q, cat, err)
}

func (f *Fallback) degrade(ctx context.Context, q Query, cat *Catalog, cause error) (model.Match, error) {
	f.log.Warn().
		Str("from", string(f.primary.Name())).
		Str("to", string(f.secondary.Name())).
		Err(cause).
		Msg("strategy degraded")
	return f.secondary.Match(ctx, q, cat)
}
