package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrValidation marks input that can never be matched: empty or oversized
// jobs, unknown methods, missing catalog.
var ErrValidation = eris.New("validation failed")

// Method tags how a result was produced.
type Method string

const (
	MethodLocal   Method = "LOCAL"
	MethodCohere  Method = "COHERE"
	MethodOpenAI  Method = "OPENAI"
	MethodContext Method = "CONTEXT"
	MethodManual  Method = "MANUAL"
)

// ParseMethod accepts the strategy names a client may submit.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return MethodLocal, nil
	case MethodLocal, MethodCohere, MethodOpenAI:
		return m, nil
	default:
		return "", eris.Wrapf(ErrValidation, "unknown matching method %q", s)
	}
}

// Semantic reports whether the method needs an embedding provider.
func (m Method) Semantic() bool { return m == MethodCohere || m == MethodOpenAI }

// Provider tags the embedding space a vector belongs to.
type Provider string

const (
	ProviderCohere Provider = "cohere"
	ProviderOpenAI Provider = "openai"
)

// ProviderFor maps a semantic method to its provider tag.
func ProviderFor(m Method) (Provider, bool) {
	switch m {
	case MethodCohere:
		return ProviderCohere, true
	case MethodOpenAI:
		return ProviderOpenAI, true
	}
	return "", false
}

type CatalogItem struct {
	ID                string    `json:"id"`
	Code              string    `json:"code,omitempty"`
	Description       string    `json:"description"`
	Unit              string    `json:"unit,omitempty"`
	Rate              float64   `json:"rate"`
	Category          string    `json:"category,omitempty"`
	Subcategory       string    `json:"subcategory,omitempty"`
	Keywords          []string  `json:"keywords,omitempty"`
	Embedding         []float32 `json:"-"`                           // precomputed vector
	EmbeddingProvider Provider  `json:"embeddingProvider,omitempty"` // space of Embedding
	Active            bool      `json:"active"`
}

type LineItem struct {
	RowNumber      int      `json:"rowNumber"` // 1-based position in the source sheet
	Description    string   `json:"description"`
	Quantity       *float64 `json:"quantity,omitempty"` // nil when the row carries none
	Unit           string   `json:"unit,omitempty"`
	ContextHeaders []string `json:"contextHeaders,omitempty"` // section breadcrumbs, outermost first
}

// Priced reports whether the row must go through a matching strategy.
func (li LineItem) Priced() bool { return li.Quantity != nil && *li.Quantity > 0 }

// Qty returns the quantity or zero.
func (li LineItem) Qty() float64 {
	if li.Quantity == nil {
		return 0
	}
	return *li.Quantity
}

// ScoreBreakdown explains a confidence value. Lexical fields are points,
// semantic fields are similarities and multipliers.
type ScoreBreakdown struct {
	Fuzzy         float64  `json:"fuzzy,omitempty"`
	Unit          float64  `json:"unit,omitempty"`
	Category      float64  `json:"category,omitempty"`
	Keywords      float64  `json:"keywords,omitempty"`
	Context       float64  `json:"context,omitempty"`
	Construction  float64  `json:"construction,omitempty"`
	Similarity    float64  `json:"similarity,omitempty"`
	CategoryBoost float64  `json:"categoryBoost,omitempty"`
	UnitBoost     float64  `json:"unitBoost,omitempty"`
	Factors       []string `json:"factors,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

// Match is what a strategy returns for one query.
type Match struct {
	Item       CatalogItem    `json:"item"`
	Confidence float64        `json:"confidence"`
	Method     Method         `json:"method"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
}

type MatchResult struct {
	JobID               string          `json:"jobId"`
	RowNumber           int             `json:"rowNumber"`
	OriginalDescription string          `json:"originalDescription"`
	OriginalQuantity    float64         `json:"originalQuantity"`
	OriginalUnit        string          `json:"originalUnit"`
	MatchedItemID       string          `json:"matchedItemId,omitempty"` // empty when nothing matched
	MatchedDescription  string          `json:"matchedDescription"`
	MatchedCode         string          `json:"matchedCode"`
	MatchedUnit         string          `json:"matchedUnit"`
	MatchedRate         float64         `json:"matchedRate"`
	Confidence          float64         `json:"confidence"`
	Method              Method          `json:"matchMethod"`
	Breakdown           *ScoreBreakdown `json:"breakdown,omitempty"`
	TotalPrice          float64         `json:"totalPrice"`
	Notes               string          `json:"notes,omitempty"`
}

// ContextResult records a row without a quantity. It never reaches a strategy.
func ContextResult(jobID string, li LineItem) MatchResult {
	return MatchResult{
		JobID:               jobID,
		RowNumber:           li.RowNumber,
		OriginalDescription: li.Description,
		OriginalUnit:        li.Unit,
		Method:              MethodContext,
		Notes:               "Context header (no quantity)",
	}
}

// NewResult turns a strategy match into a persisted row.
func NewResult(jobID string, li LineItem, m Match) MatchResult {
	bd := m.Breakdown
	return MatchResult{
		JobID:               jobID,
		RowNumber:           li.RowNumber,
		OriginalDescription: li.Description,
		OriginalQuantity:    li.Qty(),
		OriginalUnit:        li.Unit,
		MatchedItemID:       m.Item.ID,
		MatchedDescription:  m.Item.Description,
		MatchedCode:         m.Item.Code,
		MatchedUnit:         m.Item.Unit,
		MatchedRate:         m.Item.Rate,
		Confidence:          m.Confidence,
		Method:              m.Method,
		Breakdown:           &bd,
		TotalPrice:          li.Qty() * m.Item.Rate,
	}
}

// FailedResult keeps the row in the output when matching raised an error.
func FailedResult(jobID string, li LineItem, method Method, err error) MatchResult {
	return MatchResult{
		JobID:               jobID,
		RowNumber:           li.RowNumber,
		OriginalDescription: li.Description,
		OriginalQuantity:    li.Qty(),
		OriginalUnit:        li.Unit,
		Method:              method,
		Notes:               fmt.Sprintf("Error: %v", err),
	}
}

// ManualOverride points a result at a catalog item chosen by a reviewer.
func (r *MatchResult) ManualOverride(item CatalogItem) {
	r.MatchedItemID = item.ID
	r.MatchedDescription = item.Description
	r.MatchedCode = item.Code
	r.MatchedUnit = item.Unit
	r.MatchedRate = item.Rate
	r.Confidence = 1
	r.Method = MethodManual
	r.Breakdown = nil
	r.TotalPrice = r.OriginalQuantity * item.Rate
	r.Notes = "Manually selected"
}
