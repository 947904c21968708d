package embedding

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/matching/model"
)

const (
	CohereDefaultBaseURL = "https://api.cohere.com"
	CohereDefaultModel   = "embed-english-v3.0"
	cohereMaxBatch       = 96
)

// Cohere calls the Cohere v1 embed endpoint.
type Cohere struct {
	httpClient
}

// NewCohere builds a Cohere embedder. An empty apiKey yields an embedder
// whose every call fails with ErrProvider.
func NewCohere(apiKey string, opts ...Option) *Cohere {
	return &Cohere{newHTTPClient("cohere", apiKey, CohereDefaultBaseURL, CohereDefaultModel, opts)}
}

func (c *Cohere) Provider() model.Provider { return model.ProviderCohere }

func (c *Cohere) MaxBatch() int { return cohereMaxBatch }

type cohereRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

// cohereResponse accepts both the plain list form and the typed
// {"float": [...]} form of "embeddings".
type cohereResponse struct {
	Embeddings json.RawMessage `json:"embeddings"`
}

func (r cohereResponse) vectors() ([][]float32, error) {
	var plain [][]float32
	if err := json.Unmarshal(r.Embeddings, &plain); err == nil {
		return plain, nil
	}
	var typed struct {
		Float [][]float32 `json:"float"`
	}
	if err := json.Unmarshal(r.Embeddings, &typed); err != nil {
		return nil, eris.Wrapf(ErrProvider, "cohere: unexpected embeddings shape: %v", err)
	}
	return typed.Float, nil
}

func (c *Cohere) Embed(ctx context.Context, text string, kind InputKind) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, kind)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Cohere) EmbedBatch(ctx context.Context, texts []string, kind InputKind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > cohereMaxBatch {
		return nil, eris.Wrapf(ErrProvider, "cohere: batch of %d exceeds %d", len(texts), cohereMaxBatch)
	}
	inputType := "search_query"
	if kind == KindDocument {
		inputType = "search_document"
	}

	var resp cohereResponse
	req := cohereRequest{Texts: texts, Model: c.model, InputType: inputType, Truncate: "END"}
	if err := c.postJSON(ctx, "/v1/embed", req, &resp); err != nil {
		return nil, err
	}
	vecs, err := resp.vectors()
	if err != nil {
		return nil, err
	}
	if err := checkCount("cohere", len(vecs), len(texts)); err != nil {
		return nil, err
	}
	return vecs, nil
}
