package embedding

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/matching/model"
)

const (
	OpenAIDefaultBaseURL = "https://api.openai.com/v1"
	OpenAIDefaultModel   = "text-embedding-3-large"
	openAIMaxBatch       = 100
)

// OpenAI calls the OpenAI embeddings endpoint.
type OpenAI struct {
	httpClient
}

func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	return &OpenAI{newHTTPClient("openai", apiKey, OpenAIDefaultBaseURL, OpenAIDefaultModel, opts)}
}

func (c *OpenAI) Provider() model.Provider { return model.ProviderOpenAI }

func (c *OpenAI) MaxBatch() int { return openAIMaxBatch }

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAI) Embed(ctx context.Context, text string, kind InputKind) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, kind)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch ignores kind; OpenAI embeds queries and documents alike.
func (c *OpenAI) EmbedBatch(ctx context.Context, texts []string, _ InputKind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > openAIMaxBatch {
		return nil, eris.Wrapf(ErrProvider, "openai: batch of %d exceeds %d", len(texts), openAIMaxBatch)
	}

	var resp openAIResponse
	if err := c.postJSON(ctx, "/embeddings", openAIRequest{Input: texts, Model: c.model}, &resp); err != nil {
		return nil, err
	}
	if err := checkCount("openai", len(resp.Data), len(texts)); err != nil {
		return nil, err
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
