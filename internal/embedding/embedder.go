// Package embedding talks to the external embedding providers and caches
// the vectors they return.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/resilience"
)

// ErrProvider marks any failure to obtain a vector from a provider.
var ErrProvider = eris.New("embedding provider failed")

// InputKind tells the provider which side of a search a text is on.
type InputKind int

const (
	KindQuery InputKind = iota
	KindDocument
)

// Embedder produces fixed-dimension vectors for texts.
type Embedder interface {
	// Provider is the tag stored next to every vector this embedder makes.
	Provider() model.Provider
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string, kind InputKind) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string, kind InputKind) ([][]float32, error)
	// MaxBatch is the largest batch a single request accepts.
	MaxBatch() int
}

// Option configures an HTTP embedder.
type Option func(*httpClient)

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel overrides the provider's default model.
func WithModel(m string) Option {
	return func(c *httpClient) {
		if m != "" {
			c.model = m
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	service string
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newHTTPClient(service, apiKey, baseURL, model string, opts []Option) httpClient {
	c := httpClient{
		service: service,
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// postJSON sends in and decodes the reply into out. Every failure wraps
// ErrProvider; retryable ones are also TransientErrors.
func (c *httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	if c.apiKey == "" {
		return eris.Wrapf(ErrProvider, "%s: api key not configured", c.service)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return eris.Wrapf(ErrProvider, "%s: marshal request: %v", c.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(ErrProvider, "%s: create request: %v", c.service, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		perr := eris.Wrapf(ErrProvider, "%s: request failed: %v", c.service, err)
		if resilience.IsTransient(err) {
			return resilience.NewTransientError(perr, 0)
		}
		return perr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(ErrProvider, "%s: read response body: %v", c.service, err), resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		perr := eris.Wrapf(ErrProvider, "%s: status %d: %s", c.service, resp.StatusCode, truncate(raw, 300))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(perr, resp.StatusCode)
		}
		return perr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrapf(ErrProvider, "%s: decode response: %v", c.service, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func checkCount(service string, got, want int) error {
	if got != want {
		return eris.Wrapf(ErrProvider, "%s: got %d vectors for %d texts", service, got, want)
	}
	return nil
}
