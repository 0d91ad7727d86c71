package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"LicitacionesExtractor/internal/faults"
)

// OpenAIClient calls an OpenAI-compatible embeddings endpoint. Requests
// pass through a shared rate limiter so batch loops cannot burst past
// the provider quota.
type OpenAIClient struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewOpenAIClient builds the primary provider. ratePerSecond <= 0
// disables throttling.
func NewOpenAIClient(client *http.Client, endpoint, apiKey, model string, dimensions int, ratePerSecond float64, logger *slog.Logger) *OpenAIClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	if logger != nil {
		logger = logger.With("component", "embeddings.openai")
	}
	return &OpenAIClient{
		client:     client,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		limiter:    limiter,
		logger:     logger,
	}
}

// Source identifies the provider in run counters and row metadata.
func (c *OpenAIClient) Source() string { return "openai" }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	op := "embeddings.openai"
	if c.apiKey == "" {
		return nil, faults.Auth(op, errors.New("api key is not configured"))
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, faults.New(faults.KindUnknown, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.New(faults.KindUnknown, op, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.Connection(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, faults.FromHTTPStatus(op, resp.StatusCode)
	}

	var payload embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, faults.Parse(op, err)
	}
	if len(payload.Data) != len(texts) {
		return nil, faults.Embedding(op, fmt.Errorf("expected %d vectors, got %d", len(texts), len(payload.Data)))
	}

	vectors := make([][]float32, len(payload.Data))
	for i, item := range payload.Data {
		if c.dimensions > 0 && len(item.Embedding) != c.dimensions {
			return nil, faults.Embedding(op, fmt.Errorf("vector %d has %d dimensions, want %d", i, len(item.Embedding), c.dimensions))
		}
		vectors[i] = item.Embedding
	}
	return vectors, nil
}
