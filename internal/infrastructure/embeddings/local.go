package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"LicitacionesExtractor/internal/faults"
)

// LocalClient calls a self-hosted sentence-transformer service. Its
// multilingual model emits shorter vectors than the primary provider,
// so results are tiled up to the storage dimension to keep the vector
// column uniform.
type LocalClient struct {
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
	logger     *slog.Logger
}

// NewLocalClient builds the fallback provider. dimensions is the target
// storage width, not the model's native output width.
func NewLocalClient(client *http.Client, baseURL, model string, dimensions int, logger *slog.Logger) *LocalClient {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if logger != nil {
		logger = logger.With("component", "embeddings.local")
	}
	return &LocalClient{client: client, baseURL: baseURL, model: model, dimensions: dimensions, logger: logger}
}

// Source identifies the provider in run counters and row metadata.
func (c *LocalClient) Source() string { return "fallback" }

type localRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text, tiled to the storage
// dimension.
func (c *LocalClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	op := "embeddings.local"
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(localRequest{Model: c.model, Texts: texts})
	if err != nil {
		return nil, faults.New(faults.KindUnknown, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, faults.New(faults.KindUnknown, op, err)
	}
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

	var payload localResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, faults.Parse(op, err)
	}
	if len(payload.Embeddings) != len(texts) {
		return nil, faults.Embedding(op, fmt.Errorf("expected %d vectors, got %d", len(texts), len(payload.Embeddings)))
	}

	vectors := make([][]float32, len(payload.Embeddings))
	for i, vec := range payload.Embeddings {
		if len(vec) == 0 {
			return nil, faults.Embedding(op, fmt.Errorf("vector %d is empty", i))
		}
		vectors[i] = Tile(vec, c.dimensions)
	}
	return vectors, nil
}

// Tile repeats a vector until it fills the target dimension. A 384-wide
// fallback vector becomes four concatenated copies at width 1536; this
// preserves cosine similarity between fallback vectors while fitting
// the fixed-width column.
func Tile(vec []float32, dimensions int) []float32 {
	if dimensions <= 0 || len(vec) == 0 || len(vec) == dimensions {
		return vec
	}
	out := make([]float32, dimensions)
	for i := range out {
		out[i] = vec[i%len(vec)]
	}
	return out
}
