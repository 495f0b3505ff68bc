package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
)

// Ollama embeds via a local Ollama server's /api/embeddings endpoint.
type Ollama struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllama builds the Ollama embedding provider.
func NewOllama(baseURL, modelName string, dims int) *Ollama {
	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *Ollama) Name() string    { return "ollama" }
func (o *Ollama) Model() string   { return o.model }
func (o *Ollama) Dimensions() int { return o.dims }

// Embed requests one embedding.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": o.model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, model.WrapErr(model.KindDependency, "embedding: ollama call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.Ef(model.KindDependency, "embedding: ollama returned %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, model.WrapErr(model.KindDependency, "embedding: decode ollama response", err)
	}
	if len(out.Embedding) == 0 {
		return nil, model.E(model.KindDependency, "embedding: empty ollama response")
	}
	return out.Embedding, nil
}
