// Package embedding turns text into vectors for the retrieval plane and
// audits every provider call.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loreline-ai/loreline/internal/model"
)

// Provider produces embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
	Model() string
	Dimensions() int
}

// OpenAI embeds via the OpenAI embeddings API.
type OpenAI struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAI builds the OpenAI embedding provider.
func NewOpenAI(apiKey, baseURL, modelName string, dims int) (*OpenAI, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("embedding: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: modelName, dims: dims}, nil
}

func (o *OpenAI) Name() string    { return "openai" }
func (o *OpenAI) Model() string   { return o.model }
func (o *OpenAI) Dimensions() int { return o.dims }

// Embed requests one embedding.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, model.WrapErr(model.KindDependency, "embedding: create embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, model.E(model.KindDependency, "embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Noop produces a deterministic pseudo-embedding from the content hash.
// Retrieval quality is meaningless but the pipeline stays exercisable in
// development and tests without a provider.
type Noop struct {
	Dims int
}

func (n Noop) Name() string    { return "noop" }
func (n Noop) Model() string   { return "noop" }
func (n Noop) Dimensions() int { return n.Dims }

// Embed hashes the text into a unit vector.
func (n Noop) Embed(_ context.Context, text string) ([]float32, error) {
	dims := n.Dims
	if dims <= 0 {
		dims = 1536
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		// Cycle through the digest, mixing in the position.
		word := binary.LittleEndian.Uint32(sum[(i*4)%28:]) ^ uint32(i)
		v := float32(word%2000)/1000 - 1
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}
