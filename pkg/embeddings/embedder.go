// Package embeddings provides text embeddings for name similarity scoring.
package embeddings

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Embedder turns text into a vector. Optional capability: components hold a
// nil Embedder when no provider is configured and fall back to edit-distance
// scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger ectologger.Logger
}

// NewOpenAIEmbedder creates an embedder. model defaults to
// text-embedding-3-small when empty.
func NewOpenAIEmbedder(apiKey string, model string, logger ectologger.Logger) *OpenAIEmbedder {
	embeddingModel := openai.SmallEmbedding3
	if model != "" {
		embeddingModel = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  embeddingModel,
		logger: logger,
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.OpenAIEmbedder.Embed")
	defer span.End()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to create embedding")
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}

	vector := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vector[i] = float64(v)
	}
	return vector, nil
}
