package memtier

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbeddingProviderConfig holds the settings for the embedding endpoint
// feeding the retrieval index.
type EmbeddingProviderConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// NewEmbeddingFunc builds a chromem embedding function from an
// OpenAI-compatible endpoint (OpenAI, TEI, or any local server).
func NewEmbeddingFunc(config EmbeddingProviderConfig) (chromem.EmbeddingFunc, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	if config.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(config.Model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return WrapEmbedder(embedder), nil
}

// WrapEmbedder adapts a langchaingo embedder to chromem's function type.
func WrapEmbedder(embedder embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
}
