package memtier

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/patch"
)

// Match is a relevance hit from the retrieval index.
type Match struct {
	PatchID    string
	Similarity float32
}

// RetrievalIndex ranks cache-tier patches by relevance to a prompt.
// Kernel-tier patches bypass the index entirely; they are always
// injected.
type RetrievalIndex interface {
	Index(ctx context.Context, p *patch.Patch) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, prompt string, k int) ([]Match, error)
}

// ChromemIndexConfig holds configuration for the embedded vector index.
type ChromemIndexConfig struct {
	// Path is the directory for persistent storage. Empty means
	// in-memory only.
	Path string

	// Collection is the collection name. Default: "alignd_patches".
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemIndexConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "alignd_patches"
	}
}

// ChromemIndex implements RetrievalIndex on chromem-go, an embeddable
// vector database with no external service dependency.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemIndex creates a retrieval index. The embedding function is
// injected so tests can use a deterministic embedder.
func NewChromemIndex(config ChromemIndexConfig, embedFn chromem.EmbeddingFunc, logger *zap.Logger) (*ChromemIndex, error) {
	if embedFn == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	var db *chromem.DB
	var err error
	if config.Path != "" {
		if err := os.MkdirAll(config.Path, 0700); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", config.Path, err)
		}
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Collection, err)
	}

	logger.Info("retrieval index initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("documents", collection.Count()))

	return &ChromemIndex{db: db, collection: collection, logger: logger}, nil
}

// Index adds or replaces a patch document.
func (i *ChromemIndex) Index(ctx context.Context, p *patch.Patch) error {
	doc := chromem.Document{
		ID:      p.ID,
		Content: p.Text,
		Metadata: map[string]string{
			"decay_type":     string(p.DecayType),
			"source_outcome": p.SourceOutcomeID,
		},
	}
	if err := i.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing patch %s: %w", p.ID, err)
	}
	return nil
}

// Remove deletes a patch document. Removing an unknown ID is a no-op.
func (i *ChromemIndex) Remove(ctx context.Context, id string) error {
	if err := i.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("removing patch %s from index: %w", id, err)
	}
	return nil
}

// Query returns up to k patches ranked by similarity to the prompt.
func (i *ChromemIndex) Query(ctx context.Context, prompt string, k int) ([]Match, error) {
	count := i.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := i.collection.Query(ctx, prompt, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{PatchID: r.ID, Similarity: r.Similarity})
	}
	return matches, nil
}
