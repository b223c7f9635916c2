// Package rag maintains the optional project knowledge index that backs the
// ask_project_rag and index_project_context tools. Documents are embedded
// through an OpenAI-compatible endpoint and stored in a local chromem
// collection, so the index survives restarts without an external service.
package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/models"

	"github.com/hivemux/hivemux/internal/common/config"
)

const (
	collectionName  = "project"
	persistFilename = "index.gob"
	defaultTopK     = 5
)

// Index is a persistent vector index over project knowledge snippets.
type Index struct {
	collection *chromem.Collection
	logger     *logger.Logger
}

// Result is a single retrieval hit ordered by similarity.
type Result struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Open builds the index from configuration. It returns (nil, nil) when RAG is
// disabled or no embedding endpoint is configured; callers treat a nil Index
// as "feature off" and skip registering the rag tools.
func Open(cfg config.RAGConfig, log *logger.Logger) (*Index, error) {
	if !cfg.Enabled || cfg.EmbeddingURL == "" {
		return nil, nil
	}
	apiKey := os.Getenv(cfg.EmbeddingAPIKeyEnv)
	embed := chromem.NewEmbeddingFuncOpenAICompat(cfg.EmbeddingURL, apiKey, cfg.EmbeddingModel, nil)
	return open(cfg.PersistPath, embed, log)
}

// open wires an index around an arbitrary embedding function. Tests use it to
// substitute a deterministic embedder.
func open(persistPath string, embed chromem.EmbeddingFunc, log *logger.Logger) (*Index, error) {
	var (
		db  *chromem.DB
		err error
	)
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, persistFilename), false)
		if err != nil {
			return nil, models.Internalf("open rag index: %v", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, models.Internalf("open rag collection: %v", err)
	}

	log = log.WithComponent("rag")
	log.Info("RAG index ready",
		zap.String("collection", collectionName),
		zap.Int("documents", collection.Count()),
		zap.Bool("persistent", persistPath != ""))

	return &Index{collection: collection, logger: log}, nil
}

// Add embeds and stores one document. An empty id gets a fresh UUID; adding
// with an existing id replaces that document. The stored id is returned.
func (i *Index) Add(ctx context.Context, id, content string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", models.Validationf("content is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	if err := i.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	}); err != nil {
		return "", models.Internalf("index document %s: %v", id, err)
	}
	i.logger.Debug("Document indexed", zap.String("id", id), zap.Int("documents", i.collection.Count()))
	return id, nil
}

// Remove drops one document from the index. Removing an id that was never
// indexed is a no-op.
func (i *Index) Remove(ctx context.Context, id string) error {
	if id == "" {
		return models.Validationf("document id is required")
	}
	if err := i.collection.Delete(ctx, nil, nil, id); err != nil {
		return models.Internalf("remove document %s: %v", id, err)
	}
	i.logger.Debug("Document removed", zap.String("id", id), zap.Int("documents", i.collection.Count()))
	return nil
}

// Query returns up to topK documents ranked by similarity to the query text.
// chromem rejects result counts above the collection size, so topK is clamped
// and an empty collection yields no results rather than an error.
func (i *Index) Query(ctx context.Context, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.Validationf("query is required")
	}
	count := i.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > count {
		topK = count
	}

	hits, err := i.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, models.Internalf("query rag index: %v", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			ID:         hit.ID,
			Content:    hit.Content,
			Similarity: hit.Similarity,
			Metadata:   hit.Metadata,
		})
	}
	return results, nil
}

// Count reports how many documents the index holds.
func (i *Index) Count() int {
	return i.collection.Count()
}
