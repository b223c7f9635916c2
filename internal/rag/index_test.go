package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/models"
)

// stubEmbedding maps keyword classes onto orthogonal unit vectors so
// similarity ordering in tests is deterministic.
func stubEmbedding(_ context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "database"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(text, "token"):
		return []float32{0, 1, 0, 0}, nil
	case strings.Contains(text, "deploy"):
		return []float32{0, 0, 1, 0}, nil
	default:
		return []float32{0, 0, 0, 1}, nil
	}
}

func newTestIndex(t *testing.T, persistPath string) *Index {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	idx, err := open(persistPath, chromem.EmbeddingFunc(stubEmbedding), log)
	require.NoError(t, err)
	return idx
}

func seedTestIndex(t *testing.T, idx *Index) {
	t.Helper()
	ctx := context.Background()

	_, err := idx.Add(ctx, "doc-db", "the database schema lives in internal/db", map[string]string{"kind": "context"})
	require.NoError(t, err)
	_, err = idx.Add(ctx, "doc-auth", "agent token rotation happens on relaunch", nil)
	require.NoError(t, err)
	_, err = idx.Add(ctx, "doc-deploy", "deploy targets are staging and production", nil)
	require.NoError(t, err)
}

func TestOpenDisabledReturnsNilIndex(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	idx, err := Open(config.RAGConfig{Enabled: false, EmbeddingURL: "http://localhost:1234/v1"}, log)
	require.NoError(t, err)
	assert.Nil(t, idx)

	idx, err = Open(config.RAGConfig{Enabled: true, EmbeddingURL: ""}, log)
	require.NoError(t, err)
	assert.Nil(t, idx)
}

func TestAddAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, "")
	seedTestIndex(t, idx)

	require.Equal(t, 3, idx.Count())

	results, err := idx.Query(ctx, "where is the database schema", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "doc-db", results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 1e-3)
	assert.Contains(t, results[0].Content, "internal/db")
	assert.Equal(t, "context", results[0].Metadata["kind"])
}

func TestAddGeneratesIDWhenEmpty(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, "")

	id, err := idx.Add(ctx, "", "deploy notes", nil)
	require.NoError(t, err)

	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, 1, idx.Count())
}

func TestAddRejectsEmptyContent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, "")

	_, err := idx.Add(ctx, "doc-1", "   ", nil)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAddReplacesDocumentWithSameID(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, "")

	_, err := idx.Add(ctx, "pinned", "the database schema lives in internal/db", nil)
	require.NoError(t, err)
	_, err = idx.Add(ctx, "pinned", "deploy targets are staging and production", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, idx.Count())

	results, err := idx.Query(ctx, "deploy", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pinned", results[0].ID)
	assert.Contains(t, results[0].Content, "staging")
}

func TestQueryRejectsEmptyQuery(t *testing.T) {
	idx := newTestIndex(t, "")

	_, err := idx.Query(context.Background(), "  ", 3)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestQueryEmptyIndexReturnsNoResults(t *testing.T) {
	idx := newTestIndex(t, "")

	results, err := idx.Query(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryClampsTopKToCollectionSize(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, "")
	seedTestIndex(t, idx)

	results, err := idx.Query(ctx, "token rotation", 50)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "doc-auth", results[0].ID)

	// Zero falls back to the default rather than erroring.
	results, err = idx.Query(ctx, "token rotation", 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestIndexPersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx := newTestIndex(t, dir)
	_, err := idx.Add(ctx, "doc-db", "the database schema lives in internal/db", nil)
	require.NoError(t, err)

	reopened := newTestIndex(t, dir)
	require.Equal(t, 1, reopened.Count())

	results, err := reopened.Query(ctx, "database", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-db", results[0].ID)
}
