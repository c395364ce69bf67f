package retrieval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk/internal/models"
	"ragdesk/internal/retrieval/retrievaltest"
)

func newTestClient(t *testing.T) (*Client, *retrievaltest.Server) {
	t.Helper()
	srv := retrievaltest.NewServer()
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, 2*time.Second), srv
}

func TestExtractAndChunkAndCache(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	count, err := client.ExtractAndChunk(ctx, Item{ID: "doc-1", Filename: "a.pdf", Locator: "/tmp/a.pdf", Tags: []string{"finance"}},
		models.Options{ExtractorMode: "text", ChunkerMode: "semantic"})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	has, err := client.HasCache(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = client.HasCache(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, has)

	doc, ok := srv.Doc("doc-1")
	require.True(t, ok)
	assert.Equal(t, []string{"finance"}, doc.Tags)
}

func TestExtractAndChunkSurfacesDetail(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailDocument("doc-1", "No text content found in PDF")

	_, err := client.ExtractAndChunk(context.Background(), Item{ID: "doc-1", Filename: "a.pdf", Locator: "/tmp/a.pdf"}, models.Options{})
	require.Error(t, err)
	assert.Equal(t, "No text content found in PDF", err.Error())
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
}

func TestBatchExtractAndChunkPerItem(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailDocument("b", "Extraction failed: broken")

	results, err := client.BatchExtractAndChunk(context.Background(), []Item{
		{ID: "a", Filename: "a.pdf", Locator: "/tmp/a.pdf"},
		{ID: "b", Filename: "b.pdf", Locator: "/tmp/b.pdf"},
	}, models.Options{ExtractorMode: "vision"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].ChunkCount)
	assert.False(t, results[1].Success)
	assert.Equal(t, "Extraction failed: broken", results[1].Error)
}

func TestRechunkCacheMiss(t *testing.T) {
	client, srv := newTestClient(t)

	_, err := client.Rechunk(context.Background(), "missing", models.Options{ChunkerMode: "agentic"})
	assert.True(t, errors.Is(err, ErrCacheMiss))

	srv.Seed(retrievaltest.Doc{ID: "cached", Filename: "c.pdf", Chunks: 3, Cached: true})
	count, err := client.Rechunk(context.Background(), "cached", models.Options{ChunkerMode: "agentic", MergeWindow: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 0, srv.CallCount("POST /process-pdf-path"))
}

func TestQueryMapsMetadataAndKeepsOrder(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Seed(retrievaltest.Doc{ID: "a", Filename: "a.pdf", Tags: []string{"finance", "q1"}, Chunks: 2})
	srv.Seed(retrievaltest.Doc{ID: "b", Filename: "b.pdf", Tags: []string{"legal"}, Chunks: 2})

	results, err := client.Query(context.Background(), "revenue", Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.pdf", results[0].Filename)
	assert.Equal(t, 1, results[0].Page)
	assert.Equal(t, []string{"finance", "q1"}, results[0].Tags)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	results, err = client.Query(context.Background(), "revenue", Filter{Tags: []string{"legal"}}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].DocumentID)

	results, err = client.Query(context.Background(), "revenue", Filter{DocumentIDs: []string{"a"}}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].DocumentID)

	results, err = client.Query(context.Background(), "revenue", Filter{Tags: []string{"legal"}, DocumentIDs: []string{"a"}}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChunksPagesThroughDocument(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Seed(retrievaltest.Doc{ID: "a", Filename: "a.pdf", Tags: []string{"finance"}, Chunks: 5})

	chunks, err := client.Chunks(context.Background(), "a", 2, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a_chunk_1", chunks[0].ID)
	assert.Equal(t, "a.pdf", chunks[0].Filename)
	assert.Equal(t, 2, chunks[0].Page)
	assert.Equal(t, []string{"finance"}, chunks[0].Tags)
	assert.NotEmpty(t, chunks[0].Text)

	chunks, err = client.Chunks(context.Background(), "missing", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeleteIndexToleratesAbsence(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, time.Second)
	require.NoError(t, client.DeleteIndex(context.Background(), "gone"))
	assert.Equal(t, 1, hits)
}

func TestConfigAndHealth(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Seed(retrievaltest.Doc{ID: "a", Filename: "a.pdf", Tags: []string{"finance"}, Chunks: 4})

	caps, err := client.Config(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.Live)
	assert.Equal(t, []string{"text", "vision"}, caps.Ranges.ExtractorModes)
	assert.Equal(t, [2]int{0, 5}, caps.Ranges.MergeWindowRange)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Available)
	assert.Equal(t, 4, health.DocumentsCount)
	assert.Equal(t, []string{"finance"}, health.Tags)

	srv.BrokenConfig = true
	_, err = client.Config(context.Background())
	require.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client := NewClient(srv.URL, time.Second, 50*time.Millisecond)
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
