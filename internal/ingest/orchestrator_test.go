package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk/internal/models"
	"ragdesk/internal/retrieval"
	"ragdesk/internal/retrieval/retrievaltest"
	"ragdesk/internal/service/library"
	"ragdesk/internal/storage"
	"ragdesk/internal/worker"
)

type fixture struct {
	store *library.Store
	srv   *retrievaltest.Server
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	srv := retrievaltest.NewServer()
	t.Cleanup(srv.Close)
	store := library.NewStore(db)
	client := retrieval.NewClient(srv.URL, 5*time.Second, 2*time.Second)
	return &fixture{store: store, srv: srv, orch: New(store, client, worker.NewManager())}
}

func (f *fixture) create(t *testing.T, id string, tags ...string) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), &models.Document{
		ID: id, Filename: id + ".pdf", StoredPath: "/data/" + id + ".pdf", Tags: tags,
	}))
}

func (f *fixture) get(t *testing.T, id string) *models.Document {
	t.Helper()
	doc, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

var defaultOpts = models.Options{ExtractorMode: "text", ChunkerMode: "semantic"}

func assertConsistent(t *testing.T, doc *models.Document) {
	t.Helper()
	switch doc.Status {
	case models.StatusProcessing:
		assert.Empty(t, doc.Error)
		assert.Zero(t, doc.ChunkCount)
	case models.StatusSuccess:
		assert.Empty(t, doc.Error)
	case models.StatusFailed:
		assert.NotEmpty(t, doc.Error)
	default:
		t.Fatalf("unknown status %q", doc.Status)
	}
}

func TestIngestSuccess(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a", "finance")

	out, err := f.orch.Ingest(context.Background(), "a", defaultOpts)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, 3, out.ChunkCount)

	doc := f.get(t, "a")
	assert.Equal(t, models.StatusSuccess, doc.Status)
	assert.Equal(t, 3, doc.ChunkCount)
	assertConsistent(t, doc)
}

func TestIngestFailureThenRetryClearsError(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	f.srv.FailDocument("a", "No text content found in PDF")

	out, err := f.orch.Ingest(context.Background(), "a", defaultOpts)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	doc := f.get(t, "a")
	assert.Equal(t, "No text content found in PDF", doc.Error)
	assertConsistent(t, doc)

	f.srv.ClearFailures()
	outs, err := f.orch.Reprocess(context.Background(), []string{"a"}, defaultOpts)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, models.StatusSuccess, outs[0].Status)

	doc = f.get(t, "a")
	assert.Equal(t, models.StatusSuccess, doc.Status)
	assert.Empty(t, doc.Error)
	assertConsistent(t, doc)
	assert.Equal(t, 1, f.srv.CallCount("DELETE /document/a"), "retry drops the previous index first")
}

func TestIngestUnreachableService(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	f.srv.SetDown(true)

	out, err := f.orch.Ingest(context.Background(), "a", defaultOpts)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, "retrieval service unavailable", f.get(t, "a").Error)
}

func TestIngestBatchPerItemOutcomes(t *testing.T) {
	f := newFixture(t)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.create(t, id)
	}
	f.srv.FailDocument("b", "broken")
	f.srv.FailDocument("d", "encrypted")

	outs, err := f.orch.IngestBatch(context.Background(), ids, defaultOpts)
	require.NoError(t, err)
	require.Len(t, outs, 5)
	assert.Equal(t, 1, f.srv.CallCount("POST /process-batch"))
	assert.Equal(t, 0, f.srv.CallCount("POST /process-pdf-path"))

	failed, succeeded := 0, 0
	for i, out := range outs {
		assert.Equal(t, ids[i], out.DocumentID)
		doc := f.get(t, out.DocumentID)
		assertConsistent(t, doc)
		switch doc.Status {
		case models.StatusFailed:
			failed++
		case models.StatusSuccess:
			succeeded++
		default:
			t.Fatalf("document %s left %s", doc.ID, doc.Status)
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, "encrypted", f.get(t, "d").Error)
}

func TestIngestBatchOutrightFailureMarksAll(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.create(t, id)
	}
	f.srv.SetDown(true)

	outs, err := f.orch.IngestBatch(context.Background(), []string{"a", "b", "c"}, defaultOpts)
	require.NoError(t, err)
	require.Len(t, outs, 3)
	for _, out := range outs {
		assert.Equal(t, models.StatusFailed, out.Status)
		assert.Equal(t, "retrieval service unavailable", out.Error)
	}
}

func TestIngestBatchOfOneUsesSinglePath(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")

	outs, err := f.orch.IngestBatch(context.Background(), []string{"a", "a"}, defaultOpts)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, 1, f.srv.CallCount("POST /process-pdf-path"))
	assert.Equal(t, 0, f.srv.CallCount("POST /process-batch"))
}

func TestIngestBatchRejectsMissingRecordBeforeRemoteCall(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")

	_, err := f.orch.IngestBatch(context.Background(), []string{"a", "ghost"}, defaultOpts)
	assert.ErrorIs(t, err, library.ErrNotFound)
	assert.Empty(t, f.srv.Calls())
}

func TestRechunkCacheMissLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	_, err := f.store.MarkFailed(context.Background(), "a", "earlier failure")
	require.NoError(t, err)

	_, err = f.orch.Rechunk(context.Background(), "a", models.Options{ChunkerMode: "agentic"})
	assert.ErrorIs(t, err, retrieval.ErrCacheMiss)
	doc := f.get(t, "a")
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, "earlier failure", doc.Error)
	assert.Equal(t, 0, f.srv.CallCount("POST /rechunk"))
	assert.Equal(t, 0, f.srv.CallCount("POST /process"))
}

func TestRechunkSkipsExtraction(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	_, err := f.orch.Ingest(context.Background(), "a", defaultOpts)
	require.NoError(t, err)

	out, err := f.orch.Rechunk(context.Background(), "a", models.Options{ExtractorMode: "vision", ChunkerMode: "agentic", MergeWindow: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, 5, out.ChunkCount)
	assert.Equal(t, 1, f.srv.CallCount("POST /process-pdf-path"))

	doc := f.get(t, "a")
	assert.Equal(t, "text", doc.Options.ExtractorMode)
	assert.Equal(t, "agentic", doc.Options.ChunkerMode)
}

// lateMiss reports a cache that is gone by the time rechunk runs.
type lateMiss struct{ Retrieval }

func (lateMiss) HasCache(context.Context, string) (bool, error) { return true, nil }
func (lateMiss) Rechunk(context.Context, string, models.Options) (int, error) {
	return 0, retrieval.ErrCacheMiss
}

func TestRechunkLateCacheMissRestores(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	_, err := f.store.MarkSuccess(context.Background(), "a", 9)
	require.NoError(t, err)

	orch := New(f.store, lateMiss{}, nil)
	out, err := orch.Rechunk(context.Background(), "a", models.Options{ChunkerMode: "semantic"})
	assert.ErrorIs(t, err, retrieval.ErrCacheMiss)
	assert.True(t, out.CacheMiss)

	doc := f.get(t, "a")
	assert.Equal(t, models.StatusSuccess, doc.Status)
	assert.Equal(t, 9, doc.ChunkCount)
}

func TestSubmitPersistsProcessingBeforeRemoteWork(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	f.create(t, "b")
	f.srv.Block = make(chan struct{})

	docs, task, err := f.orch.Submit(context.Background(), []string{"a", "b"}, defaultOpts)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, models.StatusProcessing, f.get(t, "a").Status)
	active, ok := f.orch.Tasks().Active("b")
	require.True(t, ok)
	assert.Equal(t, task, active)

	close(f.srv.Block)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("background task did not finish")
	}
	assert.Equal(t, models.StatusSuccess, f.get(t, "a").Status)
	assert.Equal(t, models.StatusSuccess, f.get(t, "b").Status)
}

func TestCancelledRunEndsFailed(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	f.srv.Block = make(chan struct{})
	defer close(f.srv.Block)

	_, task, err := f.orch.Submit(context.Background(), []string{"a"}, defaultOpts)
	require.NoError(t, err)
	task.Cancel()
	<-task.Done()

	doc := f.get(t, "a")
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "context canceled")
}

func TestTagFilteredQueryAfterIngest(t *testing.T) {
	f := newFixture(t)
	ids := []string{"f1", "f2", "f3"}
	for _, id := range ids {
		f.create(t, id, "finance")
	}
	_, err := f.orch.IngestBatch(context.Background(), ids, defaultOpts)
	require.NoError(t, err)

	client := retrieval.NewClient(f.srv.URL, time.Second, time.Second)
	results, err := client.Query(context.Background(), "revenue", retrieval.Filter{Tags: []string{"finance"}}, 5)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Contains(t, ids, r.DocumentID)
	}

	results, err = client.Query(context.Background(), "revenue", retrieval.Filter{Tags: []string{"legal"}}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
