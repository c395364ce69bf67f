package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ragdesk/internal/metrics"
	"ragdesk/internal/models"
	"ragdesk/internal/retrieval"
	"ragdesk/internal/service/library"
	"ragdesk/internal/worker"
)

// Retrieval is the part of the retrieval service the orchestrator drives.
type Retrieval interface {
	ExtractAndChunk(ctx context.Context, item retrieval.Item, opts models.Options) (int, error)
	BatchExtractAndChunk(ctx context.Context, items []retrieval.Item, opts models.Options) ([]retrieval.BatchResult, error)
	HasCache(ctx context.Context, id string) (bool, error)
	Rechunk(ctx context.Context, id string, opts models.Options) (int, error)
	DeleteIndex(ctx context.Context, id string) error
}

// Outcome is the result of one document's ingestion run.
type Outcome struct {
	DocumentID string                `json:"document_id"`
	Status     models.DocumentStatus `json:"status"`
	ChunkCount int                   `json:"chunk_count"`
	Error      string                `json:"error,omitempty"`
	// CacheMiss is set when a rechunk found no extraction cache; the record
	// keeps the state it had before the attempt.
	CacheMiss bool `json:"cache_miss,omitempty"`
}

const (
	kindProcess = "process"
	kindBatch   = "batch"
	kindRechunk = "rechunk"
)

// Orchestrator moves documents through processing -> success|failed.
type Orchestrator struct {
	store     *library.Store
	retrieval Retrieval
	tasks     *worker.Manager
}

func New(store *library.Store, rc Retrieval, tasks *worker.Manager) *Orchestrator {
	if tasks == nil {
		tasks = worker.NewManager()
	}
	return &Orchestrator{store: store, retrieval: rc, tasks: tasks}
}

// Tasks exposes the background task manager.
func (o *Orchestrator) Tasks() *worker.Manager {
	return o.tasks
}

// job is a prepared run: every record is already persisted as processing.
type job struct {
	docs      []*models.Document
	prevs     []*models.Document
	opts      models.Options
	reprocess bool
}

func (j *job) ids() []string {
	ids := make([]string, len(j.docs))
	for i, doc := range j.docs {
		ids[i] = doc.ID
	}
	return ids
}

func (j *job) kind() string {
	switch {
	case j.opts.RechunkOnly:
		return kindRechunk
	case len(j.docs) > 1:
		return kindBatch
	default:
		return kindProcess
	}
}

// Ingest runs full extraction and chunking for one record.
func (o *Orchestrator) Ingest(ctx context.Context, id string, opts models.Options) (Outcome, error) {
	opts.RechunkOnly = false
	j, err := o.prepare(ctx, []string{id}, opts, false)
	if err != nil {
		return Outcome{}, err
	}
	return o.execute(ctx, j)[0], nil
}

// IngestBatch runs extraction for several records in one remote call. The
// outcome list follows ids order, one entry per distinct id.
func (o *Orchestrator) IngestBatch(ctx context.Context, ids []string, opts models.Options) ([]Outcome, error) {
	opts.RechunkOnly = false
	j, err := o.prepare(ctx, ids, opts, false)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, j), nil
}

// Rechunk re-runs chunking on the cached extraction of one record. Without a
// cache it returns retrieval.ErrCacheMiss and leaves the record untouched.
func (o *Orchestrator) Rechunk(ctx context.Context, id string, opts models.Options) (Outcome, error) {
	opts.RechunkOnly = true
	j, err := o.prepare(ctx, []string{id}, opts, true)
	if err != nil {
		return Outcome{}, err
	}
	out := o.execute(ctx, j)[0]
	if out.CacheMiss {
		return out, retrieval.ErrCacheMiss
	}
	return out, nil
}

// Reprocess re-runs records that were processed before. Full runs drop the
// existing index entries first; rechunk-only runs reuse the extraction cache.
func (o *Orchestrator) Reprocess(ctx context.Context, ids []string, opts models.Options) ([]Outcome, error) {
	j, err := o.prepare(ctx, ids, opts, true)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, j), nil
}

// Submit persists the processing state of freshly stored records and runs
// the remote work in the background.
func (o *Orchestrator) Submit(ctx context.Context, ids []string, opts models.Options) ([]*models.Document, *worker.Task, error) {
	opts.RechunkOnly = false
	return o.start(ctx, ids, opts, false)
}

// Resubmit is the background form of Reprocess.
func (o *Orchestrator) Resubmit(ctx context.Context, ids []string, opts models.Options) ([]*models.Document, *worker.Task, error) {
	return o.start(ctx, ids, opts, true)
}

func (o *Orchestrator) start(ctx context.Context, ids []string, opts models.Options, reprocess bool) ([]*models.Document, *worker.Task, error) {
	j, err := o.prepare(ctx, ids, opts, reprocess)
	if err != nil {
		return nil, nil, err
	}
	task, err := o.tasks.Go(j.ids(), j.kind(), func(taskCtx context.Context) error {
		o.execute(taskCtx, j)
		return nil
	})
	if err != nil {
		// nothing will finish these records otherwise
		for _, doc := range j.docs {
			o.finish(ctx, j.kind(), doc.ID, 0, err)
		}
		return nil, nil, err
	}
	return j.docs, task, nil
}

// prepare validates every record before any remote call and persists the
// processing state. Rechunk-only runs require an extraction cache for every
// record.
func (o *Orchestrator) prepare(ctx context.Context, ids []string, opts models.Options, reprocess bool) (*job, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, errors.New("no documents to process")
	}
	prevs := make([]*models.Document, len(ids))
	for i, id := range ids {
		doc, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		prevs[i] = doc
	}
	if opts.RechunkOnly {
		for _, doc := range prevs {
			has, err := o.retrieval.HasCache(ctx, doc.ID)
			if err != nil {
				// the rechunk call itself will report the outage
				log.Printf("ingest: cache check for %s failed: %v", doc.ID, err)
				continue
			}
			if !has {
				return nil, fmt.Errorf("document %s: %w", doc.ID, retrieval.ErrCacheMiss)
			}
		}
	}

	j := &job{prevs: prevs, opts: opts, reprocess: reprocess}
	for _, prev := range prevs {
		doc, err := o.store.MarkProcessing(ctx, prev.ID, opts)
		if err != nil {
			// roll back the ones already flipped
			for i, done := range j.docs {
				if _, rerr := o.store.Restore(context.WithoutCancel(ctx), j.prevs[i]); rerr != nil {
					log.Printf("ingest: restore %s failed: %v", done.ID, rerr)
				}
			}
			return nil, fmt.Errorf("document %s: %w", prev.ID, err)
		}
		j.docs = append(j.docs, doc)
	}
	return j, nil
}

// execute performs the remote calls of a prepared job and records one
// terminal state per record.
func (o *Orchestrator) execute(ctx context.Context, j *job) []Outcome {
	if j.opts.RechunkOnly {
		outcomes := make([]Outcome, len(j.docs))
		for i, doc := range j.docs {
			outcomes[i] = o.runRechunk(ctx, doc, j.prevs[i], j.opts)
		}
		return outcomes
	}
	if j.reprocess {
		for _, doc := range j.docs {
			if err := o.retrieval.DeleteIndex(ctx, doc.ID); err != nil {
				log.Printf("ingest: drop previous index of %s failed: %v", doc.ID, err)
			}
		}
	}
	if len(j.docs) == 1 {
		return []Outcome{o.runSingle(ctx, j.docs[0], j.opts)}
	}
	return o.runBatch(ctx, j.docs, j.opts)
}

func (o *Orchestrator) runSingle(ctx context.Context, doc *models.Document, opts models.Options) Outcome {
	count, err := o.retrieval.ExtractAndChunk(ctx, itemFor(doc), opts)
	return o.finish(ctx, kindProcess, doc.ID, count, err)
}

func (o *Orchestrator) runBatch(ctx context.Context, docs []*models.Document, opts models.Options) []Outcome {
	items := make([]retrieval.Item, len(docs))
	for i, doc := range docs {
		items[i] = itemFor(doc)
	}
	outcomes := make([]Outcome, len(docs))
	results, err := o.retrieval.BatchExtractAndChunk(ctx, items, opts)
	if err != nil {
		log.Printf("ingest: batch of %d failed outright: %v", len(docs), err)
		for i, doc := range docs {
			outcomes[i] = o.finish(ctx, kindBatch, doc.ID, 0, err)
		}
		return outcomes
	}

	byID := make(map[string]retrieval.BatchResult, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}
	for i, doc := range docs {
		res, ok := byID[doc.ID]
		switch {
		case !ok:
			outcomes[i] = o.finish(ctx, kindBatch, doc.ID, 0, errors.New("no result returned for document"))
		case !res.Success:
			reason := res.Error
			if reason == "" {
				reason = "processing failed"
			}
			outcomes[i] = o.finish(ctx, kindBatch, doc.ID, 0, errors.New(reason))
		default:
			outcomes[i] = o.finish(ctx, kindBatch, doc.ID, res.ChunkCount, nil)
		}
	}
	return outcomes
}

func (o *Orchestrator) runRechunk(ctx context.Context, doc, prev *models.Document, opts models.Options) Outcome {
	count, err := o.retrieval.Rechunk(ctx, doc.ID, opts)
	if errors.Is(err, retrieval.ErrCacheMiss) {
		restored, rerr := o.store.Restore(context.WithoutCancel(ctx), prev)
		if rerr != nil {
			log.Printf("ingest: restore %s after cache miss failed: %v", doc.ID, rerr)
			return o.finish(ctx, kindRechunk, doc.ID, 0, err)
		}
		metrics.IngestOutcomes.WithLabelValues(kindRechunk, "cache_miss").Inc()
		return Outcome{
			DocumentID: doc.ID,
			Status:     restored.Status,
			ChunkCount: restored.ChunkCount,
			Error:      err.Error(),
			CacheMiss:  true,
		}
	}
	return o.finish(ctx, kindRechunk, doc.ID, count, err)
}

// finish records the terminal state. Writes outlive cancellation of ctx so a
// cancelled run still ends as failed rather than stuck in processing.
func (o *Orchestrator) finish(ctx context.Context, kind, id string, count int, cause error) Outcome {
	writeCtx := context.WithoutCancel(ctx)
	var (
		doc *models.Document
		err error
	)
	if cause == nil {
		doc, err = o.store.MarkSuccess(writeCtx, id, count)
	} else {
		doc, err = o.store.MarkFailed(writeCtx, id, cause.Error())
	}
	out := Outcome{DocumentID: id}
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			log.Printf("ingest: %s removed while processing", id)
		} else {
			log.Printf("ingest: record terminal state of %s failed: %v", id, err)
		}
		out.Status = models.StatusFailed
		if cause != nil {
			out.Error = cause.Error()
		} else {
			out.Error = err.Error()
		}
		metrics.IngestOutcomes.WithLabelValues(kind, string(out.Status)).Inc()
		return out
	}
	out.Status = doc.Status
	out.ChunkCount = doc.ChunkCount
	out.Error = doc.Error
	metrics.IngestOutcomes.WithLabelValues(kind, string(out.Status)).Inc()
	return out
}

func itemFor(doc *models.Document) retrieval.Item {
	return retrieval.Item{
		ID:       doc.ID,
		Filename: doc.Filename,
		Locator:  doc.StoredPath,
		Tags:     doc.Tags,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
