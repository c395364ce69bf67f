package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragdesk/internal/models"
)

var (
	// ErrNotFound is returned for unknown document ids.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidTransition is returned when a status change skips processing.
	ErrInvalidTransition = errors.New("invalid document status transition")
)

// Store is the document record store. It is the single owner of document
// rows; every write to one id runs under that id's lock inside a transaction.
type Store struct {
	db    *sql.DB
	locks keyedMutex

	mu       sync.RWMutex
	onChange []func(models.Document)
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OnChange registers fn to be called after every committed write that
// creates a record or changes its status.
func (s *Store) OnChange(fn func(models.Document)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify(doc *models.Document) {
	s.mu.RLock()
	hooks := s.onChange
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(*doc)
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const documentColumns = `id, filename, size, stored_path, status, error, chunk_count,
	extractor_mode, chunker_mode, merge_window, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc    models.Document
		errMsg sql.NullString
	)
	err := row.Scan(&doc.ID, &doc.Filename, &doc.Size, &doc.StoredPath, &doc.Status, &errMsg, &doc.ChunkCount,
		&doc.Options.ExtractorMode, &doc.Options.ChunkerMode, &doc.Options.MergeWindow, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Error = errMsg.String
	doc.Tags = []string{}
	return &doc, nil
}

// Create inserts a new record in the processing state. An empty ID is
// replaced by a random one.
func (s *Store) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("document required")
	}
	if strings.TrimSpace(doc.Filename) == "" {
		return errors.New("filename is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc.Status = models.StatusProcessing
	doc.Error = ""
	doc.ChunkCount = 0
	doc.Tags = models.NormalizeTags(doc.Tags)
	doc.CreatedAt = now
	doc.UpdatedAt = now

	unlock := s.locks.Lock(doc.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.Size, doc.StoredPath, doc.Status, nullString(doc.Error), doc.ChunkCount,
		doc.Options.ExtractorMode, doc.Options.ChunkerMode, doc.Options.MergeWindow, doc.CreatedAt, doc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if err := writeTags(ctx, tx, doc.ID, doc.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	s.notify(doc)
	return nil
}

// Get returns a fresh copy of one record.
func (s *Store) Get(ctx context.Context, id string) (*models.Document, error) {
	return getDocument(ctx, s.db, id)
}

func getDocument(ctx context.Context, q querier, id string) (*models.Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	rows, err := q.QueryContext(ctx, `SELECT tag FROM document_tags WHERE document_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("list document tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		doc.Tags = append(doc.Tags, tag)
	}
	return doc, rows.Err()
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := []*models.Document{}
	byID := make(map[string]*models.Document)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
		byID[doc.ID] = doc
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	tagRows, err := s.db.QueryContext(ctx, `SELECT document_id, tag FROM document_tags ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var id, tag string
		if err := tagRows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if doc, ok := byID[id]; ok {
			doc.Tags = append(doc.Tags, tag)
		}
	}
	return docs, tagRows.Err()
}

// Update applies fn to the current record and persists the result as one
// atomic read-modify-write. fn must not change the id.
func (s *Store) Update(ctx context.Context, id string, fn func(doc *models.Document) error) (*models.Document, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	before := *doc
	if err := fn(doc); err != nil {
		return nil, err
	}
	doc.ID = id
	doc.Tags = models.NormalizeTags(doc.Tags)
	doc.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET filename = ?, size = ?, stored_path = ?, status = ?, error = ?, chunk_count = ?,
			extractor_mode = ?, chunker_mode = ?, merge_window = ?, updated_at = ? WHERE id = ?`,
		doc.Filename, doc.Size, doc.StoredPath, doc.Status, nullString(doc.Error), doc.ChunkCount,
		doc.Options.ExtractorMode, doc.Options.ChunkerMode, doc.Options.MergeWindow, doc.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	if !equalTags(before.Tags, doc.Tags) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, id); err != nil {
			return nil, fmt.Errorf("clear tags: %w", err)
		}
		if err := writeTags(ctx, tx, id, doc.Tags); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update document: %w", err)
	}
	if before.Status != doc.Status || before.ChunkCount != doc.ChunkCount || before.Error != doc.Error {
		s.notify(doc)
	}
	return doc, nil
}

// MarkProcessing resets a record for a new ingestion run with opts.
func (s *Store) MarkProcessing(ctx context.Context, id string, opts models.Options) (*models.Document, error) {
	return s.Update(ctx, id, func(doc *models.Document) error {
		doc.Status = models.StatusProcessing
		doc.Error = ""
		doc.ChunkCount = 0
		doc.Options.ChunkerMode = opts.ChunkerMode
		doc.Options.MergeWindow = opts.MergeWindow
		if !opts.RechunkOnly {
			doc.Options.ExtractorMode = opts.ExtractorMode
		}
		return nil
	})
}

// MarkSuccess finishes a processing record with its chunk count.
func (s *Store) MarkSuccess(ctx context.Context, id string, chunks int) (*models.Document, error) {
	return s.Update(ctx, id, func(doc *models.Document) error {
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, models.StatusSuccess)
		}
		doc.Status = models.StatusSuccess
		doc.Error = ""
		doc.ChunkCount = max(chunks, 0)
		return nil
	})
}

// MarkFailed finishes a processing record with an error. The chunk count is
// left as it was.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*models.Document, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "processing failed"
	}
	return s.Update(ctx, id, func(doc *models.Document) error {
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, models.StatusFailed)
		}
		doc.Status = models.StatusFailed
		doc.Error = reason
		return nil
	})
}

// Restore puts back the status, error, chunk count and options captured in
// prev. Used to undo a processing mark when no work was started.
func (s *Store) Restore(ctx context.Context, prev *models.Document) (*models.Document, error) {
	if prev == nil {
		return nil, errors.New("document required")
	}
	return s.Update(ctx, prev.ID, func(doc *models.Document) error {
		doc.Status = prev.Status
		doc.Error = prev.Error
		doc.ChunkCount = prev.ChunkCount
		doc.Options = prev.Options
		return nil
	})
}

// UpdateTags replaces the tag set of a record.
func (s *Store) UpdateTags(ctx context.Context, id string, tags []string) (*models.Document, error) {
	return s.Update(ctx, id, func(doc *models.Document) error {
		doc.Tags = models.NormalizeTags(tags)
		return nil
	})
}

// Delete removes one record and its tags.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

// DeleteAll removes every record and returns how many were deleted.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags`); err != nil {
		return 0, fmt.Errorf("delete tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("document rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete documents: %w", err)
	}
	return affected, nil
}

func writeTags(ctx context.Context, tx *sql.Tx, id string, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_tags (document_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
