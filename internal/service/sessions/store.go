package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ragdesk/internal/config"
	"ragdesk/internal/models"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store persists conversation transcripts. It keeps at most limit sessions,
// evicting the least recently updated ones on save.
type Store struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// NewStore wraps an open, migrated database. A non-positive limit uses the
// default cap.
func NewStore(db *sql.DB, limit int) *Store {
	if limit <= 0 {
		limit = config.DefaultMaxSessions
	}
	return &Store{db: db, limit: limit, now: time.Now}
}

// List returns summaries ordered by last update, newest first.
func (s *Store) List(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.updated_at,
			(SELECT COUNT(*) FROM chat_turns t WHERE t.session_id = s.id)
		FROM chat_sessions s
		ORDER BY s.updated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []models.SessionSummary{}
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.UpdatedAt, &sum.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Get returns one session with its ordered transcript.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, citations, created_at FROM chat_turns WHERE session_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	session.Turns = []models.Turn{}
	for rows.Next() {
		var (
			turn      models.Turn
			citations sql.NullString
		)
		if err := rows.Scan(&turn.Role, &turn.Content, &citations, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &turn.Citations); err != nil {
				return nil, fmt.Errorf("decode citations: %w", err)
			}
		}
		session.Turns = append(session.Turns, turn)
	}
	return &session, rows.Err()
}

// Save upserts a session by id, replacing its transcript. An empty id gets a
// random one. The saved session is returned with timestamps filled in.
func (s *Store) Save(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session == nil {
		return nil, errors.New("session required")
	}
	for i, turn := range session.Turns {
		if !turn.Role.Valid() {
			return nil, fmt.Errorf("turn %d: invalid role %q", i, turn.Role)
		}
	}
	saved := *session
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	saved.Title = strings.TrimSpace(saved.Title)
	now := s.now().UTC()
	saved.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM chat_sessions WHERE id = ?`, saved.ID).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		saved.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			saved.ID, saved.Title, saved.CreatedAt, saved.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	default:
		saved.CreatedAt = createdAt
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`,
			saved.Title, saved.UpdatedAt, saved.ID,
		); err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_turns WHERE session_id = ?`, saved.ID); err != nil {
			return nil, fmt.Errorf("clear turns: %w", err)
		}
	}

	turns := make([]models.Turn, len(saved.Turns))
	for i, turn := range saved.Turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		var citations sql.NullString
		if len(turn.Citations) > 0 {
			raw, err := json.Marshal(turn.Citations)
			if err != nil {
				return nil, fmt.Errorf("encode citations: %w", err)
			}
			citations = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_turns (session_id, position, role, content, citations, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			saved.ID, i, turn.Role, turn.Content, citations, turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert turn: %w", err)
		}
		turns[i] = turn
	}
	saved.Turns = turns

	if err := s.evict(ctx, tx, saved.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save session: %w", err)
	}
	return &saved, nil
}

// evict drops sessions beyond the cap, oldest first. The session just saved
// counts toward the cap but is never dropped.
func (s *Store) evict(ctx context.Context, tx *sql.Tx, keep string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM chat_sessions WHERE id <> ? ORDER BY updated_at DESC, id`, keep)
	if err != nil {
		return fmt.Errorf("find evictable sessions: %w", err)
	}
	var (
		stale []string
		seen  = 1
	)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan session id: %w", err)
		}
		if seen++; seen > s.limit {
			stale = append(stale, id)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("find evictable sessions: %w", err)
	}
	for _, id := range stale {
		if err := deleteSession(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a session and its transcript.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSession(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func deleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
