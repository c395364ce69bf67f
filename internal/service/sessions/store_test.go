package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk/internal/models"
	"ragdesk/internal/storage"
)

func newTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, limit)
}

func TestSaveGetRoundTripWithCitations(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	saved, err := store.Save(ctx, &models.Session{
		Title: "Quarterly revenue",
		Turns: []models.Turn{
			{Role: models.RoleUser, Content: "What was Q1 revenue?"},
			{Role: models.RoleAssistant, Content: "About 4M.", Citations: []models.Citation{
				{Filename: "q1.pdf", Page: 3, Similarity: 0.91, Tags: []string{"finance"}},
			}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly revenue", got.Title)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, models.RoleUser, got.Turns[0].Role)
	assert.Empty(t, got.Turns[0].Citations)
	require.Len(t, got.Turns[1].Citations, 1)
	assert.Equal(t, "q1.pdf", got.Turns[1].Citations[0].Filename)
	assert.Equal(t, 3, got.Turns[1].Citations[0].Page)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverwritesTranscript(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	first, err := store.Save(ctx, &models.Session{ID: "s1", Title: "t", Turns: []models.Turn{
		{Role: models.RoleUser, Content: "one"},
	}})
	require.NoError(t, err)

	second, err := store.Save(ctx, &models.Session{ID: "s1", Title: "t2", Turns: []models.Turn{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
	}})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.Title)
	require.Len(t, got.Turns, 3)
	assert.Equal(t, "three", got.Turns[2].Content)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].TurnCount)
}

func TestSaveRejectsInvalidRole(t *testing.T) {
	store := newTestStore(t, 0)
	_, err := store.Save(context.Background(), &models.Session{Turns: []models.Turn{{Role: "tool", Content: "x"}}})
	require.Error(t, err)
}

func TestSaveEvictsOldest(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, &models.Session{ID: fmt.Sprintf("s%d", i), Title: "x"})
		require.NoError(t, err)
	}
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "s4", list[0].ID)

	_, err = store.Get(ctx, "s0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveNeverEvictsSessionJustSaved(t *testing.T) {
	store := newTestStore(t, 1)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	_, err := store.Save(ctx, &models.Session{ID: "a", Title: "first"})
	require.NoError(t, err)
	_, err = store.Save(ctx, &models.Session{ID: "b", Title: "second"})
	require.NoError(t, err)

	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	_, err := store.Save(ctx, &models.Session{ID: "s1", Title: "x", Turns: []models.Turn{{Role: models.RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1"))
	assert.ErrorIs(t, store.Delete(ctx, "s1"), ErrNotFound)

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
