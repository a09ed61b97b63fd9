// Package remotetest holds the behavior every remote.Store backend must
// share. Backend packages run it from their own tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/fieldsync/internal/remote"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) remote.Store

// Run exercises a backend against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertThenGet", func(t *testing.T) { testInsertThenGet(t, newStore(t)) })
	t.Run("InsertAssignsID", func(t *testing.T) { testInsertAssignsID(t, newStore(t)) })
	t.Run("InsertIsIdempotent", func(t *testing.T) { testInsertIsIdempotent(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("QueryKeepsInsertionOrder", func(t *testing.T) { testQueryKeepsInsertionOrder(t, newStore(t)) })
	t.Run("UpdateSetsFields", func(t *testing.T) { testUpdateSetsFields(t, newStore(t)) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIsIdempotent(t, newStore(t)) })
	t.Run("IncrementField", func(t *testing.T) { testIncrementField(t, newStore(t)) })
	t.Run("UniquePin", func(t *testing.T) { testUniquePin(t, newStore(t)) })
}

func testInsertThenGet(t *testing.T, s remote.Store) {
	ctx := context.Background()

	id, created, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{
		"name":       "Wells",
		"projectPin": "123456",
		"formSections": []any{
			map[string]any{"id": "general", "name": "General", "order": 1},
		},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "p-1", id)

	doc, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", doc.ID())
	assert.Equal(t, "Wells", doc["name"])

	sections, ok := doc["formSections"].([]any)
	require.True(t, ok, "nested arrays decode as []any, got %T", doc["formSections"])
	require.Len(t, sections, 1)
	section, ok := sections[0].(map[string]any)
	require.True(t, ok, "nested documents decode as map[string]any, got %T", sections[0])
	assert.Equal(t, "General", section["name"])
}

func testInsertAssignsID(t *testing.T, s remote.Store) {
	id, created, err := s.Insert(context.Background(), remote.RecordsCollection, "", remote.Document{"projectId": "p-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)
}

func testInsertIsIdempotent(t *testing.T, s remote.Store) {
	ctx := context.Background()

	_, created, err := s.Insert(ctx, remote.RecordsCollection, "r-1", remote.Document{"projectId": "p-1", "n": "first"})
	require.NoError(t, err)
	require.True(t, created)

	id, created, err := s.Insert(ctx, remote.RecordsCollection, "r-1", remote.Document{"projectId": "p-1", "n": "second"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "r-1", id)

	docs, err := s.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, "p-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "first", docs[0]["n"])
}

func testGetMissing(t *testing.T, s remote.Store) {
	_, err := s.GetByID(context.Background(), remote.ProjectsCollection, "nope")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testQueryKeepsInsertionOrder(t *testing.T, s remote.Store) {
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r-%d", 9-i)
		want = append(want, id)
		_, _, err := s.Insert(ctx, remote.RecordsCollection, id, remote.Document{"projectId": "p-1"})
		require.NoError(t, err)
	}
	_, _, err := s.Insert(ctx, remote.RecordsCollection, "other", remote.Document{"projectId": "p-2"})
	require.NoError(t, err)

	docs, err := s.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, "p-1")
	require.NoError(t, err)

	var got []string
	for _, d := range docs {
		got = append(got, d.ID())
	}
	assert.Equal(t, want, got)

	none, err := s.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, "p-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateSetsFields(t *testing.T, s remote.Store) {
	ctx := context.Background()

	_, _, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{"name": "Wells", "category": "water"})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, remote.ProjectsCollection, "p-1", remote.Document{"name": "Boreholes"}))

	doc, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Boreholes", doc["name"])
	assert.Equal(t, "water", doc["category"])

	err = s.Update(ctx, remote.ProjectsCollection, "missing", remote.Document{"name": "x"})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testDeleteIsIdempotent(t *testing.T, s remote.Store) {
	ctx := context.Background()

	_, _, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{"name": "Wells"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, remote.ProjectsCollection, "p-1"))
	require.NoError(t, s.Delete(ctx, remote.ProjectsCollection, "p-1"))

	_, err = s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testIncrementField(t *testing.T, s remote.Store) {
	ctx := context.Background()

	_, _, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{"name": "Wells", "recordCount": 2})
	require.NoError(t, err)

	require.NoError(t, s.IncrementField(ctx, remote.ProjectsCollection, "p-1", remote.FieldRecordCount, 1))
	require.NoError(t, s.IncrementField(ctx, remote.ProjectsCollection, "p-1", remote.FieldRecordCount, 3))

	doc, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 6, toInt(t, doc[remote.FieldRecordCount]))

	require.NoError(t, s.IncrementField(ctx, remote.ProjectsCollection, "p-1", "visits", 1))
	doc, err = s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, toInt(t, doc["visits"]))

	err = s.IncrementField(ctx, remote.ProjectsCollection, "missing", remote.FieldRecordCount, 1)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testUniquePin(t *testing.T, s remote.Store) {
	ctx := context.Background()

	_, _, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{"projectPin": "123456"})
	require.NoError(t, err)

	_, _, err = s.Insert(ctx, remote.ProjectsCollection, "p-2", remote.Document{"projectPin": "123456"})
	assert.True(t, errors.Is(err, remote.ErrConflict), "want ErrConflict, got %v", err)

	_, err = s.GetByID(ctx, remote.ProjectsCollection, "p-2")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func toInt(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	t.Fatalf("not a number: %T %v", v, v)
	return 0
}
