package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/remote/remotetest"
)

func TestConformance(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store { return New() })
}

func TestHookFailsOperationWithoutWriting(t *testing.T) {
	s := New()
	boom := errors.New("connection reset")
	s.SetHook(func(_ context.Context, op Op, _, _ string) error {
		if op == OpInsert {
			return boom
		}
		return nil
	})

	_, _, err := s.Insert(context.Background(), remote.RecordsCollection, "r-1", remote.Document{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Len(remote.RecordsCollection))
	assert.Equal(t, 1, s.Calls(OpInsert))

	s.SetHook(nil)
	_, created, err := s.Insert(context.Background(), remote.RecordsCollection, "r-1", remote.Document{})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _, err := s.Insert(ctx, remote.ProjectsCollection, "p-1", remote.Document{"name": "Wells"})
	require.NoError(t, err)

	doc, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	doc["name"] = "mutated"

	again, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Wells", again["name"])
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetByID(ctx, remote.ProjectsCollection, "p-1")
	assert.ErrorIs(t, err, context.Canceled)
}
