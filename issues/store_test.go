package issues

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersg17/demoApp-sub002/errors"
	testdb "github.com/rogersg17/demoApp-sub002/internal/testing"
)

func sighting(execID string, at time.Time) Sighting {
	return Sighting{ExecutionID: execID, At: at}
}

func newLink(fp, issueID string, at time.Time) *Link {
	return &Link{
		Fingerprint: fp,
		IssueID:     issueID,
		State:       StateOpen,
		Title:       "login succeeds",
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestStoreCreateGetUpdate(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "fp1")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, store.Create(ctx, newLink("fp1", "42", at), sighting("exec-1", at)))

	link, err := store.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "42", link.IssueID)
	assert.Equal(t, StateOpen, link.State)
	assert.True(t, at.Equal(link.CreatedAt))

	link.RetryCount = 2
	link.LastBuild = "build-9"
	link.UpdatedAt = at.Add(time.Hour)
	require.NoError(t, store.Update(ctx, link, sighting("exec-2", link.UpdatedAt)))

	byIssue, err := store.GetByIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, byIssue.RetryCount)
	assert.Equal(t, "build-9", byIssue.LastBuild)

	err = store.Update(ctx, newLink("missing", "x", at), sighting("exec-3", at))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreOneToOne(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, store.Create(ctx, newLink("fp1", "1", at), sighting("exec-1", at)))

	err := store.Create(ctx, newLink("fp1", "2", at), sighting("exec-2", at))
	assert.True(t, errors.Is(err, errors.ErrConflict), "fingerprint already linked")

	err = store.Create(ctx, newLink("fp2", "1", at), sighting("exec-3", at))
	assert.True(t, errors.Is(err, errors.ErrConflict), "issue already linked")
}

func TestStoreStateAndList(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, newLink("fp1", "1", at), sighting("exec-1", at)))
	require.NoError(t, store.Create(ctx, newLink("fp2", "2", at.Add(time.Minute)), sighting("exec-2", at)))

	require.NoError(t, store.SetState(ctx, "1", StateClosed, at.Add(time.Hour)))
	assert.True(t, errors.IsNotFoundError(store.SetState(ctx, "nope", StateClosed, at)))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "fp1", all[0].Fingerprint, "most recently updated first")

	open, err := store.List(ctx, StateOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "fp2", open[0].Fingerprint)
}

func TestStoreSightings(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	ctx := context.Background()
	at := time.Now()

	link := newLink("fp1", "1", at)
	require.NoError(t, store.Create(ctx, link, Sighting{ExecutionID: "exec-1", ShardID: "s1", At: at}))

	reported, err := store.Reported(ctx, "fp1", "exec-1")
	require.NoError(t, err)
	assert.True(t, reported)
	reported, err = store.Reported(ctx, "fp1", "exec-2")
	require.NoError(t, err)
	assert.False(t, reported)

	link.RetryCount = 1
	require.NoError(t, store.Update(ctx, link, Sighting{ExecutionID: "exec-2", ShardID: "s1", At: at}))
	require.NoError(t, store.Update(ctx, link, Sighting{ExecutionID: "exec-2", ShardID: "s2", At: at}), "one occurrence per execution")

	n, err := store.Occurrences(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// A link that cannot be written leaves no sighting behind.
func TestStoreConflictRecordsNoSighting(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, store.Create(ctx, newLink("fp1", "1", at), sighting("exec-1", at)))
	err := store.Create(ctx, newLink("fp2", "1", at), sighting("exec-2", at))
	require.True(t, errors.Is(err, errors.ErrConflict))

	reported, err := store.Reported(ctx, "fp2", "exec-2")
	require.NoError(t, err)
	assert.False(t, reported)
}
