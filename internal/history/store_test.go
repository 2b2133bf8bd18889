package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/packwatch/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	steps := []Transition{
		{JobID: "bk-1", Kind: models.JobKindBackup, Status: models.JobStatusInitiated, Progress: 0},
		{JobID: "bk-1", Kind: models.JobKindBackup, Status: models.JobStatusCollectingData, Progress: 20},
		{JobID: "bk-1", Kind: models.JobKindBackup, Status: models.JobStatusCompleted, Progress: 100},
	}
	for _, tr := range steps {
		require.NoError(t, store.RecordTransition(ctx, tr))
	}

	got, err := store.ListTransitions(ctx, "bk-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.JobStatusInitiated, got[0].Status)
	assert.Equal(t, models.JobStatusCollectingData, got[1].Status)
	assert.Equal(t, models.JobStatusCompleted, got[2].Status)
	assert.Equal(t, 100, got[2].Progress)
	assert.False(t, got[0].ObservedAt.IsZero())
}

func TestRecordTransitionSkipsUnchangedStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Polling reports the same status repeatedly; only the first observation
	// per status is kept.
	for i := 0; i < 4; i++ {
		require.NoError(t, store.RecordTransition(ctx, Transition{
			JobID:    "rs-1",
			Kind:     models.JobKindRestore,
			Status:   models.JobStatusProcessing,
			Progress: 10 * i,
		}))
	}
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID:  "rs-1",
		Kind:   models.JobKindRestore,
		Status: models.JobStatusCompleted,
	}))

	got, err := store.ListTransitions(ctx, "rs-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.JobStatusProcessing, got[0].Status)
	assert.Equal(t, models.JobStatusCompleted, got[1].Status)
}

func TestListTransitionsUnknownJob(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ListTransitions(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrJobUnknown))
}

func TestListRecentJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID: "bk-1", Kind: models.JobKindBackup, Status: models.JobStatusInitiated, ObservedAt: base,
	}))
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID: "bk-1", Kind: models.JobKindBackup, Status: models.JobStatusFailed,
		ErrorMessage: "disk full", ObservedAt: base.Add(5 * time.Minute),
	}))
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID: "rs-1", Kind: models.JobKindRestore, Status: models.JobStatusProcessing,
		Progress: 40, ObservedAt: base.Add(10 * time.Minute),
	}))

	jobs, err := store.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Newest activity first.
	assert.Equal(t, "rs-1", jobs[0].JobID)
	assert.Equal(t, models.JobStatusProcessing, jobs[0].Status)
	assert.Equal(t, 40, jobs[0].Progress)

	assert.Equal(t, "bk-1", jobs[1].JobID)
	assert.Equal(t, models.JobStatusFailed, jobs[1].Status)
	assert.Equal(t, "disk full", jobs[1].ErrorMessage)
	assert.True(t, jobs[1].FirstSeen.Before(jobs[1].LastSeen))
}

func TestListRecentJobsHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.RecordTransition(ctx, Transition{
			JobID: id, Kind: models.JobKindBackup, Status: models.JobStatusUploading,
		}))
	}

	jobs, err := store.ListRecentJobs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestPruneRemovesOldTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID: "bk-old", Kind: models.JobKindBackup, Status: models.JobStatusCompleted, ObservedAt: old,
	}))
	require.NoError(t, store.RecordTransition(ctx, Transition{
		JobID: "bk-new", Kind: models.JobKindBackup, Status: models.JobStatusUploading,
	}))

	pruned, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = store.ListTransitions(ctx, "bk-old")
	assert.True(t, errors.Is(err, ErrJobUnknown))

	got, err := store.ListTransitions(ctx, "bk-new")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
