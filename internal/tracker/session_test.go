package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processingJob(id string) *models.Job {
	return &models.Job{
		JobID:    id,
		Kind:     models.JobKindRestore,
		Status:   models.JobStatusProcessing,
		Progress: 10,
	}
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	fetcher := newScriptedFetcher("rs-1", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	gauge := &gaugeRecorder{}
	m := NewManager(testEngineConfig(), testLogger, gauge)
	defer m.DisposeAll()

	first, opened := m.Open(processingJob("rs-1"), fetcher.fetch, nil, Hooks{})
	require.True(t, opened)

	// A second open for the same job ID must be a silent no-op returning the
	// existing session, never a second poll loop.
	second, opened := m.Open(processingJob("rs-1"), fetcher.fetch, nil, Hooks{})
	assert.False(t, opened)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 1, gauge.peakValue(), "a duplicate open must not start a second poll loop")
}

func TestManagerOpenTerminalJobDoesNotPoll(t *testing.T) {
	fetcher := newScriptedFetcher("bk-1", models.JobKindBackup,
		step{status: models.JobStatusCompleted, progress: 100},
	)
	m := NewManager(testEngineConfig(), testLogger, nil)

	job := &models.Job{
		JobID:        "bk-1",
		Kind:         models.JobKindBackup,
		Status:       models.JobStatusFailed,
		Progress:     60,
		ErrorMessage: "disk full",
	}
	s, opened := m.Open(job, fetcher.fetch, nil, Hooks{})
	require.True(t, opened)

	view := s.Snapshot()
	assert.True(t, view.Terminal)
	assert.True(t, view.Disposed)
	assert.False(t, view.CanCancel)
	assert.Equal(t, "disk full", view.ErrorMessage)

	// Terminal jobs are never enqueued for polling.
	assert.Equal(t, 0, m.ActiveCount())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestManagerOpenPausedJobPollsOnlyAfterResume(t *testing.T) {
	fetcher := newScriptedFetcher("rs-2", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 60},
		step{status: models.JobStatusCompleted, progress: 100},
	)
	m := NewManager(testEngineConfig(), testLogger, nil)
	defer m.DisposeAll()

	job := &models.Job{
		JobID:  "rs-2",
		Kind:   models.JobKindRestore,
		Status: models.JobStatusAwaitingConfirmation,
	}
	hooks := &recordingHooks{}
	s, opened := m.Open(job, fetcher.fetch, nil, hooks.hooks())
	require.True(t, opened)
	assert.Equal(t, 1, m.ActiveCount(), "paused session stays registered")

	view := s.Snapshot()
	assert.True(t, view.Paused)
	assert.False(t, view.CanCancel, "paused jobs have nothing running to cancel")

	// No polling happens in the paused state.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fetcher.callCount())

	// After the user confirms, Resume starts the loop and the job runs to
	// completion.
	require.NoError(t, s.Resume())
	require.True(t, waitFor(2*time.Second, func() bool { return hooks.terminalCount() == 1 }))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSessionCancelSuccess(t *testing.T) {
	fetcher := newScriptedFetcher("rs-3", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	var cancelCalls int
	cancel := func(_ context.Context, jobID, reason string) (bool, error) {
		cancelCalls++
		assert.Equal(t, "rs-3", jobID)
		assert.Equal(t, "changed my mind", reason)
		return true, nil
	}

	m := NewManager(testEngineConfig(), testLogger, nil)
	s, _ := m.Open(processingJob("rs-3"), fetcher.fetch, cancel, Hooks{})

	ok, err := s.Cancel(context.Background(), "changed my mind")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cancelCalls)

	view := s.Snapshot()
	assert.True(t, view.Cancelled)
	assert.True(t, view.Disposed)
	assert.Equal(t, 0, m.ActiveCount(), "cancelled session must deregister")

	// Polling must have stopped.
	calls := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fetcher.callCount())
}

func TestSessionCancelRefusedLeavesSessionActive(t *testing.T) {
	fetcher := newScriptedFetcher("rs-4", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	cancel := func(context.Context, string, string) (bool, error) {
		return false, nil
	}

	m := NewManager(testEngineConfig(), testLogger, nil)
	defer m.DisposeAll()
	s, _ := m.Open(processingJob("rs-4"), fetcher.fetch, cancel, Hooks{})

	ok, err := s.Cancel(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.ActiveCount(), "refused cancel keeps the session active")
	assert.False(t, s.Snapshot().Cancelled)
}

func TestSessionCancelTransportErrorLeavesSessionActive(t *testing.T) {
	fetcher := newScriptedFetcher("rs-5", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	cancelErr := errors.New("network down")
	cancel := func(context.Context, string, string) (bool, error) {
		return false, cancelErr
	}

	m := NewManager(testEngineConfig(), testLogger, nil)
	defer m.DisposeAll()
	s, _ := m.Open(processingJob("rs-5"), fetcher.fetch, cancel, Hooks{})

	ok, err := s.Cancel(context.Background(), "")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, cancelErr))
	assert.Equal(t, 1, m.ActiveCount())

	// The caller may retry.
	_, err = s.Cancel(context.Background(), "")
	assert.Error(t, err)
}

func TestSessionCancelPausedIsRejected(t *testing.T) {
	fetcher := newScriptedFetcher("rs-6", models.JobKindRestore,
		step{status: models.JobStatusAwaitingConfirmation},
	)
	m := NewManager(testEngineConfig(), testLogger, nil)
	defer m.DisposeAll()

	job := &models.Job{JobID: "rs-6", Kind: models.JobKindRestore, Status: models.JobStatusValidationPassed}
	s, _ := m.Open(job, fetcher.fetch, func(context.Context, string, string) (bool, error) {
		t.Fatal("cancel collaborator must not be called for a paused job")
		return false, nil
	}, Hooks{})

	_, err := s.Cancel(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNotCancellable))
}

func TestSessionResumeFromPausedUpdate(t *testing.T) {
	// The CLI confirms and resumes a restore from its update hook the moment
	// the paused status arrives. Resume must start a fresh loop even though
	// the loop that delivered the update is still winding down.
	fetcher := newScriptedFetcher("rs-10", models.JobKindRestore,
		step{status: models.JobStatusAwaitingConfirmation, progress: 50},
		step{status: models.JobStatusProcessing, progress: 70},
		step{status: models.JobStatusCompleted, progress: 100},
	)

	m := NewManager(testEngineConfig(), testLogger, nil)
	defer m.DisposeAll()

	hooks := &recordingHooks{}
	base := hooks.hooks()
	wrapped := Hooks{
		OnUpdate: func(v SessionView) {
			base.OnUpdate(v)
			if v.Paused {
				sess, ok := m.Get(v.JobID)
				if assert.True(t, ok) {
					assert.NoError(t, sess.Resume())
				}
			}
		},
		OnTerminal:     base.OnTerminal,
		OnTrackingLost: base.OnTrackingLost,
	}

	job := &models.Job{JobID: "rs-10", Kind: models.JobKindRestore, Status: models.JobStatusValidating}
	_, opened := m.Open(job, fetcher.fetch, nil, wrapped)
	require.True(t, opened)

	require.True(t, waitFor(2*time.Second, func() bool { return hooks.terminalCount() == 1 }),
		"polling never restarted after the resume from the paused update")
	assert.GreaterOrEqual(t, fetcher.callCount(), 3, "the resumed loop must keep fetching")
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSessionDisposeDuringInflightFetchDropsUpdate(t *testing.T) {
	// Dispose lands while a fetch is in flight; the late result must neither
	// fire OnUpdate nor change the session's state.
	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})

	fetch := func(_ context.Context, jobID string) (*models.Job, error) {
		close(fetchStarted)
		<-releaseFetch
		return &models.Job{
			JobID:    jobID,
			Kind:     models.JobKindRestore,
			Status:   models.JobStatusCompleted,
			Progress: 100,
		}, nil
	}

	hooks := &recordingHooks{}
	m := NewManager(testEngineConfig(), testLogger, nil)
	s, _ := m.Open(processingJob("rs-11"), fetch, nil, hooks.hooks())

	select {
	case <-fetchStarted:
	case <-time.After(time.Second):
		t.Fatal("fetch never started")
	}

	s.Dispose()
	close(releaseFetch)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hooks.updateCount(), "late result must not fire OnUpdate after Dispose")
	assert.Equal(t, 0, hooks.terminalCount())

	// A result handed to the session after dispose is dropped outright.
	s.applyUpdate(&models.Job{
		JobID:    "rs-11",
		Kind:     models.JobKindRestore,
		Status:   models.JobStatusCompleted,
		Progress: 100,
	})
	assert.Equal(t, 0, hooks.updateCount())

	view := s.Snapshot()
	assert.Equal(t, models.JobStatusProcessing, view.Status, "disposed session state must not change")
	assert.Equal(t, 10, view.Progress)
}

func TestSessionDisposeIsIdempotent(t *testing.T) {
	fetcher := newScriptedFetcher("rs-7", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	m := NewManager(testEngineConfig(), testLogger, nil)
	s, _ := m.Open(processingJob("rs-7"), fetcher.fetch, nil, Hooks{})

	s.Dispose()
	s.Dispose()
	s.Dispose()

	assert.Equal(t, 0, m.ActiveCount())
	assert.True(t, s.Snapshot().Disposed)

	// Dispose after terminal must also be safe.
	_, err := s.Cancel(context.Background(), "")
	assert.True(t, errors.Is(err, ErrSessionDisposed))
}

func TestSessionProgressIsMonotonic(t *testing.T) {
	// The server does not guarantee monotonic progress; the session clamps
	// regressions away while the job is non-terminal.
	fetcher := newScriptedFetcher("bk-6", models.JobKindBackup,
		step{status: models.JobStatusBuildingPackage, progress: 50},
		step{status: models.JobStatusBuildingPackage, progress: 30},
		step{status: models.JobStatusUploading, progress: 240},
		step{status: models.JobStatusCompleted, progress: 100},
	)
	hooks := &recordingHooks{}
	m := NewManager(testEngineConfig(), testLogger, nil)

	job := &models.Job{JobID: "bk-6", Kind: models.JobKindBackup, Status: models.JobStatusCollectingData, Progress: 40}
	_, opened := m.Open(job, fetcher.fetch, nil, hooks.hooks())
	require.True(t, opened)

	require.True(t, waitFor(2*time.Second, func() bool { return hooks.terminalCount() == 1 }))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	require.Len(t, hooks.updates, 4)
	assert.Equal(t, 50, hooks.updates[0].Progress)
	assert.Equal(t, 50, hooks.updates[1].Progress, "progress must not regress")
	assert.Equal(t, 100, hooks.updates[2].Progress, "progress must be clamped to 100")
	assert.Equal(t, 100, hooks.updates[3].Progress)
}

func TestSessionStaleAndTrackingLost(t *testing.T) {
	fetcher := newScriptedFetcher("bk-7", models.JobKindBackup,
		step{err: errors.New("timeout")},
	)
	config := testEngineConfig()
	config.StaleAfterFailures = 2
	config.MaxConsecutiveFailures = 4

	hooks := &recordingHooks{}
	m := NewManager(config, testLogger, nil)

	job := &models.Job{JobID: "bk-7", Kind: models.JobKindBackup, Status: models.JobStatusCollectingData}
	s, _ := m.Open(job, fetcher.fetch, nil, hooks.hooks())

	require.True(t, waitFor(2*time.Second, func() bool { return hooks.lostCount() == 1 }))

	view := s.Snapshot()
	assert.True(t, view.Stale)
	assert.True(t, view.TrackingLost)
	assert.Equal(t, 0, hooks.terminalCount(), "tracking lost is not job failure")
	assert.Equal(t, 0, m.ActiveCount())
}

func TestManagerSnapshotAndDisposeAll(t *testing.T) {
	fetcher := newScriptedFetcher("x", models.JobKindRestore,
		step{status: models.JobStatusProcessing, progress: 20},
	)
	m := NewManager(testEngineConfig(), testLogger, nil)

	m.Open(processingJob("rs-b"), fetcher.fetch, nil, Hooks{})
	m.Open(processingJob("rs-a"), fetcher.fetch, nil, Hooks{})

	views := m.Snapshot()
	require.Len(t, views, 2)
	assert.Equal(t, "rs-a", views[0].JobID, "snapshot is sorted by job ID")
	assert.Equal(t, "rs-b", views[1].JobID)

	m.DisposeAll()
	assert.Equal(t, 0, m.ActiveCount())
}
