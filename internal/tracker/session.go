package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/rs/zerolog"
)

// ErrNotCancellable is returned by Cancel when the job is terminal or paused.
// A paused job has no running server-side operation to cancel.
var ErrNotCancellable = errors.New("job is not cancellable")

// ErrSessionDisposed is returned for operations on a disposed session.
var ErrSessionDisposed = errors.New("session is disposed")

// Hooks are observer callbacks a UI layer subscribes with. Any field may be
// nil. Callbacks run on the poll goroutine and must not block.
type Hooks struct {
	// OnUpdate fires after every applied status update.
	OnUpdate func(view SessionView)
	// OnTerminal fires exactly once when the job reaches a terminal status.
	OnTerminal func(view SessionView)
	// OnTrackingLost fires once if polling is abandoned after repeated
	// fetch failures. The job itself may still be running server-side.
	OnTrackingLost func(jobID string, err error)
}

// SessionView is an immutable snapshot of a session's derived, UI-facing state.
type SessionView struct {
	JobID       string           `json:"job_id"`
	Kind        models.JobKind   `json:"kind"`
	Status      models.JobStatus `json:"status"`
	StatusLabel string           `json:"status_label"`
	// Progress is clamped to [0,100] and never decreases while the job is
	// non-terminal, even if the server reports a lower value.
	Progress     int                 `json:"progress"`
	Phase        string              `json:"phase,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Color        models.DisplayColor `json:"color"`
	Terminal     bool                `json:"terminal"`
	Paused       bool                `json:"paused"`
	// CanCancel is true only while the job is neither terminal nor paused.
	CanCancel bool `json:"can_cancel"`
	// EstimatedSecondsRemaining is server-supplied and passed through verbatim.
	EstimatedSecondsRemaining *int64 `json:"estimated_seconds_remaining,omitempty"`
	// Stale indicates recent status fetches have been failing; the shown
	// state may be out of date.
	Stale bool `json:"stale"`
	// TrackingLost indicates polling was abandoned after repeated failures.
	TrackingLost bool `json:"tracking_lost"`
	// Cancelled indicates the user cancelled the job through this session.
	Cancelled bool `json:"cancelled"`
	// Disposed indicates the session no longer polls.
	Disposed bool `json:"disposed"`
}

// Session binds one poll loop to one job and derives UI-facing state from
// server-reported status updates. Sessions are created through a Manager,
// which guarantees at most one active poll loop per job ID.
type Session struct {
	jobID    string
	kind     models.JobKind
	manager  *Manager
	fetch    FetchFunc
	cancelFn CancelFunc
	hooks    Hooks
	logger   zerolog.Logger

	mu           sync.Mutex
	status       models.JobStatus
	progress     int
	phase        string
	errorMessage string
	estimate     *int64
	stale        bool
	lost         bool
	cancelled    bool
	disposed     bool
	handle       *StopHandle
}

// JobID returns the job this session tracks.
func (s *Session) JobID() string {
	return s.jobID
}

// Kind returns the tracked job's kind.
func (s *Session) Kind() models.JobKind {
	return s.kind
}

// Snapshot returns the current derived state.
func (s *Session) Snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() SessionView {
	cls, err := models.Classify(s.kind, s.status)
	if err != nil {
		// Unknown statuses are treated as in-flight; a misbehaving server
		// must not silently end tracking.
		cls = models.Classification{Color: models.ColorProcessing}
	}

	return SessionView{
		JobID:                     s.jobID,
		Kind:                      s.kind,
		Status:                    s.status,
		StatusLabel:               models.StatusLabel(s.status),
		Progress:                  s.progress,
		Phase:                     s.phase,
		ErrorMessage:              s.errorMessage,
		Color:                     cls.Color,
		Terminal:                  cls.Terminal,
		Paused:                    cls.Paused,
		CanCancel:                 !cls.Terminal && !cls.Paused && !s.cancelled && !s.disposed,
		EstimatedSecondsRemaining: s.estimate,
		Stale:                     s.stale,
		TrackingLost:              s.lost,
		Cancelled:                 s.cancelled,
		Disposed:                  s.disposed,
	}
}

// applyUpdate folds a server-reported status into the session. Updates
// arriving after a terminal status has been observed are ignored: a terminal
// job's status must never change again.
func (s *Session) applyUpdate(job *models.Job) {
	s.mu.Lock()

	// A dispose or cancel may have raced with the in-flight fetch. The late
	// result is dropped entirely: no state change, no OnUpdate.
	if s.disposed {
		s.mu.Unlock()
		return
	}

	if models.IsTerminal(s.kind, s.status) {
		s.mu.Unlock()
		s.logger.Warn().Str("status", string(job.Status)).Msg("ignoring status update for terminal job")
		return
	}

	if job.Status != s.status && !models.CanTransition(s.kind, s.status, job.Status) {
		// The server is authoritative; the update is applied but the
		// irregular transition is worth surfacing in logs.
		s.logger.Warn().
			Str("from", string(s.status)).
			Str("to", string(job.Status)).
			Msg("server reported a transition outside the expected table")
	}

	s.status = job.Status
	s.phase = job.Phase
	s.errorMessage = job.ErrorMessage
	s.estimate = job.EstimatedSecondsRemaining
	s.stale = false
	if p := models.ClampProgress(job.Progress); p > s.progress {
		s.progress = p
	}

	// The loop stops on a paused status, so the handle is dropped before the
	// update becomes observable. A Resume triggered from the update hook then
	// starts a fresh loop instead of finding the dying one and bailing out.
	if models.IsPaused(s.kind, job.Status) && s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}

	view := s.viewLocked()
	s.mu.Unlock()

	if s.hooks.OnUpdate != nil {
		s.hooks.OnUpdate(view)
	}
}

func (s *Session) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// Cancel asks the remote service to cancel the job. On success the session
// stops polling and is removed from the manager; on transport failure or
// server refusal the session stays active so the caller may retry. The bool
// reports whether cancellation succeeded.
func (s *Session) Cancel(ctx context.Context, reason string) (bool, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false, ErrSessionDisposed
	}
	view := s.viewLocked()
	s.mu.Unlock()

	if !view.CanCancel {
		return false, ErrNotCancellable
	}
	if s.cancelFn == nil {
		return false, errors.New("session has no cancel function")
	}

	ok, err := s.cancelFn(ctx, s.jobID, reason)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cancel request failed, session stays active")
		return false, err
	}
	if !ok {
		s.logger.Warn().Msg("server refused cancellation, session stays active")
		return false, nil
	}

	// The local session stops optimistically once the server accepts the
	// cancel. The authoritative job state remains whatever the server
	// reports; stopping here only decides that we no longer poll.
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.release("cancelled by user")

	return true, nil
}

// Dispose stops polling without contacting the remote service. The job keeps
// running server-side. Dispose is idempotent and safe after terminal.
func (s *Session) Dispose() {
	s.release("disposed")
}

// Resume starts polling a session that was opened in a paused status, after
// the user has triggered the next step (e.g. confirmed a validated restore).
// It is a no-op if polling is already running or the session is disposed.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrSessionDisposed
	}
	// A stopped handle is a loop on its way out, not a running one.
	if s.handle != nil {
		if !s.handle.stopped() {
			return nil
		}
		s.handle = nil
	}
	if models.IsTerminal(s.kind, s.status) {
		return nil
	}

	s.handle = s.manager.startLoop(s)
	s.logger.Info().Str("status", string(s.status)).Msg("polling resumed")
	return nil
}

// release stops the poll loop (if any), marks the session disposed, and
// removes it from the manager registry. It is the single funnel for all
// three release paths: natural terminal, user cancel, and dispose. It
// reports whether this call performed the release.
func (s *Session) release(cause string) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.disposed = true
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	s.manager.remove(s.jobID)
	s.logger.Debug().Str("cause", cause).Msg("session released")
	return true
}

// handleTerminal runs on the poll goroutine when the job reaches a terminal
// status.
func (s *Session) handleTerminal(job *models.Job) {
	view := s.Snapshot()
	// If a dispose raced ahead of the terminal update, the session owner no
	// longer wants callbacks.
	if !s.release("terminal status " + string(job.Status)) {
		return
	}
	if s.hooks.OnTerminal != nil {
		s.hooks.OnTerminal(view)
	}
}

// handlePaused runs on the poll goroutine when the job pauses on user
// action. The session stays registered so the user can Resume it. The handle
// was already dropped by applyUpdate; only a stopped leftover is cleared
// here, so a loop started by a Resume in the meantime is left alone.
func (s *Session) handlePaused(*models.Job) {
	s.mu.Lock()
	if s.handle != nil && s.handle.stopped() {
		s.handle = nil
	}
	s.mu.Unlock()
}

// handleLost runs on the poll goroutine when tracking is abandoned.
func (s *Session) handleLost(err error) {
	s.mu.Lock()
	s.lost = true
	s.stale = true
	s.mu.Unlock()

	if !s.release("tracking lost") {
		return
	}
	if s.hooks.OnTrackingLost != nil {
		s.hooks.OnTrackingLost(s.jobID, err)
	}
}
