package tracker

import (
	"sort"
	"sync"

	"github.com/ledgerline/packwatch/internal/metrics"
	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/rs/zerolog"
)

// Manager owns the session registry keyed by job ID. It enforces the core
// correctness property of the tracker: at most one active poll loop per job
// ID, no matter how often Open is called.
type Manager struct {
	engine  *Engine
	config  EngineConfig
	logger  zerolog.Logger
	metrics metrics.Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
	loops    int
}

// NewManager creates a session manager with its own polling engine.
func NewManager(config EngineConfig, logger zerolog.Logger, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.Noop{}
	}
	config = config.normalized()
	return &Manager{
		engine:   NewEngine(config, logger, rec),
		config:   config,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		metrics:  rec,
		sessions: make(map[string]*Session),
	}
}

// Open creates a workflow session for the job, or returns the existing one.
// Opening a job that already has an active session is a silent no-op by
// design, so repeated opens from list refreshes or UI re-renders never stack
// a second poll loop. The bool reports whether a new session was created.
//
// The job's current status decides how the session starts: terminal statuses
// produce an already-released session (derived fields only, no polling),
// paused statuses produce a registered session that polls only after Resume,
// and everything else starts polling immediately.
func (m *Manager) Open(job *models.Job, fetch FetchFunc, cancel CancelFunc, hooks Hooks) (*Session, bool) {
	m.mu.RLock()
	existing, ok := m.sessions[job.JobID]
	m.mu.RUnlock()
	if ok {
		return existing, false
	}

	m.mu.Lock()
	// Double-check after acquiring the write lock.
	if existing, ok = m.sessions[job.JobID]; ok {
		m.mu.Unlock()
		return existing, false
	}

	s := &Session{
		jobID:        job.JobID,
		kind:         job.Kind,
		manager:      m,
		fetch:        fetch,
		cancelFn:     cancel,
		hooks:        hooks,
		logger:       m.logger.With().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Logger(),
		status:       job.Status,
		progress:     models.ClampProgress(job.Progress),
		phase:        job.Phase,
		errorMessage: job.ErrorMessage,
		estimate:     job.EstimatedSecondsRemaining,
	}

	if models.IsTerminal(job.Kind, job.Status) {
		// Terminal jobs are never enqueued for polling; the caller still
		// gets the derived fields.
		s.disposed = true
		m.mu.Unlock()
		return s, true
	}

	m.sessions[job.JobID] = s
	polling := !models.IsPaused(job.Kind, job.Status)
	if polling {
		// The loop goroutine mutates s.handle under the session mutex, so
		// the initial assignment takes it too.
		s.mu.Lock()
		s.handle = m.startLoopLocked(s)
		s.mu.Unlock()
	}
	m.mu.Unlock()

	m.metrics.RecordSessionOpened(string(job.Kind))
	s.logger.Info().Str("status", string(job.Status)).Bool("polling", polling).Msg("session opened")

	return s, true
}

// Get returns the active session for a job ID, if any.
func (m *Manager) Get(jobID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[jobID]
	return s, ok
}

// ActiveIDs returns the job IDs with a registered session, sorted.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns the derived state of every registered session, sorted by
// job ID.
func (m *Manager) Snapshot() []SessionView {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].JobID < views[j].JobID })
	return views
}

// DisposeAll releases every registered session.
func (m *Manager) DisposeAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Dispose()
	}
}

// startLoop starts a poll loop for the session. Called with the session
// mutex held by Resume; must not touch session state.
func (m *Manager) startLoop(s *Session) *StopHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLoopLocked(s)
}

// startLoopLocked starts a poll loop and tracks its lifetime in the active
// loop gauge. Caller holds m.mu.
func (m *Manager) startLoopLocked(s *Session) *StopHandle {
	staleAfter := m.config.StaleAfterFailures

	handle := m.engine.Start(s.jobID, s.kind, s.fetch, engineCallbacks{
		onUpdate:   s.applyUpdate,
		onTerminal: s.handleTerminal,
		onPaused:   s.handlePaused,
		onFetchError: func(err error, consecutive int) {
			if consecutive >= staleAfter {
				s.markStale()
			}
		},
		onLost: s.handleLost,
	})

	m.loops++
	m.metrics.SetActiveSessions(m.loops)

	go func() {
		<-handle.Done()
		m.mu.Lock()
		m.loops--
		m.metrics.SetActiveSessions(m.loops)
		m.mu.Unlock()
	}()

	return handle
}

// remove deregisters a session. Called from Session.release only.
func (m *Manager) remove(jobID string) {
	m.mu.Lock()
	delete(m.sessions, jobID)
	m.mu.Unlock()
}
