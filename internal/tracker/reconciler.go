package tracker

import (
	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/rs/zerolog"
)

// pausedExclusions lists the restore statuses that wait on explicit user
// action. Jobs in these statuses are deliberately kept out of the active
// poll set as a policy choice distinct from the terminal/non-terminal split:
// nothing moves server-side until the user confirms, so polling them only
// burns requests.
var pausedExclusions = map[models.JobStatus]struct{}{
	models.JobStatusValidationPassed:     {},
	models.JobStatusAwaitingConfirmation: {},
}

// SessionDeps supplies the collaborators the reconciler wires into every
// session it opens.
type SessionDeps struct {
	Fetch  FetchFunc
	Cancel CancelFunc
	Hooks  Hooks
}

// Reconciler keeps the set of polled jobs in sync with a job collection,
// such as the backup list fetched for display. Each reconciliation pass
// opens sessions for jobs entering the active set and disposes sessions for
// jobs leaving it. Passes are idempotent: reconciling an unchanged list
// opens no duplicate sessions and leaks no poll loops.
type Reconciler struct {
	manager *Manager
	deps    SessionDeps
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler over the given session manager.
func NewReconciler(manager *Manager, deps SessionDeps, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		manager: manager,
		deps:    deps,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile brings the active poll set in line with the given job list.
func (r *Reconciler) Reconcile(jobs []*models.Job) {
	active := make(map[string]*models.Job, len(jobs))
	for _, job := range jobs {
		if r.inActiveSet(job) {
			active[job.JobID] = job
		}
	}

	// Dispose sessions for jobs that left the active set: now terminal,
	// now paused, or no longer present in the list.
	for _, id := range r.manager.ActiveIDs() {
		if _, still := active[id]; still {
			continue
		}
		if s, ok := r.manager.Get(id); ok {
			r.logger.Debug().Str("job_id", id).Msg("job left active set, disposing session")
			s.Dispose()
		}
	}

	// Open sessions for new entrants. Open is a no-op for jobs already
	// tracked, which is what keeps repeated passes from stacking timers.
	for _, job := range active {
		if _, opened := r.manager.Open(job, r.deps.Fetch, r.deps.Cancel, r.deps.Hooks); opened {
			r.logger.Info().
				Str("job_id", job.JobID).
				Str("kind", string(job.Kind)).
				Str("status", string(job.Status)).
				Msg("job entered active set")
		}
	}
}

// inActiveSet decides whether a job needs polling: non-terminal and not in
// the explicit paused exclusion list.
func (r *Reconciler) inActiveSet(job *models.Job) bool {
	cls, err := models.Classify(job.Kind, job.Status)
	if err != nil {
		r.logger.Warn().
			Str("job_id", job.JobID).
			Str("status", string(job.Status)).
			Msg("skipping job with unclassifiable status")
		return false
	}
	if cls.Terminal {
		return false
	}
	if job.Kind == models.JobKindRestore {
		if _, excluded := pausedExclusions[job.Status]; excluded {
			return false
		}
	}
	return true
}

// ActiveIDs returns the job IDs currently being tracked.
func (r *Reconciler) ActiveIDs() []string {
	return r.manager.ActiveIDs()
}

// Close disposes every tracked session.
func (r *Reconciler) Close() {
	r.manager.DisposeAll()
}
