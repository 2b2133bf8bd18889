// Package tracker implements job status polling, per-job workflow sessions,
// and reconciliation of sessions against a changing job list.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerline/packwatch/internal/metrics"
	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/rs/zerolog"
)

// ErrTrackingLost is reported when too many consecutive status fetches fail.
// The job may still be running server-side; only the client lost sight of it.
var ErrTrackingLost = errors.New("job tracking lost")

// FetchFunc fetches the current server-reported status of a job.
type FetchFunc func(ctx context.Context, jobID string) (*models.Job, error)

// CancelFunc asks the remote service to cancel a job. It returns whether the
// server accepted the cancellation.
type CancelFunc func(ctx context.Context, jobID, reason string) (bool, error)

// EngineConfig holds polling behavior settings.
type EngineConfig struct {
	// Interval between status fetches.
	Interval time.Duration
	// FetchTimeout bounds a single status fetch.
	FetchTimeout time.Duration
	// StaleAfterFailures is how many consecutive fetch failures mark the
	// session view stale.
	StaleAfterFailures int
	// MaxConsecutiveFailures is how many consecutive fetch failures abandon
	// tracking entirely.
	MaxConsecutiveFailures int
}

// DefaultEngineConfig returns sensible polling defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Interval:               2 * time.Second,
		FetchTimeout:           30 * time.Second,
		StaleAfterFailures:     2,
		MaxConsecutiveFailures: 5,
	}
}

// normalized returns the config with zero values replaced by defaults.
func (c EngineConfig) normalized() EngineConfig {
	def := DefaultEngineConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.StaleAfterFailures <= 0 {
		c.StaleAfterFailures = def.StaleAfterFailures
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	return c
}

// engineCallbacks receive status events from a poll loop. All callbacks are
// invoked from the loop goroutine, in fetch order, and never after the loop
// has observed a stop.
type engineCallbacks struct {
	// onUpdate receives every successfully fetched status.
	onUpdate func(job *models.Job)
	// onTerminal fires exactly once, after the update that reached a
	// terminal status. The loop exits afterwards.
	onTerminal func(job *models.Job)
	// onPaused fires when the job reaches a paused status. The loop exits;
	// polling only resumes on an explicit user action.
	onPaused func(job *models.Job)
	// onFetchError receives a fetch failure and the consecutive failure count.
	onFetchError func(err error, consecutive int)
	// onLost fires once if tracking is abandoned after repeated failures.
	onLost func(err error)
}

// StopHandle stops a poll loop. Stop is idempotent and may be called from
// engine callbacks or externally.
type StopHandle struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Stop requests the poll loop to stop. An in-flight fetch is not aborted;
// its result is discarded once it arrives.
func (h *StopHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// Done is closed once the poll loop has fully exited.
func (h *StopHandle) Done() <-chan struct{} {
	return h.done
}

func (h *StopHandle) stopped() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// Engine runs interval-driven status poll loops, one goroutine per job.
type Engine struct {
	config  EngineConfig
	logger  zerolog.Logger
	metrics metrics.Recorder
}

// NewEngine creates a polling engine.
func NewEngine(config EngineConfig, logger zerolog.Logger, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Engine{
		config:  config.normalized(),
		logger:  logger.With().Str("component", "poll_engine").Logger(),
		metrics: rec,
	}
}

// Start begins polling the job's status every interval. The first status is
// supplied by the caller at job creation, so no fetch happens before the
// first interval elapses. The loop stops on a terminal status, on Stop, or
// after MaxConsecutiveFailures consecutive fetch errors.
func (e *Engine) Start(jobID string, kind models.JobKind, fetch FetchFunc, cb engineCallbacks) *StopHandle {
	handle := &StopHandle{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	logger := e.logger.With().Str("job_id", jobID).Str("kind", string(kind)).Logger()

	go e.pollLoop(jobID, kind, fetch, cb, handle, logger)

	return handle
}

func (e *Engine) pollLoop(jobID string, kind models.JobKind, fetch FetchFunc, cb engineCallbacks, handle *StopHandle, logger zerolog.Logger) {
	defer close(handle.done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-handle.stopCh:
			logger.Debug().Msg("poll loop stopped")
			return
		case <-ticker.C:
			// The fetch runs inline in the tick turn, so fetch N+1 never
			// starts before fetch N has been fully processed. A slow fetch
			// delays the next tick instead of piling up requests.
			job, err := e.fetchOnce(jobID, kind, fetch)

			// A stop may have raced with the in-flight fetch; its result is
			// discarded rather than re-arming callbacks for a dead session.
			if handle.stopped() {
				logger.Debug().Msg("discarding fetch result for stopped loop")
				return
			}

			if err != nil {
				failures++
				e.metrics.RecordPollFailure(string(kind))
				logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("status fetch failed, will retry")
				if cb.onFetchError != nil {
					cb.onFetchError(err, failures)
				}
				if failures >= e.config.MaxConsecutiveFailures {
					lostErr := fmt.Errorf("%w: %d consecutive fetch failures, last: %v", ErrTrackingLost, failures, err)
					logger.Error().Int("consecutive_failures", failures).Msg("abandoning job tracking")
					e.metrics.RecordTrackingLost(string(kind))
					handle.Stop()
					if cb.onLost != nil {
						cb.onLost(lostErr)
					}
					return
				}
				continue
			}

			failures = 0
			if cb.onUpdate != nil {
				cb.onUpdate(job)
			}

			if models.IsTerminal(kind, job.Status) {
				logger.Info().Str("status", string(job.Status)).Msg("job reached terminal status")
				e.metrics.RecordTerminal(string(kind), string(job.Status))
				handle.Stop()
				if cb.onTerminal != nil {
					cb.onTerminal(job)
				}
				return
			}

			if models.IsPaused(kind, job.Status) {
				// Paused jobs wait on explicit user action; nothing moves
				// server-side, so the loop stops instead of polling idly.
				logger.Info().Str("status", string(job.Status)).Msg("job paused awaiting user action, polling stopped")
				handle.Stop()
				if cb.onPaused != nil {
					cb.onPaused(job)
				}
				return
			}
		}
	}
}

func (e *Engine) fetchOnce(jobID string, kind models.JobKind, fetch FetchFunc) (*models.Job, error) {
	e.metrics.RecordPoll(string(kind))

	ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout)
	defer cancel()

	return fetch(ctx, jobID)
}
