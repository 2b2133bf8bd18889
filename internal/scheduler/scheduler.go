// Package scheduler triggers vault backups on cron schedules and hands the
// resulting jobs to the session manager for tracking.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ledgerline/packwatch/internal/config"
	"github.com/ledgerline/packwatch/internal/tracker"
	"github.com/ledgerline/packwatch/pkg/models"
)

// JobCreator starts a backup job on the vault service.
type JobCreator interface {
	CreateBackupJob(ctx context.Context) (*models.Job, error)
}

// Scheduler runs configured backup schedules using cron.
type Scheduler struct {
	creator JobCreator
	manager *tracker.Manager
	deps    tracker.SessionDeps
	cron    *cron.Cron
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

// New creates a scheduler that fires backups through creator and opens a
// tracking session for each started job.
func New(creator JobCreator, manager *tracker.Manager, deps tracker.SessionDeps, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		creator: creator,
		manager: manager,
		deps:    deps,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// Load registers the given schedules, replacing any previously registered
// entries with the same name. Invalid cron expressions are skipped with a
// logged error rather than failing the whole load.
func (s *Scheduler) Load(schedules []config.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	for _, sched := range schedules {
		sched := sched
		id, err := s.cron.AddFunc(sched.CronExpression, func() {
			s.runBackup(sched)
		})
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule", sched.Name).
				Str("expression", sched.CronExpression).
				Msg("invalid cron expression, schedule skipped")
			continue
		}
		s.entries[sched.Name] = id
		s.logger.Info().
			Str("schedule", sched.Name).
			Str("expression", sched.CronExpression).
			Msg("schedule registered")
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop halts the scheduler and waits for any in-flight trigger to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// EntryNames returns the registered schedule names.
func (s *Scheduler) EntryNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) runBackup(sched config.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := s.logger.With().Str("schedule", sched.Name).Logger()
	logger.Info().Msg("schedule fired, starting backup")

	job, err := s.creator.CreateBackupJob(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start scheduled backup")
		return
	}

	// If a session already exists for this job ID, Open hands it back
	// without a second poll loop.
	_, opened := s.manager.Open(job, s.deps.Fetch, s.deps.Cancel, s.deps.Hooks)
	logger.Info().
		Str("job_id", job.JobID).
		Bool("new_session", opened).
		Msg("scheduled backup started")
}
