// Package history persists the status transitions observed while tracking
// vault jobs, so past backups and restores remain inspectable after the
// process restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/packwatch/pkg/models"
)

// ErrJobUnknown is returned when no transitions exist for a job ID.
var ErrJobUnknown = errors.New("no recorded transitions for job")

// Transition is one observed status change for a job.
type Transition struct {
	JobID        string           `json:"job_id"`
	Kind         models.JobKind   `json:"kind"`
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	Phase        string           `json:"phase,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// JobSummary is the latest recorded state of a job, used for history listings.
type JobSummary struct {
	JobID        string           `json:"job_id"`
	Kind         models.JobKind   `json:"kind"`
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	ErrorMessage string           `json:"error_message,omitempty"`
	FirstSeen    time.Time        `json:"first_seen"`
	LastSeen     time.Time        `json:"last_seen"`
}

// Store keeps job transitions in a local SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the history database under dir.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dbPath := filepath.Join(dir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "history_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("history database initialized")

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			phase TEXT,
			error_message TEXT,
			observed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id);
		CREATE INDEX IF NOT EXISTS idx_transitions_observed_at ON transitions(observed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordTransition appends a transition unless the job's most recent recorded
// status is already the same, so steady polling of an unchanged job does not
// bloat the table.
func (s *Store) RecordTransition(ctx context.Context, tr Transition) error {
	last, err := s.lastStatus(ctx, tr.JobID)
	if err != nil && !errors.Is(err, ErrJobUnknown) {
		return err
	}
	if err == nil && last == tr.Status {
		return nil
	}

	observedAt := tr.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transitions (job_id, kind, status, progress, phase, error_message, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		tr.JobID,
		string(tr.Kind),
		string(tr.Status),
		tr.Progress,
		nullString(tr.Phase),
		nullString(tr.ErrorMessage),
		observedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	return nil
}

// ListTransitions returns a job's transitions in observation order.
func (s *Store) ListTransitions(ctx context.Context, jobID string) ([]Transition, error) {
	query := `
		SELECT job_id, kind, status, progress, phase, error_message, observed_at
		FROM transitions
		WHERE job_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	if len(transitions) == 0 {
		return nil, ErrJobUnknown
	}

	return transitions, nil
}

// ListRecentJobs returns the latest recorded state per job, newest first,
// capped at limit.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT t.job_id, t.kind, t.status, t.progress, t.error_message,
			MIN(a.observed_at) AS first_seen, t.observed_at AS last_seen
		FROM transitions t
		JOIN transitions a ON a.job_id = t.job_id
		WHERE t.id = (SELECT MAX(id) FROM transitions WHERE job_id = t.job_id)
		GROUP BY t.job_id
		ORDER BY last_seen DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	var summaries []JobSummary
	for rows.Next() {
		var (
			sum                       JobSummary
			kindStr, statusStr        string
			errorMessage              sql.NullString
			firstSeenStr, lastSeenStr string
		)
		if err := rows.Scan(&sum.JobID, &kindStr, &statusStr, &sum.Progress, &errorMessage, &firstSeenStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}

		sum.Kind = models.JobKind(kindStr)
		sum.Status = models.JobStatus(statusStr)
		if errorMessage.Valid {
			sum.ErrorMessage = errorMessage.String
		}
		if t, err := time.Parse(time.RFC3339, firstSeenStr); err == nil {
			sum.FirstSeen = t
		}
		if t, err := time.Parse(time.RFC3339, lastSeenStr); err == nil {
			sum.LastSeen = t
		}
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job summaries: %w", err)
	}

	return summaries, nil
}

// Prune removes transitions older than the given duration and returns how
// many rows were deleted.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return int(affected), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lastStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var statusStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM transitions WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID,
	).Scan(&statusStr)
	if err == sql.ErrNoRows {
		return "", ErrJobUnknown
	}
	if err != nil {
		return "", fmt.Errorf("query last status: %w", err)
	}
	return models.JobStatus(statusStr), nil
}

func scanTransition(rows *sql.Rows) (Transition, error) {
	var (
		tr                  Transition
		kindStr, statusStr  string
		phase, errorMessage sql.NullString
		observedAtStr       string
	)

	err := rows.Scan(&tr.JobID, &kindStr, &statusStr, &tr.Progress, &phase, &errorMessage, &observedAtStr)
	if err != nil {
		return Transition{}, fmt.Errorf("scan transition: %w", err)
	}

	tr.Kind = models.JobKind(kindStr)
	tr.Status = models.JobStatus(statusStr)
	if phase.Valid {
		tr.Phase = phase.String
	}
	if errorMessage.Valid {
		tr.ErrorMessage = errorMessage.String
	}
	if t, err := time.Parse(time.RFC3339, observedAtStr); err == nil {
		tr.ObservedAt = t
	}

	return tr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
