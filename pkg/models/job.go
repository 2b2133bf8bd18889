// Package models defines the job model shared with the vault service API.
package models

import "time"

// JobKind identifies the type of long-running vault job.
type JobKind string

const (
	// JobKindBackup is a profile backup job.
	JobKindBackup JobKind = "backup"
	// JobKindRestore is a profile restore job.
	JobKindRestore JobKind = "restore"
)

// Valid reports whether the kind is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindBackup || k == JobKindRestore
}

// Job is the status payload reported by the vault service for one job.
// It is mutated only by server-reported fetches; the client never invents
// a status transition.
type Job struct {
	JobID        string     `json:"job_id"`
	Kind         JobKind    `json:"kind"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Phase        string     `json:"phase,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// ExpiresAt is set for backup jobs whose package has a retention window.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// EstimatedSecondsRemaining is server-supplied and passed through verbatim.
	EstimatedSecondsRemaining *int64 `json:"estimated_seconds_remaining,omitempty"`
}

// ClampProgress clamps a server-reported percentage to [0, 100]. The server
// does not guarantee the range, so the client normalizes before display.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
