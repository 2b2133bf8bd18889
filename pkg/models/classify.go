package models

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned by Classify for a status value outside the
// enum of the given kind. Classification must stay exhaustive: a new status
// added to the enum without a Classify entry surfaces here instead of being
// silently treated as in-flight.
var ErrUnknownStatus = errors.New("unknown job status")

// DisplayColor is the UI-facing color class for a job status.
type DisplayColor string

const (
	// ColorSuccess marks successfully completed jobs.
	ColorSuccess DisplayColor = "success"
	// ColorError marks failed jobs.
	ColorError DisplayColor = "error"
	// ColorWarning marks cancelled and paused jobs.
	ColorWarning DisplayColor = "warning"
	// ColorProcessing marks jobs still in flight.
	ColorProcessing DisplayColor = "processing"
)

// Classification describes how a status should be treated by the tracker
// and rendered by a UI.
type Classification struct {
	// Terminal is true when no further transition is possible. Terminal jobs
	// must never be re-enqueued for polling.
	Terminal bool
	// Paused is true for restore jobs waiting on explicit user action. The
	// tracker must not auto-advance past a paused status.
	Paused bool
	// Color is the display color class for the status.
	Color DisplayColor
}

// Classify returns the classification for a status of the given kind.
// It is pure and total over both enums; any other value is an error.
func Classify(kind JobKind, status JobStatus) (Classification, error) {
	switch kind {
	case JobKindBackup:
		return classifyBackup(status)
	case JobKindRestore:
		return classifyRestore(status)
	default:
		return Classification{}, fmt.Errorf("classify: unknown job kind %q", kind)
	}
}

func classifyBackup(status JobStatus) (Classification, error) {
	switch status {
	case JobStatusInitiated, JobStatusCollectingData, JobStatusBuildingPackage, JobStatusUploading:
		return Classification{Color: ColorProcessing}, nil
	case JobStatusCompleted:
		return Classification{Terminal: true, Color: ColorSuccess}, nil
	case JobStatusFailed:
		return Classification{Terminal: true, Color: ColorError}, nil
	default:
		return Classification{}, fmt.Errorf("%w: %q for backup job", ErrUnknownStatus, status)
	}
}

func classifyRestore(status JobStatus) (Classification, error) {
	switch status {
	case JobStatusUploaded, JobStatusValidating, JobStatusProcessing:
		return Classification{Color: ColorProcessing}, nil
	case JobStatusValidationPassed, JobStatusAwaitingConfirmation:
		return Classification{Paused: true, Color: ColorWarning}, nil
	case JobStatusCompleted:
		return Classification{Terminal: true, Color: ColorSuccess}, nil
	case JobStatusFailed, JobStatusValidationFailed:
		return Classification{Terminal: true, Color: ColorError}, nil
	case JobStatusCancelled:
		return Classification{Terminal: true, Color: ColorWarning}, nil
	default:
		return Classification{}, fmt.Errorf("%w: %q for restore job", ErrUnknownStatus, status)
	}
}

// IsTerminal reports whether the status is terminal for the given kind.
// Unknown statuses are treated as non-terminal so a misbehaving server
// cannot silently stop tracking.
func IsTerminal(kind JobKind, status JobStatus) bool {
	cls, err := Classify(kind, status)
	return err == nil && cls.Terminal
}

// IsPaused reports whether the status is paused for the given kind.
func IsPaused(kind JobKind, status JobStatus) bool {
	cls, err := Classify(kind, status)
	return err == nil && cls.Paused
}
