package models

// JobStatus represents the server-reported status of a vault job.
// Backup and restore jobs draw from different subsets of the enum; Classify
// and CanTransition are defined per kind.
type JobStatus string

// Backup job statuses. The backup lifecycle is linear; any state may move
// to JobStatusFailed.
const (
	// JobStatusInitiated indicates the backup job was accepted by the server.
	JobStatusInitiated JobStatus = "initiated"
	// JobStatusCollectingData indicates profile data is being gathered.
	JobStatusCollectingData JobStatus = "collecting_data"
	// JobStatusBuildingPackage indicates the backup package is being assembled.
	JobStatusBuildingPackage JobStatus = "building_package"
	// JobStatusUploading indicates the package is being uploaded to storage.
	JobStatusUploading JobStatus = "uploading"
)

// Restore job statuses. The restore lifecycle branches after validation and
// pauses until the user confirms.
const (
	// JobStatusUploaded indicates the restore package was received.
	JobStatusUploaded JobStatus = "uploaded"
	// JobStatusValidating indicates the package is being validated.
	JobStatusValidating JobStatus = "validating"
	// JobStatusValidationPassed indicates validation succeeded and the job is
	// paused until the user starts the restore.
	JobStatusValidationPassed JobStatus = "validation_passed"
	// JobStatusAwaitingConfirmation indicates the job is paused on an explicit
	// user confirmation.
	JobStatusAwaitingConfirmation JobStatus = "awaiting_confirmation"
	// JobStatusValidationFailed indicates the package failed validation.
	JobStatusValidationFailed JobStatus = "validation_failed"
	// JobStatusProcessing indicates profile data is being restored.
	JobStatusProcessing JobStatus = "processing"
)

// Statuses shared by both job kinds.
const (
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed server-side.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by the user.
	JobStatusCancelled JobStatus = "cancelled"
)

// AllBackupStatuses lists every status a backup job can report.
var AllBackupStatuses = []JobStatus{
	JobStatusInitiated,
	JobStatusCollectingData,
	JobStatusBuildingPackage,
	JobStatusUploading,
	JobStatusCompleted,
	JobStatusFailed,
}

// AllRestoreStatuses lists every status a restore job can report.
var AllRestoreStatuses = []JobStatus{
	JobStatusUploaded,
	JobStatusValidating,
	JobStatusValidationPassed,
	JobStatusAwaitingConfirmation,
	JobStatusValidationFailed,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// statusLabels maps each status to its human-readable label.
var statusLabels = map[JobStatus]string{
	JobStatusInitiated:            "Initiated",
	JobStatusCollectingData:       "Collecting data",
	JobStatusBuildingPackage:      "Building package",
	JobStatusUploading:            "Uploading",
	JobStatusUploaded:             "Package uploaded",
	JobStatusValidating:           "Validating",
	JobStatusValidationPassed:     "Validation passed",
	JobStatusAwaitingConfirmation: "Awaiting confirmation",
	JobStatusValidationFailed:     "Validation failed",
	JobStatusProcessing:           "Restoring",
	JobStatusCompleted:            "Completed",
	JobStatusFailed:               "Failed",
	JobStatusCancelled:            "Cancelled",
}

// StatusLabel returns the human-readable label for a status, or the raw
// status string if the value is unknown.
func StatusLabel(status JobStatus) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return string(status)
}

// backupTransitions is the legal transition table for backup jobs.
// The chain is linear; failure is reachable from every non-terminal state.
var backupTransitions = map[JobStatus][]JobStatus{
	JobStatusInitiated:       {JobStatusCollectingData, JobStatusFailed},
	JobStatusCollectingData:  {JobStatusBuildingPackage, JobStatusFailed},
	JobStatusBuildingPackage: {JobStatusUploading, JobStatusFailed},
	JobStatusUploading:       {JobStatusCompleted, JobStatusFailed},
}

// restoreTransitions is the legal transition table for restore jobs.
// Failure and cancellation are reachable from every non-terminal state and
// are appended in CanTransition rather than listed per row.
var restoreTransitions = map[JobStatus][]JobStatus{
	JobStatusUploaded:             {JobStatusValidating},
	JobStatusValidating:           {JobStatusValidationPassed, JobStatusAwaitingConfirmation, JobStatusValidationFailed},
	JobStatusValidationPassed:     {JobStatusProcessing},
	JobStatusAwaitingConfirmation: {JobStatusProcessing},
	JobStatusProcessing:           {JobStatusCompleted},
}

// CanTransition reports whether the server may legally move a job of the
// given kind from one status to another. A terminal status never transitions.
func CanTransition(kind JobKind, from, to JobStatus) bool {
	if from == to {
		return false
	}

	switch kind {
	case JobKindBackup:
		for _, next := range backupTransitions[from] {
			if next == to {
				return true
			}
		}
		return false
	case JobKindRestore:
		cls, err := Classify(kind, from)
		if err != nil || cls.Terminal {
			return false
		}
		if to == JobStatusFailed || to == JobStatusCancelled {
			return true
		}
		for _, next := range restoreTransitions[from] {
			if next == to {
				return true
			}
		}
		return false
	default:
		return false
	}
}
