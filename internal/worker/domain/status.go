package domain

import "fmt"

// JobStatus is the state of a job in the execution lifecycle
type JobStatus string

// Job status constants
const (
	StatusPending          JobStatus = "PENDING"
	StatusProcessingInputs JobStatus = "PROCESSING_INPUTS"
	StatusStagingInputs    JobStatus = "STAGING_INPUTS"
	StatusStagingJob       JobStatus = "STAGING_JOB"
	StatusSubmittingJob    JobStatus = "SUBMITTING_JOB"
	StatusQueued           JobStatus = "QUEUED"
	StatusRunning          JobStatus = "RUNNING"
	StatusArchiving        JobStatus = "ARCHIVING"
	StatusFinished         JobStatus = "FINISHED"
	StatusCancelled        JobStatus = "CANCELLED"
	StatusFailed           JobStatus = "FAILED"
	StatusBlocked          JobStatus = "BLOCKED"
	StatusPaused           JobStatus = "PAUSED"
)

// HappyPath lists the statuses of a successful run in order
var HappyPath = []JobStatus{
	StatusPending,
	StatusProcessingInputs,
	StatusStagingInputs,
	StatusStagingJob,
	StatusSubmittingJob,
	StatusQueued,
	StatusRunning,
	StatusArchiving,
	StatusFinished,
}

var allStatuses = append(append([]JobStatus{}, HappyPath...), StatusCancelled, StatusFailed, StatusBlocked, StatusPaused)

// ParseJobStatus converts a stored status string
func ParseJobStatus(s string) (JobStatus, error) {
	for _, status := range allStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether the status can never change again
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Next returns the successor of s on the happy path
func (s JobStatus) Next() (JobStatus, bool) {
	for i, status := range HappyPath[:len(HappyPath)-1] {
		if status == s {
			return HappyPath[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether a job may move from one status to another.
// A terminal status never changes.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	_, err := ParseJobStatus(string(to))
	return err == nil
}
