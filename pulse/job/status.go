package job

import (
	"strings"

	"github.com/teranos/jobsvc/errors"
)

// Status is the scheduler-owned lifecycle state of a job.
type Status string

const (
	StatusScheduled Status = "SCHEDULED" // armed, waiting for its next fire time
	StatusRetry     Status = "RETRY"     // last dispatch failed, armed for a retry
	StatusExecuted  Status = "EXECUTED"  // every firing succeeded
	StatusError     Status = "ERROR"     // retries exhausted; needs manual intervention
	StatusCanceled  Status = "CANCELED"  // canceled by a caller
)

// ActiveStatuses are the statuses that still own a timer.
var ActiveStatuses = []Status{StatusScheduled, StatusRetry}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusError || s == StatusCanceled
}

// IsActive reports whether the job is armed or waiting to be armed.
func (s Status) IsActive() bool {
	return s == StatusScheduled || s == StatusRetry
}

// ParseStatus accepts status names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusScheduled, StatusRetry, StatusExecuted, StatusError, StatusCanceled:
		return st, nil
	default:
		return "", errors.NewInvalidRequestError("unknown job status %q", s)
	}
}
