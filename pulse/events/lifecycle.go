package events

import (
	"time"

	"github.com/teranos/jobsvc/pulse/job"
)

// Response is the outcome of one successful dispatch attempt.
type Response struct {
	JobID     string    `json:"jobId"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle is emitted once per persisted status transition. Version is the
// job row version after the write, so consumers can spot gaps and replays.
type Lifecycle struct {
	JobID            string     `json:"jobId"`
	CorrelationID    string     `json:"correlationId"`
	Status           job.Status `json:"status"`
	Retries          int        `json:"retries"`
	ExecutionCounter int        `json:"executionCounter"`
	Version          int64      `json:"version"`
	Timestamp        time.Time  `json:"timestamp"`
	ExceptionMessage string     `json:"exceptionMessage,omitempty"`
	ReplicaID        string     `json:"replicaId,omitempty"`
	Response         *Response  `json:"response,omitempty"`
}

// FromDetails builds the event for a freshly written record.
func FromDetails(d job.Details, replicaID string, resp *Response) Lifecycle {
	return Lifecycle{
		JobID:            d.ID,
		CorrelationID:    d.CorrelationID,
		Status:           d.Status,
		Retries:          d.Retries,
		ExecutionCounter: d.ExecutionCounter,
		Version:          d.Version,
		Timestamp:        d.LastUpdate,
		ExceptionMessage: d.ExceptionMessage,
		ReplicaID:        replicaID,
		Response:         resp,
	}
}
