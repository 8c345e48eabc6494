// Package jobs implements the durable job queue as a directory state machine:
// one JSON file per job, physically relocated between pending/, running/,
// done/ and failed/. The directory a job file sits in is its authoritative
// state; the atomic rename between directories is the only mutual-exclusion
// primitive.
package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the directory a job lives in, plus the in-place
// "cancelling" marker.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// States returns the queue's state directories in lifecycle order.
// Cancelling is not a directory: a cancelling job still lives in pending/ or
// running/.
func States() []Status {
	return []Status{StatusPending, StatusRunning, StatusDone, StatusFailed}
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// dir maps a status to its state directory.
func (s Status) dir() string {
	if s == StatusCancelling {
		return ""
	}
	return string(s)
}

// Job is one durable unit of background work.
type Job struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Status          Status                 `json:"status"`
	Progress        map[string]interface{} `json:"progress,omitempty"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedTS       time.Time              `json:"created_ts"`
	UpdatedTS       time.Time              `json:"updated_ts"`
	Error           string                 `json:"error,omitempty"`
}

// NewID builds a time-ordered, globally unique job id: a UTC timestamp prefix
// keeps lexical order equal to creation order (the claim scan relies on it),
// a uuid suffix breaks ties.
func NewID(now time.Time) string {
	stamp := now.UTC().Format("20060102T150405.000000000")
	stamp = strings.ReplaceAll(stamp, ".", "")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return stamp + "-" + suffix
}
