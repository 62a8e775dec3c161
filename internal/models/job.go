package models

import (
	"strings"
	"time"
)

// Status enumerates job lifecycle states persisted in the result store.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects how a prediction request is served.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// ModeFromHeader maps the Async-Mode header value to a Mode. Only "true" enables async.
func ModeFromHeader(v string) Mode {
	if strings.EqualFold(strings.TrimSpace(v), "true") {
		return ModeAsync
	}
	return ModeSync
}

// PredictionRequest is an inbound request. It is never persisted.
type PredictionRequest struct {
	Input string
	Mode  Mode
}

// Output is what the inference engine produces for an input.
type Output struct {
	Input  string `json:"input"`
	Result string `json:"result"`
}

// JobError is the stable failure description stored on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job represents an asynchronous prediction tracked in the result store.
type Job struct {
	ID        string
	Input     string
	Status    Status
	Attempts  int
	Result    *Output
	Error     *JobError
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobView is the client-facing projection of a job.
type JobView struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Output    *Output   `json:"output,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View projects the job for clients. Output and error are only exposed on terminal states.
func (j Job) View() JobView {
	v := JobView{
		ID:        j.ID,
		Status:    j.Status,
		Attempts:  j.Attempts,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	switch j.Status {
	case StatusCompleted:
		v.Output = j.Result
	case StatusFailed:
		v.Error = j.Error
	}
	return v
}
