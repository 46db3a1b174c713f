package jobs

import (
	"errors"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var ErrNotFound = errors.New("job not found")

// Job is a single unit of background image processing. States only ever
// move forward: pending -> running -> succeeded|failed.
type Job struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	State    State  `json:"state"`

	// InputRef and OutputRef are keys relative to the upload and result
	// roots respectively. OutputRef is set only on success, Error only
	// on failure.
	InputRef  string `json:"input_ref"`
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`

	// Attempts counts deliveries that claimed the job, including stale
	// re-claims after a worker crash.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
