package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

const defaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain caps how many runs are kept; older ones are pruned. 0 means 10000.
	Retain int
}

// Outcome values match the queue's history outcomes.
const (
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Run is one finished job.
type Run struct {
	At         time.Time     `json:"at"`
	JobID      string        `json:"job_id"`
	Priority   int           `json:"priority"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
}

type Store interface {
	AppendRun(ctx context.Context, r Run) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}
