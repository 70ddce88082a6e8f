package wx

import (
	"database/sql"
	"time"
)

// Run statuses recorded in the run history.
const (
	RunRunning   = "running"
	RunSucceeded = "success"
	RunFailed    = "error"
	RunCancelled = "cancelled"
)

// RunRecord is one extraction run as stored in the run history.
type RunRecord struct {
	ID         int64
	RunID      string
	BackupPath string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Accounts   int
	Messages   int
	Skipped    int
}

// RunStore persists the history of extraction runs. It never stores
// statistics; every run recomputes them from the backup.
type RunStore interface {
	// StartRun records a run as running.
	StartRun(runID, backupPath string, startedAt time.Time) error

	// FinishRun records the outcome of a run together with its skips.
	FinishRun(runID string, finishedAt time.Time, status string, accounts, messages int, skips []Skip) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*RunRecord, error)

	// RunSkips returns the skips recorded for a run.
	RunSkips(runID string) ([]Skip, error)

	Close() error
}
