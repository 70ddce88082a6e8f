package app

import (
	"context"
	"errors"

	"wxannual/internal/wx"
)

// RunOperation tracks one CLI invocation. Only extract runs are recorded
// in the run history.
type RunOperation struct {
	ID        string
	Operation string
	Status    string
	recorded  bool
}

// NewRunOperation creates a new in-memory operation.
func NewRunOperation(id, operation string) *RunOperation {
	return &RunOperation{
		ID:        id,
		Operation: operation,
		Status:    wx.RunRunning,
	}
}

// Recorded returns true if the operation has been written to the run history.
func (op *RunOperation) Recorded() bool {
	return op.recorded
}

// Finish sets the final status from the operation's error.
func (op *RunOperation) Finish(err error) {
	switch {
	case err == nil:
		op.Status = wx.RunSucceeded
	case errors.Is(err, context.Canceled):
		op.Status = wx.RunCancelled
	default:
		op.Status = wx.RunFailed
	}
}
