package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"wxannual/internal/wx"
)

func TestRunOperation(t *testing.T) {
	op := NewRunOperation("run-1", "extract")
	if op.Recorded() {
		t.Error("new operation reports recorded")
	}
	if op.Status != wx.RunRunning {
		t.Errorf("Status = %q, want %q", op.Status, wx.RunRunning)
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, wx.RunSucceeded},
		{"cancelled", fmt.Errorf("extract: %w", context.Canceled), wx.RunCancelled},
		{"failed", errors.New("boom"), wx.RunFailed},
		{"domain error", wx.ErrBackupEncrypted, wx.RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewRunOperation("run-1", "extract")
			op.Finish(tt.err)
			if op.Status != tt.want {
				t.Errorf("Status = %q, want %q", op.Status, tt.want)
			}
		})
	}
}
