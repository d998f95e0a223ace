// Package jobs holds what the periodic jobs share: the cancellation test and
// the summary each run reports.
package jobs

import (
	"context"
	"errors"
	"time"
)

// IsCancellation reports whether err is, or was caused by, the cancellation of ctx.
func IsCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return err != nil && ctx.Err() != nil
}

// Summary describes one run of a job.
type Summary struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Failures  int           `json:"failures"`
	Cancelled bool          `json:"cancelled"`
	Skipped   bool          `json:"skipped,omitempty"`
	Detail    interface{}   `json:"detail,omitempty"`
}
