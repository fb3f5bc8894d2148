// Package scheduler runs a sync job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Job is one sync run. A returned error is logged; fatal errors should be
// handled inside the job by the caller's error policy.
type Job func(ctx context.Context) error

// Scheduler sleeps until each cron tick and runs the job once per tick.
// Jobs never overlap: a run that outlasts its slot delays the next one.
type Scheduler struct {
	Cron string
	Log  *zap.SugaredLogger
}

// Validate checks the cron expression without starting anything.
func (s *Scheduler) Validate() error {
	if !gronx.IsValid(s.Cron) {
		return fmt.Errorf("invalid cron expression %q", s.Cron)
	}
	return nil
}

// Run blocks until ctx is cancelled, executing job at every cron tick.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.Cron, now, false)
		if err != nil {
			return fmt.Errorf("computing next tick for %q: %w", s.Cron, err)
		}
		if s.Log != nil {
			s.Log.Infof("next sync scheduled for %s", next.Format(time.RFC3339))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		if err := job(ctx); err != nil {
			return err
		}
	}
}
