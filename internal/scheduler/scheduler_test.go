package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	good := &Scheduler{Cron: "*/10 * * * *"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	bad := &Scheduler{Cron: "not a cron"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("invalid cron accepted")
	}
}

func TestRunRejectsInvalidCron(t *testing.T) {
	sched := &Scheduler{Cron: "61 * * * *"}
	err := sched.Run(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected an error for an invalid expression")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sched := &Scheduler{Cron: "0 0 1 1 *"}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context) error {
			t.Error("job ran before its tick")
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
