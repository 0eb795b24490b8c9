package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerTicksAndStops(t *testing.T) {
	var ticks atomic.Int64
	r := NewRunner([]Task{{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Handler: func(context.Context) error {
			ticks.Add(1)
			return nil
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	r.Wait()

	got := ticks.Load()
	if got < 2 {
		t.Fatalf("ticks = %d, want at least 2", got)
	}
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatal("task still running after Wait returned")
	}
}

func TestRunnerRunOnStartup(t *testing.T) {
	var ran atomic.Int64
	r := NewRunner([]Task{{
		Name:         "startup",
		Interval:     time.Hour,
		RunOnStartup: true,
		Handler: func(context.Context) error {
			ran.Add(1)
			return nil
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	r.Wait()

	if ran.Load() != 1 {
		t.Fatalf("startup runs = %d, want exactly 1", ran.Load())
	}
}

func TestRunnerSurvivesFailingTask(t *testing.T) {
	var attempts atomic.Int64
	r := NewRunner([]Task{{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Handler: func(context.Context) error {
			attempts.Add(1)
			return fmt.Errorf("boom")
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	r.Wait()

	if attempts.Load() < 2 {
		t.Fatalf("attempts = %d, want the loop to keep ticking after errors", attempts.Load())
	}
}

func TestRunnerSkipsMisconfiguredTasks(t *testing.T) {
	r := NewRunner([]Task{
		{Name: "no-handler", Interval: time.Millisecond},
		{Name: "no-interval", Handler: func(context.Context) error { return nil }},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait hung on misconfigured tasks")
	}
}
