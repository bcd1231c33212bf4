package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedulerRunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks, failures, panics atomic.Int32
	s := New(quietLogger())
	s.Add(Task{Name: "tick", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		ticks.Add(1)
		return nil
	}})
	s.Add(Task{Name: "fail", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		failures.Add(1)
		return errors.New("boom")
	}})
	s.Add(Task{Name: "panic", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		panics.Add(1)
		panic("boom")
	}})
	s.Start(ctx)

	// 失敗與 panic 都不會讓工作停止
	waitFor(t, func() bool { return ticks.Load() >= 3 && failures.Load() >= 3 && panics.Load() >= 3 })

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestSchedulerRunOnStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s := New(quietLogger())
	s.Add(Task{Name: "poll", Interval: time.Hour, RunOnStart: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(ctx)

	waitFor(t, func() bool { return runs.Load() == 1 })
	cancel()
	s.Wait()
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestSchedulerSkipsDisabledTasks(t *testing.T) {
	s := New(nil)
	s.Add(Task{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }})
	s.Add(Task{Name: "no-run", Interval: time.Second})
	if len(s.tasks) != 0 {
		t.Errorf("tasks = %d, want 0", len(s.tasks))
	}
}

func TestSchedulerDoesNotOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, maxRunning, runs atomic.Int32
	s := New(quietLogger())
	s.Add(Task{Name: "slow", Interval: time.Millisecond, Run: func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		runs.Add(1)
		return nil
	}})
	s.Start(ctx)

	waitFor(t, func() bool { return runs.Load() >= 3 })
	cancel()
	s.Wait()
	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent runs = %d", maxRunning.Load())
	}
}
