package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task 定期執行的工作
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart 啟動時先執行一次，不等第一個 tick
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler 每個 Task 一個 goroutine，各自以 ticker 觸發
// 同一個 Task 不會重疊執行；上一次還沒結束時錯過的 tick 直接丟棄
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

// Add 加入工作，必須在 Start 之前呼叫；Interval <= 0 的工作會被忽略
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 || t.Run == nil {
		s.logger.Info("task disabled", "task", t.Name)
		return
	}
	s.tasks = append(s.tasks, t)
}

// Start 開始執行所有工作，ctx 取消時停止
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Wait 等待所有工作結束 (ctx 取消後)
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.logger.Info("task started", "task", t.Name, "interval", t.Interval)
	if t.RunOnStart {
		s.runOnce(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task stopped", "task", t.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", t.Name, "panic", r)
		}
	}()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("task failed", "task", t.Name, "error", err)
	}
}
