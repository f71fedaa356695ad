// ABOUTME: In-process delayed task executor with named queues and a concurrency bound
// ABOUTME: Implements the Scheduler contract the pipeline uses for buffer re-checks and status updates

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Queue names used by the pipeline.
const (
	QueueMessages = "messages"
	QueueStatus   = "status"
)

// ErrClosed is returned when scheduling on a closed executor.
var ErrClosed = errors.New("executor closed")

// Task is one unit of deferred work.
type Task struct {
	ID       string
	Name     string
	Queue    string
	Priority int
	Run      func(ctx context.Context) error
}

// Scheduler runs tasks after a delay. Delivery is at-least-once and
// best-effort ordered by due time.
type Scheduler interface {
	ScheduleDelayed(ctx context.Context, task Task, delay time.Duration) error
}

// Stats counts executor activity.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Executor runs scheduled tasks on goroutines, at most Concurrency at a time.
type Executor struct {
	sem         *semaphore.Weighted
	taskTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewExecutor creates an executor. taskTimeout bounds each Run; zero means
// five minutes.
func NewExecutor(concurrency int, taskTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:         semaphore.NewWeighted(int64(concurrency)),
		taskTimeout: taskTimeout,
		logger:      logger.With("component", "tasks"),
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[string]*time.Timer),
	}
}

// ScheduleDelayed arranges for task.Run to be called after delay.
func (e *Executor) ScheduleDelayed(_ context.Context, task Task, delay time.Duration) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	e.wg.Add(1)
	e.timers[task.ID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, task.ID)
		e.mu.Unlock()
		defer e.wg.Done()
		e.run(task)
	})

	e.logger.Debug("task scheduled",
		"task_id", task.ID,
		"task", task.Name,
		"queue", task.Queue,
		"priority", task.Priority,
		"delay", delay,
	)
	return nil
}

func (e *Executor) run(task Task) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		e.logger.Warn("task dropped at shutdown", "task_id", task.ID, "task", task.Name)
		return
	}
	defer e.sem.Release(1)

	e.running.Add(1)
	defer e.running.Add(-1)

	ctx, cancel := context.WithTimeout(e.ctx, e.taskTimeout)
	defer cancel()

	start := time.Now()
	err := e.safeRun(ctx, task)
	if err != nil {
		e.failed.Add(1)
		e.logger.Error("task failed",
			"task_id", task.ID,
			"task", task.Name,
			"queue", task.Queue,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}
	e.completed.Add(1)
	e.logger.Debug("task completed", "task_id", task.ID, "task", task.Name, "duration", time.Since(start))
}

func (e *Executor) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	pending := int64(len(e.timers))
	e.mu.Unlock()
	return Stats{
		Pending:   pending,
		Running:   e.running.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// Close stops accepting tasks, drops tasks that have not fired yet and waits
// for running tasks until ctx is done, at which point their contexts are
// canceled.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	dropped := 0
	for id, t := range e.timers {
		if t.Stop() {
			e.wg.Done()
			dropped++
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Warn("dropped pending tasks at shutdown", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
