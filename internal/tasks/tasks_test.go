// ABOUTME: Tests for the delayed task executor and cron runner
// ABOUTME: Uses short real delays; no test waits longer than a fraction of a second

package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecutor_RunsAfterDelay(t *testing.T) {
	e := NewExecutor(2, time.Second, testLogger())
	defer e.Close(context.Background())

	ran := make(chan time.Time, 1)
	start := time.Now()
	err := e.ScheduleDelayed(context.Background(), Task{
		Name:  "check",
		Queue: QueueMessages,
		Run: func(context.Context) error {
			ran <- time.Now()
			return nil
		},
	}, 30*time.Millisecond)
	require.NoError(t, err)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	assert.Eventually(t, func() bool { return e.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
}

func TestExecutor_CountsFailuresAndPanics(t *testing.T) {
	e := NewExecutor(2, time.Second, testLogger())
	defer e.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, e.ScheduleDelayed(ctx, Task{Name: "err", Run: func(context.Context) error {
		return errors.New("boom")
	}}, 0))
	require.NoError(t, e.ScheduleDelayed(ctx, Task{Name: "panic", Run: func(context.Context) error {
		panic("kaboom")
	}}, 0))

	assert.Eventually(t, func() bool { return e.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestExecutor_ConcurrencyBound(t *testing.T) {
	e := NewExecutor(2, time.Second, testLogger())
	defer e.Close(context.Background())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, e.ScheduleDelayed(context.Background(), Task{Name: "work", Run: func(context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}}, 0))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_RejectsNilRun(t *testing.T) {
	e := NewExecutor(1, 0, testLogger())
	defer e.Close(context.Background())
	assert.Error(t, e.ScheduleDelayed(context.Background(), Task{Name: "empty"}, 0))
}

func TestExecutor_CloseDropsPendingAndRejectsNew(t *testing.T) {
	e := NewExecutor(1, time.Second, testLogger())
	var ran atomic.Bool
	require.NoError(t, e.ScheduleDelayed(context.Background(), Task{Name: "later", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}, time.Hour))
	assert.Equal(t, int64(1), e.Stats().Pending)

	require.NoError(t, e.Close(context.Background()))
	assert.False(t, ran.Load())
	assert.Equal(t, int64(0), e.Stats().Pending)

	err := e.ScheduleDelayed(context.Background(), Task{Name: "x", Run: func(context.Context) error { return nil }}, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, e.Close(context.Background()), "close is idempotent")
}

func TestExecutor_CloseWaitsForRunning(t *testing.T) {
	e := NewExecutor(1, time.Second, testLogger())
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, e.ScheduleDelayed(context.Background(), Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}}, 0))
	<-started

	require.NoError(t, e.Close(context.Background()))
	assert.True(t, finished.Load())
}

func TestExecutor_CloseTimeoutCancelsRunning(t *testing.T) {
	e := NewExecutor(1, time.Minute, testLogger())
	started := make(chan struct{})
	require.NoError(t, e.ScheduleDelayed(context.Background(), Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}, 0))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := NewCron("sweep", "not a cron", func(context.Context) {}, testLogger())
	assert.Error(t, err)
}

func TestCron_Next(t *testing.T) {
	c, err := NewCron("sweep", "0 3 * * *", func(context.Context) {}, testLogger())
	require.NoError(t, err)

	ref := time.Date(2026, 4, 10, 5, 0, 0, 0, time.UTC)
	next, err := c.Next(ref)
	require.NoError(t, err)
	want := time.Date(2026, 4, 11, 3, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(next), "next = %s", next)
}

func TestCron_RunStopsOnCancel(t *testing.T) {
	c, err := NewCron("sweep", "@daily", func(context.Context) {}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cron did not stop")
	}
}
