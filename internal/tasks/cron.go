// ABOUTME: Runs a job on a cron schedule using gronx for expression parsing
// ABOUTME: Used for the periodic media sweep

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Cron runs one job whenever its expression is due.
type Cron struct {
	name   string
	expr   string
	job    func(ctx context.Context)
	logger *slog.Logger
	now    func() time.Time
}

// NewCron validates expr and returns a Cron for job.
func NewCron(name, expr string, job func(ctx context.Context), logger *slog.Logger) (*Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Cron{
		name:   name,
		expr:   expr,
		job:    job,
		logger: logger.With("component", "cron", "job", name),
		now:    time.Now,
	}, nil
}

// Next returns the first due time strictly after ref.
func (c *Cron) Next(ref time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(c.expr, ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing next tick for %q: %w", c.expr, err)
	}
	return next, nil
}

// Run blocks, invoking the job at each due time until ctx is canceled.
func (c *Cron) Run(ctx context.Context) error {
	for {
		next, err := c.Next(c.now())
		if err != nil {
			return err
		}
		c.logger.Debug("next run scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		c.logger.Info("running scheduled job")
		c.job(ctx)
	}
}
