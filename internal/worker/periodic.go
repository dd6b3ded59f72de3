// Package worker runs the server's periodic background jobs: the
// reconciliation sweep, dispute maintenance and ruling execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/arcinvoice/internal/metrics"
)

// Task is one run of a job. A returned error is logged and counted; the
// job keeps its schedule.
type Task func(ctx context.Context) error

// Periodic calls a Task on a fixed interval until stopped.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	lastRun atomic.Int64
	lastErr atomic.Pointer[string]
}

// New returns a job that is not yet started. interval must be positive.
func New(name string, interval time.Duration, task Task, logger *slog.Logger) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("worker", name),
		stop:     make(chan struct{}),
	}
}

// Name returns the job name used in logs and metrics.
func (p *Periodic) Name() string { return p.name }

// Interval returns the time between runs.
func (p *Periodic) Interval() time.Duration { return p.interval }

// Start runs the job every interval until ctx is done or Stop is called.
// The first run happens one interval after Start. Call in a goroutine.
func (p *Periodic) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			_ = p.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once, or before Start.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// RunOnce runs the task now, outside the schedule. A panic in the task is
// recovered and returned as an error.
func (p *Periodic) RunOnce(ctx context.Context) (err error) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("worker %s: panic: %v", p.name, r)
			p.logger.Error("job panicked", "panic", fmt.Sprint(r))
		}
		if err != nil {
			msg := err.Error()
			p.lastErr.Store(&msg)
		} else {
			p.lastErr.Store(nil)
		}
		p.lastRun.Store(time.Now().UnixNano())
		metrics.WorkerRunsTotal.WithLabelValues(p.name, result).Inc()
		metrics.WorkerRunDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	if err = p.task(ctx); err != nil {
		result = "error"
		p.logger.Warn("job failed", "error", err)
	}
	return err
}

// Running reports whether the loop is active.
func (p *Periodic) Running() bool { return p.running.Load() }

// LastRun returns when the last run finished, or the zero time.
func (p *Periodic) LastRun() time.Time {
	if ns := p.lastRun.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// LastError returns the last run's error text, or "" if it succeeded.
func (p *Periodic) LastError() string {
	if s := p.lastErr.Load(); s != nil {
		return *s
	}
	return ""
}
