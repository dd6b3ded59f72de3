// Package health runs named subsystem checks for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single checker when the caller's context has
// no earlier deadline.
const DefaultCheckTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate status plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = nc.run(cctx)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// run invokes the checker and turns a panic or a missed deadline into an
// unhealthy status.
func (nc namedChecker) run(ctx context.Context) (s Status) {
	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Name: nc.name, Detail: fmt.Sprintf("panic: %v", p)}
			}
		}()
		done <- nc.check(ctx)
	}()

	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Detail: "timed out"}
	}
	if s.Name == "" {
		s.Name = nc.name
	}
	return s
}

// Database reports whether db answers a ping.
func Database(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		st := db.Stats()
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d open, %d in use", st.OpenConnections, st.InUse)}
	}
}

// BlockSource is anything that can report the chain head.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Chain reports whether the RPC endpoint answers with a head block.
func Chain(name string, src BlockSource) Checker {
	return func(ctx context.Context) Status {
		head, err := src.BlockNumber(ctx)
		if err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("head %d", head)}
	}
}

// Worker reports a background loop as healthy while it runs and has
// completed a pass within maxAge. A zero lastRun is healthy until the
// first pass is due.
func Worker(name string, running func() bool, lastRun func() time.Time, maxAge time.Duration) Checker {
	return func(ctx context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		last := lastRun()
		if !last.IsZero() && maxAge > 0 && time.Since(last) > maxAge {
			return Status{Name: name, Detail: "last run " + last.UTC().Format(time.RFC3339)}
		}
		return Status{Name: name, Healthy: true}
	}
}
