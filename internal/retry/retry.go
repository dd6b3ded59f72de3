// Package retry runs calls against flaky collaborators (chain RPC, the
// arbitration court, IPFS pinning, outbound webhooks) with exponential
// backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total calls, including the first; <=0 means 1
	BaseDelay time.Duration // delay before the second call
	MaxDelay  time.Duration // cap on a computed delay; 0 means no cap
	// MaxRetryAfter caps a server-requested delay (see StatusError). Zero
	// means DefaultMaxRetryAfter.
	MaxRetryAfter time.Duration
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultMaxRetryAfter bounds Retry-After when the policy does not.
const DefaultMaxRetryAfter = 30 * time.Second

// Default is used for outbound HTTP collaborators.
var Default = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, the error is not retryable, attempts run
// out, or ctx is done. Delays double from BaseDelay with +-25% jitter.
//
// An error is not retryable when it wraps a PermanentError (returned
// unwrapped) or a StatusError that is not Temporary (returned as is). A
// temporary StatusError carrying RetryAfter stretches the next wait to at
// least that long, bounded by MaxRetryAfter.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		var se *StatusError
		hasStatus := errors.As(err, &se)
		if hasStatus && !se.Temporary() {
			return err
		}
		if attempt >= attempts {
			return err
		}

		wait := jittered(delay)
		if hasStatus && se.RetryAfter > wait {
			wait = min(se.RetryAfter, p.retryAfterCap())
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func (p Policy) retryAfterCap() time.Duration {
	if p.MaxRetryAfter > 0 {
		return p.MaxRetryAfter
	}
	return DefaultMaxRetryAfter
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := int64(d / 4)
	return d - time.Duration(j) + time.Duration(randInt64n(2*j+1))
}

// randInt64n returns a random int64 in [0, n) from crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
