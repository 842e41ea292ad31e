// Package installation persists Cloud OCR SDK installation identifiers.
package installation

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
)

// go-redis keeps its pool timeout error in an internal package.
const redisPoolTimeout = "redis: connection pool timeout"

// Store is a key-value persistence backend for installation identifiers.
type Store interface {
	// Load returns the identifier stored under key. ok is false when none is stored.
	Load(ctx context.Context, key string) (id string, ok bool, err error)
	// Save stores id under key, replacing any previous value.
	Save(ctx context.Context, key, id string) error
}

// KeyPrefix namespaces installation keys in shared backends.
const KeyPrefix = "ocrsdk:installation:"

// Key scopes an installation identifier to an application and a device.
func Key(applicationID, deviceID string) string {
	return KeyPrefix + applicationID + ":" + deviceID
}

type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:       3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// do runs fn until it succeeds, fails with a non-transient error, or attempts run out.
// onRetry is invoked before every retry with the error that triggered it.
func (p retryPolicy) do(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	backoff := p.initialBackoff
	var err error
	for attempt := 0; attempt < p.attempts || attempt == 0; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt+1, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil || !isTransientError(err) {
			return err
		}
	}
	return err
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if e.Error() == redisPoolTimeout {
			return true
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
