package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
)

const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// IsTransient reports whether err is worth retrying: lost connections,
// serialization failures, deadlocks, and server shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback: serialization failure, deadlock
			"57": // operator intervention: admin shutdown, cannot connect now
			return true
		}
	}
	return false
}

// withRetry runs fn until it succeeds, fails permanently, or runs out of attempts.
func withRetry(ctx context.Context, fn func(context.Context) error) error {
	wait := retryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil || !IsTransient(err) || attempt == retryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(wait):
		}
		wait *= 2
	}
}
