package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tokenbroker.org/internal/obs"
)

// SQLSTATE codes worth another attempt: serialization failure, deadlock, too many
// connections, server starting up.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P03": true,
}

// RetryPolicy bounds how often and how long a transient failure is retried.
type RetryPolicy struct {
	MaxRetries int
	MaxWait    time.Duration
	BaseDelay  time.Duration
}

// DefaultRetryPolicy allows three retries within fifteen seconds of total backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, MaxWait: 15 * time.Second, BaseDelay: 200 * time.Millisecond}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isTransient(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && transientCodes[pgErr.Code]
}

// withRetry runs fn until it succeeds, fails permanently, or the policy is spent.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retry.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var waited time.Duration
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) || attempt > s.retry.MaxRetries {
			return err
		}
		if waited+delay > s.retry.MaxWait {
			return err
		}
		pgErr, _ := maybePgError(err)
		obs.LogEvent("warn", "store_retry", map[string]any{
			"op":       op,
			"attempt":  attempt,
			"code":     pgErr.Code,
			"delay_ms": delay.Milliseconds(),
		})
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
		waited += delay
		delay *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
