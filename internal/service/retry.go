package service

import (
	"context"
	"errors"
	"time"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
)

// permanentError stops retry even when the wrapped error is retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// retry calls fn until it succeeds or fails with an error that is not
// retryable. Waits double after each conflict, starting at opts.RetryBackoff.
// fn must re-read whatever state it depends on.
func retry(ctx context.Context, opts Options, op string, fn func(attempt int) error) error {
	backoff := opts.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if !domain.IsRetryable(err) || attempt >= opts.MaxRetries {
			return err
		}
		logger.DebugContext(ctx, "Retrying after conflict", "operation", op, "attempt", attempt+1, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
}

// retryBatch repeats a ledger batch that failed without persisting anything:
// lock timeouts, deadlocks and serialization failures.
func retryBatch(ctx context.Context, opts Options, op string, fn func() error) error {
	return retry(ctx, opts, op, func(int) error { return fn() })
}
