package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a bounded retry-with-backoff budget. Stream managers share this
// so reconnect behavior stays out of the turn manager.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. Wrap terminal failures with Permanent to stop early.
func (p Policy) Do(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if p.MinDelay > 0 {
		bo.InitialInterval = p.MinDelay
	}
	if p.MaxDelay > 0 {
		bo.MaxInterval = p.MaxDelay
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(attempts)))
	return err
}

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
