package etl

import (
	"context"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries lock contention with capped exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timer drives the waits; nil uses a real timer.
	Timer   backoff.Timer
	OnRetry func(attempt int, err error)
}

// DefaultLockRetry waits 2s, 4s, 8s, 16s between five attempts.
func DefaultLockRetry() RetryPolicy {
	return RetryPolicy{
		Attempts:  5,
		BaseDelay: 2 * time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// schedule doubles from BaseDelay up to MaxDelay without jitter and never
// gives up on its own.
func (p RetryPolicy) schedule() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// Do runs fn until it succeeds, fails with something other than lock
// contention, or runs out of attempts. There is no wait after the last one.
func (p RetryPolicy) Do(ctx context.Context, log *logger.Logger, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.schedule(), uint64(attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil && !IsLockContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("Analytical store locked (attempt %d/%d), retrying in %s: %v", attempt, attempts, wait, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, p.Timer)
	if err != nil && IsLockContention(err) {
		return &LockRetryError{Attempts: attempt, Err: err}
	}
	return err
}

// delaySchedule walks a fixed list of waits and repeats the last one.
type delaySchedule struct {
	delays []time.Duration
	next   int
}

func (s *delaySchedule) NextBackOff() time.Duration {
	d := StepRetry{Delays: s.delays}.delay(s.next)
	s.next++
	return d
}

func (s *delaySchedule) Reset() { s.next = 0 }
