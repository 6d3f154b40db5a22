package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// retrier runs an operation with bounded exponential backoff and jitter.
// Only transient storage failures are retried; taxonomy errors surface
// immediately.
type retrier struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func newRetrier(initialMs, maxMs, maxAttempts int, log zerolog.Logger) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &retrier{
		initial:     time.Duration(initialMs) * time.Millisecond,
		max:         time.Duration(maxMs) * time.Millisecond,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxAttempts || !errors.Is(err, ErrTransient) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		r.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying after transient failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}
