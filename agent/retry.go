package main

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// retrier reruns transient failures with capped exponential backoff. Delays
// are jittered so a fleet of agents recovering from the same outage does not
// retry in lockstep.
type retrier struct {
	base     time.Duration
	ceiling  time.Duration
	attempts int
}

func newRetrier(baseMs, ceilingMs, attempts int) *retrier {
	r := &retrier{
		base:     time.Duration(baseMs) * time.Millisecond,
		ceiling:  time.Duration(ceilingMs) * time.Millisecond,
		attempts: attempts,
	}
	if r.base <= 0 {
		r.base = 500 * time.Millisecond
	}
	if r.ceiling < r.base {
		r.ceiling = r.base
	}
	if r.attempts < 0 {
		r.attempts = 0
	}
	return r
}

// do runs fn until it succeeds, fails permanently, or exhausts the attempt
// budget. transient decides which errors are worth another try.
func (r *retrier) do(op string, fn func() error, transient func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.attempts || !transient(err) {
			return err
		}
		delay := r.delay(attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("sleep", delay).
			Msg("Transient failure, backing off")
		time.Sleep(delay)
	}
}

// delay doubles the base per attempt up to the ceiling, then sleeps between
// half that and the full amount.
func (r *retrier) delay(attempt int) time.Duration {
	d := r.base
	for i := 0; i < attempt && d < r.ceiling; i++ {
		d *= 2
	}
	if d > r.ceiling {
		d = r.ceiling
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// transientHTTP treats network-level failures and retryable response codes
// as worth another attempt. Other 4xx responses are the agent's own fault
// and surface immediately.
func transientHTTP(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var busy serverBusyError
	return errors.As(err, &busy)
}

// serverBusyError marks a response the server may answer differently later:
// any 5xx, plus 429.
type serverBusyError struct {
	code int
}

func (e serverBusyError) Error() string {
	return fmt.Sprintf("server responded %d %s", e.code, http.StatusText(e.code))
}

func busyStatus(code int) bool {
	return (code >= 500 && code < 600) || code == http.StatusTooManyRequests
}
