package pagesync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff supplies retry delays for temporary errors. Injectable so tests
// run without waiting.
type Backoff interface {
	NextDelay() time.Duration
	Reset()
}

type exponentialBackoff struct {
	inner *backoff.ExponentialBackOff
}

// NewExponentialBackoff returns the production backoff: exponential with
// jitter, never giving up.
func NewExponentialBackoff() Backoff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return &exponentialBackoff{inner: b}
}

func (e *exponentialBackoff) NextDelay() time.Duration { return e.inner.NextBackOff() }
func (e *exponentialBackoff) Reset()                   { e.inner.Reset() }

// ZeroBackoff retries immediately; test helper.
type ZeroBackoff struct{}

func (ZeroBackoff) NextDelay() time.Duration { return 0 }
func (ZeroBackoff) Reset()                   {}
