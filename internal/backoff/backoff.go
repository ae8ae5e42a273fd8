// SPDX-License-Identifier: Apache-2.0

// Package backoff wraps the retry-delay policy used for executor attempts.
package backoff

import (
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitial = 500 * time.Millisecond
	DefaultMax     = 10 * time.Second
)

// Policy describes exponential backoff between executor attempts.
// Jitter randomizes delays to avoid synchronized retries across users.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func Default() Policy {
	return Policy{Initial: DefaultInitial, Max: DefaultMax, Jitter: true}
}

// New returns a fresh stateful backoff for one step invocation.
func (p Policy) New() cenkalti.BackOff {
	b := cenkalti.NewExponentialBackOff()
	b.InitialInterval = p.initial()
	b.MaxInterval = p.max()
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.5
	}
	b.Reset()
	return b
}

// Delay returns the wait before retry attempt n (1-indexed). It is used
// where the attempt counter is persisted rather than held in memory.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.New()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d < 0 {
		return p.max()
	}
	return d
}

func (p Policy) initial() time.Duration {
	if p.Initial <= 0 {
		return DefaultInitial
	}
	return p.Initial
}

func (p Policy) max() time.Duration {
	if p.Max <= 0 {
		return DefaultMax
	}
	return p.Max
}
