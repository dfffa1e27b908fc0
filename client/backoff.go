package client

import (
	"math/rand"
	"time"
)

// Backoff computes the exponential reconnect delay from spec.md §4.9:
// base reconnectInterval, factor 2, capped at 30s, ±20% jitter so a
// fleet of clients reconnecting after the same outage doesn't retry in
// lockstep.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff constructs a Backoff. base <= 0 means 1s, max <= 0 means 30s.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next reconnect attempt and advances
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max { // d <= 0 guards against shift overflow on a long outage
		d = b.Max
	}
	b.attempt++
	return jitter(d)
}

// Attempt returns the number of attempts made since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset zeroes the attempt counter, called once a connection succeeds.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// jitter applies ±20% uniform jitter to d.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}
