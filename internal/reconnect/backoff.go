package reconnect

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff is the Fibonacci reconnect delay policy. Delays start at the
// initial delay, grow along the Fibonacci sequence, are jittered by
// ±jitterPercent and never exceed the maximum. The sequence only restarts
// on Reset.
type Backoff struct {
	mu            sync.Mutex
	initial       time.Duration
	max           time.Duration
	jitterPercent uint64
	seq           retry.Backoff
	attempt       int
	delay         time.Duration
}

// NewBackoff returns a Backoff in its initial condition.
func NewBackoff(initial, max time.Duration, jitterPercent uint64) *Backoff {
	if max < initial {
		max = initial
	}
	b := &Backoff{initial: initial, max: max, jitterPercent: jitterPercent}
	b.seq = b.sequence()
	return b
}

func (b *Backoff) sequence() retry.Backoff {
	seq := retry.NewFibonacci(b.initial)
	if b.jitterPercent > 0 {
		seq = retry.WithJitterPercent(b.jitterPercent, seq)
	}
	return retry.WithCappedDuration(b.max, seq)
}

// Next advances the attempt counter and returns the delay before the next
// connection attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay, stop := b.seq.Next()
	if stop || delay <= 0 {
		// The Fibonacci sequence overflowed; stay at the cap.
		delay = b.max
	}
	b.attempt++
	b.delay = delay
	return delay
}

// Reset returns the policy to its initial condition.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq = b.sequence()
	b.attempt = 0
	b.delay = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Delay returns the most recent delay, or zero after Reset.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}
