// Package dlmnet implements the cluster transport: a persistent,
// length-framed TCP connection per peer node carrying internal/dlm/message
// frames.
package dlmnet

import (
	"math/rand"
	"time"
)

// Backoff produces increasing, jittered reconnect delays in the spirit of
// aws-sdk-go-v2's jittered retry backoff (the SDK's own retryer type is
// bound to its request pipeline and cannot be reused standalone outside
// an SDK client call, so this is a small hand-rolled equivalent rather than
// an import — see DESIGN.md).
type Backoff struct {
	Min, Max time.Duration
	attempt  int
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay before the next reconnect attempt and advances
// the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Min << uint(b.attempt)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	// full jitter: uniform random in [0, d]
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
}
