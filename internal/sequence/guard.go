// Package sequence issues generation tokens that let late asynchronous
// callbacks detect that a newer turn or a cancellation superseded them.
package sequence

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Token identifies one logical turn.
type Token struct {
	Sequence     uint64
	GenerationID string
}

// IsZero reports whether the token was never issued.
func (t Token) IsZero() bool {
	return t.Sequence == 0
}

// Guard is a monotonically increasing generation counter. The zero value is
// ready to use. Share it by pointer.
type Guard struct {
	counter atomic.Uint64
}

// Next issues a new token and invalidates every earlier one.
func (g *Guard) Next() Token {
	return Token{
		Sequence:     g.counter.Add(1),
		GenerationID: uuid.NewString(),
	}
}

// Invalidate advances the counter without issuing a token, so every
// outstanding token stops being current.
func (g *Guard) Invalidate() {
	g.counter.Add(1)
}

// IsCurrent reports whether t is the most recently issued token.
func (g *Guard) IsCurrent(t Token) bool {
	return !t.IsZero() && g.counter.Load() == t.Sequence
}

// Current returns the latest sequence number.
func (g *Guard) Current() uint64 {
	return g.counter.Load()
}
