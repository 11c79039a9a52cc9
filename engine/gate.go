package engine

import (
	"context"
	"sync"
)

// Gate bounds the number of render operations running at once.
// Waiters are admitted in roughly arrival order.
type Gate struct {
	tokens chan struct{}
}

// NewGate creates a Gate admitting at most capacity holders (min 1).
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{tokens: make(chan struct{}, capacity)}
}

// Acquire blocks until a token is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case g.tokens <- struct{}{}:
		return &Token{gate: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outstanding returns the number of tokens currently held.
func (g *Gate) Outstanding() int {
	return len(g.tokens)
}

// Capacity returns the maximum number of concurrent holders.
func (g *Gate) Capacity() int {
	return cap(g.tokens)
}

// Token is one unit of admission. Release returns it to the gate exactly
// once; later calls are no-ops.
type Token struct {
	gate *Gate
	once sync.Once
}

// Release frees the token.
func (t *Token) Release() {
	t.once.Do(func() {
		<-t.gate.tokens
	})
}
