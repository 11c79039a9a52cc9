package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGate_MinimumCapacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, NewGate(0).Capacity())
	assert.Equal(t, 1, NewGate(-3).Capacity())
	assert.Equal(t, 4, NewGate(4).Capacity())
}

func TestGate_BlocksAtCapacity(t *testing.T) {
	t.Parallel()

	g := NewGate(2)
	ctx := context.Background()

	t1, err := g.Acquire(ctx)
	require.NoError(t, err)
	t2, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Outstanding())

	acquired := make(chan *Token)
	go func() {
		tok, err := g.Acquire(ctx)
		if err == nil {
			acquired <- tok
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while two tokens are held")
	case <-time.After(50 * time.Millisecond):
	}

	t1.Release()

	select {
	case t3 := <-acquired:
		t3.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquire was not admitted after a release")
	}

	t2.Release()
	assert.Equal(t, 0, g.Outstanding())
}

func TestGate_AcquireHonoursContext(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	held, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tok, err := g.Acquire(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.Outstanding())
}

func TestGate_AcquireWithDoneContextFailsEvenWhenFree(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.Outstanding())
}

func TestToken_ReleaseIsExactlyOnce(t *testing.T) {
	t.Parallel()

	g := NewGate(2)
	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)
	other, err := g.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Release()
		}()
	}
	wg.Wait()

	// Only tok's unit came back; other is still held.
	assert.Equal(t, 1, g.Outstanding())
	other.Release()
	assert.Equal(t, 0, g.Outstanding())
}
