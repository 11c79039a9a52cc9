package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// slot is a published handle plus the bookkeeping needed to retire it
// safely: operations pin the slot for their whole duration, and the handle
// is closed only once it is retired AND no operation still pins it.
type slot struct {
	handle  Handle
	epoch   uint64
	created time.Time

	inflight  atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newSlot(h Handle, epoch uint64) *slot {
	return &slot{
		handle:  h,
		epoch:   epoch,
		created: time.Now(),
		closed:  make(chan struct{}),
	}
}

// pin marks an operation as using the slot. Callers must hold the pool's
// read lock while pinning so that a concurrent publish cannot retire the
// slot between the read and the pin.
func (s *slot) pin() {
	s.inflight.Add(1)
}

// unpin releases an operation's hold; the last holder of a retired slot
// closes it.
func (s *slot) unpin() {
	if s.inflight.Add(-1) == 0 && s.retired.Load() {
		s.close()
	}
}

// retire marks the slot superseded. It closes the handle right away when
// nothing is in flight.
func (s *slot) retire() {
	s.retired.Store(true)
	if s.inflight.Load() == 0 {
		s.close()
	}
}

func (s *slot) close() {
	s.closeOnce.Do(func() {
		defer close(s.closed)
		if err := s.handle.Close(); err != nil {
			slog.Warn("engine: failed to close retired handle",
				"handle", s.handle.ID(),
				"epoch", s.epoch,
				"error", err,
			)
			return
		}
		slog.Info("engine: retired handle closed",
			"handle", s.handle.ID(),
			"epoch", s.epoch,
			"age", time.Since(s.created).Round(time.Second).String(),
		)
	})
}
