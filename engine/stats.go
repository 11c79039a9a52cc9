package engine

import (
	"sync"
	"time"
)

// StatsSnapshot is a consistent copy of UsageStats.
type StatsSnapshot struct {
	Epoch               uint64
	RenderCount         int64
	ConsecutiveFailures int64
	LastActivity        time.Time
}

// UsageStats tracks wear of the currently published handle.
//
// Every reading carries the epoch of the handle it belongs to; recordings
// for a superseded epoch are dropped so that an operation finishing on an
// old handle never counts against its replacement.
type UsageStats struct {
	mu                  sync.Mutex
	epoch               uint64
	renderCount         int64
	consecutiveFailures int64
	lastActivity        time.Time
}

// NewUsageStats returns zeroed stats for epoch 0.
func NewUsageStats() *UsageStats {
	return &UsageStats{lastActivity: time.Now()}
}

// RecordSuccess counts one successful render. It reports false when epoch
// is stale.
func (s *UsageStats) RecordSuccess(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.renderCount++
	s.consecutiveFailures = 0
	s.lastActivity = time.Now()
	return true
}

// RecordFailure counts one backend-side render failure.
func (s *UsageStats) RecordFailure(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.consecutiveFailures++
	s.lastActivity = time.Now()
	return true
}

// Snapshot returns the current counters.
func (s *UsageStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Epoch:               s.epoch,
		RenderCount:         s.renderCount,
		ConsecutiveFailures: s.consecutiveFailures,
		LastActivity:        s.lastActivity,
	}
}

// Reset zeroes the counters and moves the stats to a new epoch.
// Only the recycler calls this.
func (s *UsageStats) Reset(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = epoch
	s.renderCount = 0
	s.consecutiveFailures = 0
	s.lastActivity = time.Now()
}
