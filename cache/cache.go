// Package cache stores rendered images so identical requests skip the
// backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Store holds rendered images keyed by Key. Implementations are safe for
// concurrent use. A Store failure is never fatal to a render: Get reports a
// miss and Set drops the entry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, img []byte)
	Close() error
}

// Key hashes a render kind and its canonical payload into a cache key.
func Key(kind string, payload ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range payload {
		h.Write([]byte("|"))
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// entry holds a cached image with its creation timestamp.
type entry struct {
	img       []byte
	createdAt time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a Memory store. A background goroutine evicts expired
// entries every ttl (at least once a minute) until Close.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Memory{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		stop:       make(chan struct{}),
	}

	go c.cleanupLoop()
	return c
}

// Get returns a cached image younger than the TTL.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok || time.Since(e.createdAt) > c.ttl {
		return nil, false
	}
	return e.img, true
}

// Set stores an image. If the store is at capacity, a random entry is
// evicted to make room.
func (c *Memory) Set(_ context.Context, key string, img []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict one random entry if at capacity (map iteration is random in Go).
	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		img:       img,
		createdAt: time.Now(),
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the eviction loop.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *Memory) cleanupLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Memory) evictExpired() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
}
