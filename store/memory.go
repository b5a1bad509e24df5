package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nhalm/ratekit/clock"
)

var errMemoryClosed = errors.New("memory store closed")

type memoryWindow struct {
	scores     []int64 // unix ms, one per recorded request
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each process keeps its own windows, so limits are not shared across instances.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
//
// For production distributed systems, use the Redis store instead.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	clock   clock.Clock
	stopCh  chan struct{}
	closed  bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithClock sets the clock that key TTLs are measured against, like a
// Redis server's own clock. Entry scores still come from the caller's now.
// Defaults to clock.Real.
func MemoryWithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired keys.
// A background goroutine runs every minute to remove keys whose TTL has passed.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		windows: make(map[string]*memoryWindow),
		clock:   clock.Real{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// RecordAndCount holds the store lock for the whole trim/count/add/expire sequence.
func (m *Memory) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{Op: "record", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, &UnavailableError{Op: "record", Key: key, Err: errMemoryClosed}
	}

	w := m.trimLocked(key, now, window)
	count := int64(len(w.scores))

	if limit <= 0 || count < limit {
		w.scores = append(w.scores, now.UnixMilli())
	}
	w.expiration = m.clock.Now().Add(time.Duration(ttlSeconds(window)) * time.Second)

	return count + 1, nil
}

// Count trims expired entries and returns how many remain.
func (m *Memory) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{Op: "count", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, &UnavailableError{Op: "count", Key: key, Err: errMemoryClosed}
	}

	w, ok := m.windows[key]
	if !ok {
		return 0, nil
	}
	w.scores = trimScores(w.scores, now.UnixMilli()-window.Milliseconds())
	return int64(len(w.scores)), nil
}

// Reset removes the window for the given key.
func (m *Memory) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "reset", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &UnavailableError{Op: "reset", Key: key, Err: errMemoryClosed}
	}

	delete(m.windows, key)
	return nil
}

// Close stops the background cleanup goroutine and releases resources.
// Operations after Close fail with an UnavailableError.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.windows = nil
	return nil
}

// trimLocked returns the window for key with entries older than the threshold
// removed, creating it when missing. Must be called with m.mu held.
func (m *Memory) trimLocked(key string, now time.Time, window time.Duration) *memoryWindow {
	w, ok := m.windows[key]
	if !ok {
		w = &memoryWindow{}
		m.windows[key] = w
		return w
	}
	w.scores = trimScores(w.scores, now.UnixMilli()-window.Milliseconds())
	return w
}

// trimScores drops scores strictly below threshold. Scores are not assumed to
// be sorted because callers with skewed clocks may record out of order.
func trimScores(scores []int64, threshold int64) []int64 {
	kept := scores[:0]
	for _, s := range scores {
		if s >= threshold {
			kept = append(kept, s)
		}
	}
	return kept
}

// runCleanup removes every key whose TTL has passed.
func (m *Memory) runCleanup() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, w := range m.windows {
		if now.After(w.expiration) {
			delete(m.windows, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}

