// Package store provides the counter stores that hold sliding-window state.
//
// A store owns every window entry. Limiter processes never read-modify-write
// entries themselves; each check is a single atomic call into the store, which
// is what keeps concurrent processes from over-admitting.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store defines the interface for sliding-window counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// RecordAndCount atomically drops entries scored below now-window, counts the
	// survivors, adds an entry scored at now and refreshes the key's TTL to
	// ceil(window/1s) seconds. When limit > 0 the entry is only added while the
	// survivor count is below limit. Returns the survivor count plus one, which
	// counts the current request whether or not its entry was stored.
	RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (int64, error)

	// Count drops entries scored below now-window and returns how many remain.
	// It never adds an entry.
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Reset removes all entries for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrUnavailable matches every error caused by the backing store being
// unreachable, slow or shut down.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError reports a transport-level failure talking to the store.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q failed: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// ttlSeconds rounds window up to whole seconds, the granularity of EXPIRE.
func ttlSeconds(window time.Duration) int64 {
	secs := int64(window / time.Second)
	if window%time.Second != 0 {
		secs++
	}
	return max(1, secs)
}
