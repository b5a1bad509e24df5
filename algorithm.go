package ratekit

// Sliding window log.
//
// Every admitted request is a timestamped entry in the store; a check counts
// the entries within [now-window, now]. Expiry is relative to now rather than
// to a bucket boundary, so a client cannot pass 2x the limit by straddling a
// window edge.

import (
	"context"
	"math"
	"time"

	"github.com/nhalm/ratekit/policy"
	"github.com/nhalm/ratekit/store"
)

// evaluate records the request and decides admit/deny in one store round trip.
func evaluate(ctx context.Context, st store.Store, key string, now time.Time, p policy.Policy) (Decision, error) {
	count, err := st.RecordAndCount(ctx, key, now, p.Window, p.StoreLimit())
	if err != nil {
		return Decision{}, err
	}

	hits := clampUint32(count)
	allowed := hits <= p.MaxRequests

	d := Decision{
		Allowed:   allowed,
		Limit:     p.MaxRequests,
		Remaining: remaining(p.MaxRequests, hits),
		ResetAt:   now.Add(p.Window),
		TotalHits: hits,
	}
	if !allowed {
		d.RetryAfter = p.Window
	}
	return d, nil
}

// inspect reports the window state without consuming a slot. Allowed answers
// whether a request made now would be admitted.
func inspect(ctx context.Context, st store.Store, key string, now time.Time, p policy.Policy) (Decision, error) {
	count, err := st.Count(ctx, key, now, p.Window)
	if err != nil {
		return Decision{}, err
	}

	hits := clampUint32(count)
	allowed := hits < p.MaxRequests

	d := Decision{
		Allowed:   allowed,
		Limit:     p.MaxRequests,
		Remaining: remaining(p.MaxRequests, hits),
		ResetAt:   now.Add(p.Window),
		TotalHits: hits,
	}
	if !allowed {
		d.RetryAfter = p.Window
	}
	return d, nil
}

func remaining(limit, hits uint32) uint32 {
	if hits >= limit {
		return 0
	}
	return limit - hits
}

func clampUint32(n int64) uint32 {
	if n <= 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}
