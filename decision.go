package ratekit

import (
	"time"

	"github.com/nhalm/ratekit/policy"
)

// Decision is the outcome of a single check. Decisions are computed fresh on
// every call; nothing is cached outside the store.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// Limit is the policy's MaxRequests.
	Limit uint32 `json:"limit"`

	// Remaining is how many more requests fit in the window.
	Remaining uint32 `json:"remaining"`

	// ResetAt is the far edge of the current window. It never understates the wait.
	ResetAt time.Time `json:"resetAt"`

	// RetryAfter is how long a denied caller should wait. Zero when allowed.
	RetryAfter time.Duration `json:"-"`

	// TotalHits is the number of requests in the window, including this one.
	TotalHits uint32 `json:"totalHits"`

	// Degraded is set when the store was unreachable and the decision came
	// from the policy's failure mode instead of a real count.
	Degraded bool `json:"degraded"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	secs := int64(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// degradedDecision is returned when the store fails. consumed reports whether
// the failed call would have taken a slot (Check) or not (Status).
func degradedDecision(p policy.Policy, now time.Time, consumed bool) Decision {
	resetAt := now.Add(p.Window)

	if !p.FailsOpen() {
		return Decision{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: p.Window,
			Degraded:   true,
		}
	}

	d := Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests,
		ResetAt:   resetAt,
		Degraded:  true,
	}
	if consumed {
		d.Remaining = p.MaxRequests - 1
		d.TotalHits = 1
	}
	return d
}
