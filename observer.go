package ratekit

import (
	"context"

	"github.com/nhalm/canonlog"
)

// EventKind classifies an observer event.
type EventKind string

const (
	// EventDenied is emitted when a check rejects a request.
	EventDenied EventKind = "denied"

	// EventDegraded is emitted when the store failed and the policy's
	// failure mode decided instead.
	EventDegraded EventKind = "degraded"
)

// Event describes a denial or a degradation.
type Event struct {
	Kind       EventKind
	Policy     string
	Identifier string
	// Count is the window count the decision was based on. Zero when degraded.
	Count uint32
	// Err is the store error behind a degradation.
	Err error
}

// Observer receives limiter events. Observe runs synchronously on the request
// path and must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f(ctx, ev).
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// CanonlogObserver returns an Observer that appends rate limit fields to the
// request's canonical log line. It is a no-op when the context carries no
// canonlog logger (see WithCanonlog).
func CanonlogObserver() Observer {
	return ObserverFunc(func(ctx context.Context, ev Event) {
		if _, ok := canonlog.TryGetLogger(ctx); !ok {
			return
		}

		canonlog.InfoAddMany(ctx, map[string]any{
			"ratelimit_policy": ev.Policy,
			"ratelimit_event":  string(ev.Kind),
			"ratelimit_count":  ev.Count,
		})
		if ev.Err != nil {
			canonlog.ErrorAdd(ctx, ev.Err)
		}
	})
}
