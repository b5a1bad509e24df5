// Package ratekit provides a distributed sliding-window rate limiter and its
// HTTP middleware for Chi and standard http.Handler.
//
// Any number of stateless processes can each construct their own Limiter
// against one shared store; the store's atomic record-and-count keeps the
// window correct across all of them.
//
// Basic usage:
//
//	st, err := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	reg := policy.MustRegistry(policy.Defaults()...)
//	limiter := ratekit.NewLimiter(st, reg, ratekit.WithObserver(ratekit.CanonlogObserver()))
//
//	d, err := limiter.Check(ctx, "api", userID)
//	if err != nil {
//		return err // unknown policy: deployment misconfiguration
//	}
//	if !d.Allowed {
//		// reject, retry after d.RetryAfter
//	}
//
// As middleware:
//
//	r.Use(ratekit.NewMiddleware(limiter, "api", ratekit.KeyByIP()).Handler)
//
// When the store is unreachable, checks degrade according to the policy's
// failure mode (open by default) and are reported to observers; the store
// error never reaches the caller of Check.
package ratekit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhalm/ratekit/clock"
	"github.com/nhalm/ratekit/policy"
	"github.com/nhalm/ratekit/store"
)

// DefaultTimeout bounds each store call unless overridden with WithTimeout.
const DefaultTimeout = 100 * time.Millisecond

const tracerName = "github.com/nhalm/ratekit"

// Limiter resolves policies and runs sliding-window checks against a shared store.
// A Limiter holds no mutable state and is safe for concurrent use.
type Limiter struct {
	store     store.Store
	registry  *policy.Registry
	clock     clock.Clock
	timeout   time.Duration
	observers []Observer
	tracer    trace.Tracer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used to timestamp requests (default: clock.Real).
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithTimeout bounds each store call. Exceeding it degrades the check exactly
// like a connection failure. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithObserver adds an observer for denials and degradations. May be repeated.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observers = append(l.observers, o)
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
// (default: the global provider).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(tracerName)
	}
}

// NewLimiter creates a limiter over st using the policies in reg.
func NewLimiter(st store.Store, reg *policy.Registry, opts ...Option) *Limiter {
	l := &Limiter{
		store:    st,
		registry: reg,
		clock:    clock.Real{},
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracer == nil {
		l.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return l
}

// Check records a request for identifier under the named policy and decides
// whether it is admitted.
//
// The only error returned is a *ConfigError for an unknown policy. Store
// failures degrade the decision (Degraded is set) and are reported to observers.
func (l *Limiter) Check(ctx context.Context, policyName, identifier string) (Decision, error) {
	p, ok := l.registry.Lookup(policyName)
	if !ok {
		return Decision{}, &ConfigError{Policy: policyName}
	}

	ctx, span := l.tracer.Start(ctx, "ratekit.Check", trace.WithAttributes(attribute.String("ratekit.policy", p.Name)))
	defer span.End()

	now := l.clock.Now()

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	d, err := evaluate(storeCtx, l.store, p.Key(identifier), now, p)
	cancel()

	switch {
	case err != nil:
		d = degradedDecision(p, now, true)
		l.degrade(ctx, span, p, identifier, err)
	case !d.Allowed:
		l.emit(ctx, Event{Kind: EventDenied, Policy: p.Name, Identifier: identifier, Count: d.TotalHits})
	}

	annotate(span, d)
	return d, nil
}

// MustCheck is like Check but panics on an unknown policy.
// Use it outside the request path where misconfiguration should fail fast.
func (l *Limiter) MustCheck(ctx context.Context, policyName, identifier string) Decision {
	d, err := l.Check(ctx, policyName, identifier)
	if err != nil {
		panic(err)
	}
	return d
}

// Status reports the window state for identifier without consuming a slot.
// Allowed reports whether a request made now would be admitted.
func (l *Limiter) Status(ctx context.Context, policyName, identifier string) (Decision, error) {
	p, ok := l.registry.Lookup(policyName)
	if !ok {
		return Decision{}, &ConfigError{Policy: policyName}
	}

	ctx, span := l.tracer.Start(ctx, "ratekit.Status", trace.WithAttributes(attribute.String("ratekit.policy", p.Name)))
	defer span.End()

	now := l.clock.Now()

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	d, err := inspect(storeCtx, l.store, p.Key(identifier), now, p)
	cancel()

	if err != nil {
		d = degradedDecision(p, now, false)
		l.degrade(ctx, span, p, identifier, err)
	}

	annotate(span, d)
	return d, nil
}

// Reset clears the window for identifier under the named policy.
// Returns a *ConfigError for an unknown policy or the store error.
func (l *Limiter) Reset(ctx context.Context, policyName, identifier string) error {
	p, ok := l.registry.Lookup(policyName)
	if !ok {
		return &ConfigError{Policy: policyName}
	}

	ctx, span := l.tracer.Start(ctx, "ratekit.Reset", trace.WithAttributes(attribute.String("ratekit.policy", p.Name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Reset(ctx, p.Key(identifier)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reset failed")
		return err
	}
	return nil
}

// Policy returns the named policy.
func (l *Limiter) Policy(name string) (policy.Policy, bool) {
	return l.registry.Lookup(name)
}

func (l *Limiter) degrade(ctx context.Context, span trace.Span, p policy.Policy, identifier string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "store unavailable")
	l.emit(ctx, Event{Kind: EventDegraded, Policy: p.Name, Identifier: identifier, Err: err})
}

func (l *Limiter) emit(ctx context.Context, ev Event) {
	for _, o := range l.observers {
		o.Observe(ctx, ev)
	}
}

func annotate(span trace.Span, d Decision) {
	span.SetAttributes(
		attribute.Bool("ratekit.allowed", d.Allowed),
		attribute.Bool("ratekit.degraded", d.Degraded),
		attribute.Int64("ratekit.total_hits", int64(d.TotalHits)),
		attribute.Int64("ratekit.remaining", int64(d.Remaining)),
	)
}
