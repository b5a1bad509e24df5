// Package policy defines named rate-limiting policies and the read-only
// registry that resolves them.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FailureMode decides what a check returns when the counter store is unreachable.
type FailureMode string

const (
	// FailOpen admits requests while the store is down (default).
	FailOpen FailureMode = "open"

	// FailClosed denies requests while the store is down.
	FailClosed FailureMode = "closed"
)

// Policy is a named window/threshold pair governing one class of protected operation.
// Policies are immutable once registered.
type Policy struct {
	// Name identifies the policy and namespaces its store keys. Must not contain ':'.
	Name string `yaml:"name" json:"name" validate:"required,max=64,excludes=:"`

	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window" json:"window" validate:"min=1ms"`

	// MaxRequests is the number of requests admitted per window.
	MaxRequests uint32 `yaml:"max_requests" json:"max_requests" validate:"min=1"`

	// FailureMode selects fail-open or fail-closed behavior (default: open).
	FailureMode FailureMode `yaml:"failure_mode,omitempty" json:"failure_mode,omitempty" validate:"omitempty,oneof=open closed"`

	// CountRejected records denied requests in the window too, so a client
	// hammering past its limit stays saturated instead of regaining slots as
	// old entries expire.
	CountRejected bool `yaml:"count_rejected,omitempty" json:"count_rejected,omitempty"`
}

// Key returns the store key for identifier under this policy.
func (p Policy) Key(identifier string) string {
	var b strings.Builder
	b.Grow(len(p.Name) + 1 + len(identifier))
	b.WriteString(p.Name)
	b.WriteByte(':')
	b.WriteString(identifier)
	return b.String()
}

// FailsOpen reports whether checks under this policy admit requests when the store is down.
func (p Policy) FailsOpen() bool {
	return p.FailureMode != FailClosed
}

// StoreLimit is the limit handed to the store: the entry is only recorded while
// the window has room, unless rejected requests are counted too.
func (p Policy) StoreLimit() int64 {
	if p.CountRejected {
		return 0
	}
	return int64(p.MaxRequests)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("policy %q: field %s failed %q validation (value: %v)", p.Name, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("policy %q: %w", p.Name, err)
	}
	return nil
}

// Registry is a read-only table of policies keyed by name.
// Safe for concurrent lookups once constructed.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry validates the policies and builds a registry.
// Returns an error on invalid or duplicate policies.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.policies[p.Name]; exists {
			return nil, fmt.Errorf("duplicate policy %q", p.Name)
		}
		if p.FailureMode == "" {
			p.FailureMode = FailOpen
		}
		r.policies[p.Name] = p
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
// Intended for startup code with static policy tables.
func MustRegistry(policies ...Policy) *Registry {
	r, err := NewRegistry(policies...)
	if err != nil {
		panic("policy: " + err.Error())
	}
	return r
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// Names returns the registered policy names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered policies.
func (r *Registry) Len() int {
	return len(r.policies)
}

// Defaults returns the reference policy set: generic API traffic, calls to
// paid AI providers, and low-volume lead submission.
func Defaults() []Policy {
	return []Policy{
		{Name: "api", Window: time.Minute, MaxRequests: 100},
		{Name: "ai-provider-calls", Window: time.Minute, MaxRequests: 10, FailureMode: FailClosed},
		{Name: "lead-submission", Window: time.Hour, MaxRequests: 5},
	}
}
