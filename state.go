// Response state carried through the request context by Handler.
package ratekit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "ratekit_state"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	limit   *limitOutcome
}

// limitOutcome is the last rate limit decision made for the request. With
// stacked middleware the innermost check wins, and a denial ends the chain.
type limitOutcome struct {
	policy   string
	decision Decision
}

func (s *State) recordLimit(policyName string, d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = &limitOutcome{policy: policyName, decision: d}
}

// HasState returns true if Handler state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}
