package ratekit

import (
	"errors"
	"fmt"
)

// ErrUnknownPolicy matches every ConfigError.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// ConfigError reports a policy name that is not in the registry. It signals a
// deployment misconfiguration, never a runtime condition worth retrying.
type ConfigError struct {
	Policy string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratekit: unknown rate limit policy %q", e.Policy)
}

// Is reports whether target is ErrUnknownPolicy.
func (e *ConfigError) Is(target error) bool {
	return target == ErrUnknownPolicy
}
