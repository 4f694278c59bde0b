package broadcast

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"legend/api/internal/store"
)

// Policy tunes the fan-out: which scopes a confirmation broadcasts to and the
// per-recipient retry bounds. Loaded from a YAML file at startup so operators
// can adjust the release posture without a rebuild.
type Policy struct {
	Scopes        []string `yaml:"scopes"`
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseBackoffMS int      `yaml:"base_backoff_ms"`
}

func DefaultPolicy() Policy {
	return Policy{
		Scopes:        []string{string(store.BroadcastNotify), string(store.BroadcastRelease)},
		MaxAttempts:   3,
		BaseBackoffMS: 500,
	}
}

// LoadPolicy reads a policy file, filling unset fields from defaults. A
// missing path returns defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return Policy{}, fmt.Errorf("read broadcast policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse broadcast policy: %w", err)
	}
	for _, scope := range policy.Scopes {
		switch store.BroadcastType(scope) {
		case store.BroadcastNotify, store.BroadcastRelease:
		default:
			return Policy{}, fmt.Errorf("broadcast policy: unknown scope %q", scope)
		}
	}
	if len(policy.Scopes) == 0 {
		return Policy{}, fmt.Errorf("broadcast policy: at least one scope required")
	}
	if policy.MaxAttempts <= 0 {
		return Policy{}, fmt.Errorf("broadcast policy: max_attempts must be positive")
	}
	return policy, nil
}

// BroadcastScopes converts the configured scope names to store types.
func (p Policy) BroadcastScopes() []store.BroadcastType {
	scopes := make([]store.BroadcastType, 0, len(p.Scopes))
	for _, scope := range p.Scopes {
		scopes = append(scopes, store.BroadcastType(scope))
	}
	return scopes
}

// BaseBackoff returns the configured backoff as a duration.
func (p Policy) BaseBackoff() time.Duration {
	return time.Duration(p.BaseBackoffMS) * time.Millisecond
}
