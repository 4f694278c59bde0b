package review

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy tunes the automated checks. Loaded from a YAML file at startup so
// operators can adjust thresholds without a rebuild.
type Policy struct {
	MinMessageLen     int      `yaml:"min_message_len"`
	MaxMessageLen     int      `yaml:"max_message_len"`
	BannedPhrases     []string `yaml:"banned_phrases"`
	FlagThreshold     int      `yaml:"flag_threshold"`
	FailThreshold     int      `yaml:"fail_threshold"`
	MaxRecentRejected int      `yaml:"max_recent_rejected"`
}

func DefaultPolicy() Policy {
	return Policy{
		MinMessageLen:     10,
		MaxMessageLen:     5000,
		BannedPhrases:     []string{"test declaration", "ignore this"},
		FlagThreshold:     30,
		FailThreshold:     70,
		MaxRecentRejected: 2,
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
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if policy.FailThreshold <= policy.FlagThreshold {
		return Policy{}, fmt.Errorf("policy fail_threshold must exceed flag_threshold")
	}
	return policy, nil
}
