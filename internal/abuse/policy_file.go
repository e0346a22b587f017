package abuse

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk form of the policy table:
//
//	policies:
//	  - action: login
//	    maxAttempts: 5
//	    window: 15m
//	    blockDuration: 30m
//	    banMultiplier: 4
type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Action        string `yaml:"action"`
	MaxAttempts   int    `yaml:"maxAttempts"`
	Window        string `yaml:"window"`
	BlockDuration string `yaml:"blockDuration"`
	BanMultiplier int    `yaml:"banMultiplier"`
}

// LoadPolicyFile reads a YAML policy table and builds a registry from it.
func LoadPolicyFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, err
	}
	return NewRegistry(policies...)
}

// ParsePolicies decodes a YAML policy table. Durations use Go syntax
// ("90s", "15m", "24h"); an empty blockDuration means no block beyond the
// window.
func ParsePolicies(data []byte) ([]Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Reason: "malformed policy file: " + err.Error()}
	}

	out := make([]Policy, 0, len(f.Policies))
	seen := make(map[string]bool, len(f.Policies))
	for _, e := range f.Policies {
		if seen[e.Action] {
			return nil, &ConfigError{Action: e.Action, Reason: "duplicate entry"}
		}
		seen[e.Action] = true

		window, err := parseDuration(e.Action, "window", e.Window)
		if err != nil {
			return nil, err
		}
		block, err := parseDuration(e.Action, "blockDuration", e.BlockDuration)
		if err != nil {
			return nil, err
		}
		out = append(out, Policy{
			Action:        e.Action,
			MaxAttempts:   e.MaxAttempts,
			Window:        window,
			BlockDuration: block,
			BanMultiplier: e.BanMultiplier,
		})
	}
	return out, nil
}

func parseDuration(action, field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigError{Action: action, Field: field, Reason: fmt.Sprintf("is not a duration (%q)", raw)}
	}
	return d, nil
}
