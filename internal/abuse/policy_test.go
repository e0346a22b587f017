package abuse

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_RequiresDefault(t *testing.T) {
	_, err := NewRegistry(loginPolicy)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DefaultAction, ce.Action)
}

func TestRegistry_RejectsInvalidPolicies(t *testing.T) {
	reg := newTestRegistry(t)
	for _, tc := range []struct {
		policy Policy
		field  string
	}{
		{Policy{Action: "x", MaxAttempts: 0, Window: time.Minute}, "maxAttempts"},
		{Policy{Action: "x", MaxAttempts: -1, Window: time.Minute}, "maxAttempts"},
		{Policy{Action: "x", MaxAttempts: 1, Window: 0}, "window"},
		{Policy{Action: "x", MaxAttempts: 1, Window: time.Minute, BlockDuration: -time.Second}, "blockDuration"},
		{Policy{Action: "x", MaxAttempts: 1, Window: time.Minute, BanMultiplier: -2}, "banMultiplier"},
		{Policy{Action: " ", MaxAttempts: 1, Window: time.Minute}, "action"},
	} {
		err := reg.Register(tc.policy)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce, "%+v", tc.policy)
		assert.Equal(t, tc.field, ce.Field)
	}
	assert.Equal(t, DefaultAction, reg.Get("x").Action)
}

func TestRegistry_GetAndAll(t *testing.T) {
	reg := newTestRegistry(t)

	assert.Equal(t, loginPolicy, reg.Get("login"))
	assert.Equal(t, defaultPolicy, reg.Get("nope"))

	var actions []string
	for _, p := range reg.All() {
		actions = append(actions, p.Action)
	}
	assert.Equal(t, []string{"checkout", DefaultAction, "login"}, actions)
	assert.Equal(t, 15*time.Minute, reg.LongestWindow())
}

func TestDefaultPolicies_AreValid(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicies()...)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, reg.LongestWindow())
	assert.Equal(t, 20, reg.Get("login").BanThreshold())
}

func TestParsePolicies(t *testing.T) {
	policies, err := ParsePolicies([]byte(`
policies:
  - action: default
    maxAttempts: 20
    window: 1m
    blockDuration: 2m
  - action: login
    maxAttempts: 5
    window: 15m
    blockDuration: 30m
    banMultiplier: 4
`))
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, loginPolicy, policies[1])
	assert.Equal(t, 0, policies[0].BanMultiplier)
}

func TestParsePolicies_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"malformed":    "policies: [",
		"bad duration": "policies:\n  - action: login\n    maxAttempts: 5\n    window: fifteen\n",
		"duplicate":    "policies:\n  - action: login\n    maxAttempts: 5\n    window: 1m\n  - action: login\n    maxAttempts: 5\n    window: 1m\n",
	} {
		_, err := ParsePolicies([]byte(doc))
		var ce *ConfigError
		assert.True(t, errors.As(err, &ce), name)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - action: login
    maxAttempts: 5
    window: 15m
`), 0o600))

	_, err := LoadPolicyFile(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce, "a table without default must be rejected")

	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - action: default
    maxAttempts: 10
    window: 1m
  - action: checkout
    maxAttempts: 3
    window: 10m
    blockDuration: 1h
    banMultiplier: 2
`), 0o600))

	reg, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Get("checkout").MaxAttempts)
	assert.Equal(t, 6, reg.Get("checkout").BanThreshold())

	_, err = LoadPolicyFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
