// Package auth authenticates callers of the consignguard API.
//
// Authentication model:
// - Operational endpoints (health, metrics): no auth
// - Limiter endpoints (/v1/limits, /v1/policies): storefront services present
//   the shared service token in X-Service-Token
// - Admin endpoints (/v1/admin): operators present X-Admin-Secret
//
// Secrets are kept as SHA-256 digests and compared in constant time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// Errors
var (
	ErrNoCredential      = errors.New("credential required")
	ErrInvalidCredential = errors.New("invalid credential")
)

const (
	ServiceTokenHeader = "X-Service-Token"
	AdminSecretHeader  = "X-Admin-Secret"
)

// Secret is a configured shared secret. The zero value is unset.
type Secret struct {
	hash [sha256.Size]byte
	set  bool
}

// NewSecret hashes raw. An empty raw value gives an unset Secret.
func NewSecret(raw string) Secret {
	if raw == "" {
		return Secret{}
	}
	return Secret{hash: sha256.Sum256([]byte(raw)), set: true}
}

// IsSet reports whether a secret was configured.
func (s Secret) IsSet() bool {
	return s.set
}

// Verify checks a presented credential against the secret.
func (s Secret) Verify(presented string) error {
	if presented == "" {
		return ErrNoCredential
	}
	if !s.set {
		return ErrInvalidCredential
	}
	h := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(h[:], s.hash[:]) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
