// Package identity describes the actor behind a guarded operation. The
// identity provider resolves who the actor is; this package only carries the
// result and derives rate-limit bucket keys from it.
package identity

import (
	"strings"
)

const (
	// Anonymous stands in for a missing user ID in bucket keys.
	Anonymous = "anonymous"
	// UnknownOrigin is used when the network origin cannot be determined.
	UnknownOrigin = "unknown"
)

// Identity is the already-resolved actor of a single call.
type Identity struct {
	UserID string `json:"userId,omitempty"`
	Origin string `json:"origin"`
}

// New normalizes userID and origin into an Identity. Blank origins become
// UnknownOrigin.
func New(userID, origin string) Identity {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		origin = UnknownOrigin
	}
	return Identity{UserID: strings.TrimSpace(userID), Origin: strings.ToLower(origin)}
}

// HasUser reports whether the identity carries a stable user ID.
func (i Identity) HasUser() bool {
	return i.UserID != ""
}

// HasOrigin reports whether the network origin is known.
func (i Identity) HasOrigin() bool {
	return i.Origin != "" && i.Origin != UnknownOrigin
}

// UserOrAnonymous returns the user ID or Anonymous.
func (i Identity) UserOrAnonymous() string {
	if i.UserID == "" {
		return Anonymous
	}
	return i.UserID
}

// segmentEscaper keeps ':' out of the action and user segments so the
// origin, which may itself contain ':' (IPv6), is always the remainder after
// the second separator.
var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key returns the composite bucket key action:(userID|anonymous):origin.
// '%' and ':' in the action and user ID are percent-escaped, and a real user
// named "anonymous" is written as "%61nonymous", so distinct identities never
// share a key.
func Key(action string, id Identity) string {
	origin := id.Origin
	if origin == "" {
		origin = UnknownOrigin
	}
	user := Anonymous
	switch {
	case id.UserID == Anonymous:
		user = "%61nonymous"
	case id.UserID != "":
		user = segmentEscaper.Replace(id.UserID)
	}
	var b strings.Builder
	b.Grow(len(action) + len(user) + len(origin) + 2)
	b.WriteString(segmentEscaper.Replace(action))
	b.WriteByte(':')
	b.WriteString(user)
	b.WriteByte(':')
	b.WriteString(origin)
	return b.String()
}
