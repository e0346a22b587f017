package identity

import (
	"github.com/gin-gonic/gin"
)

// UserHeader carries the user ID resolved by the upstream identity provider.
const UserHeader = "X-User-ID"

const contextKey = "actorIdentity"

// FromGin resolves the caller's identity: the user from UserHeader (set by
// the trusted edge after authentication) and the origin from gin's ClientIP,
// which honours the engine's trusted proxy settings.
func FromGin(c *gin.Context) Identity {
	if v, ok := c.Get(contextKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	id := New(c.GetHeader(UserHeader), c.ClientIP())
	c.Set(contextKey, id)
	return id
}

// Set overrides the identity FromGin will return for this request.
func Set(c *gin.Context, id Identity) {
	c.Set(contextKey, id)
}
