package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyPrincipal is the gin context key holding the caller's Principal.
const ContextKeyPrincipal = "authPrincipal"

// Principal names the kind of caller a request authenticated as.
type Principal string

const (
	PrincipalService Principal = "service"
	PrincipalAdmin   Principal = "admin"
	// PrincipalOpen marks requests admitted because no secret is configured.
	PrincipalOpen Principal = "open"
)

// RequireService rejects requests without a valid service token. With an
// unset token every request is admitted as PrincipalOpen; config refuses
// that in production.
func RequireService(token Secret) gin.HandlerFunc {
	return require(token, ServiceTokenHeader, PrincipalService)
}

// RequireAdmin rejects requests without a valid admin secret. An unset
// secret admits every request as PrincipalOpen.
func RequireAdmin(secret Secret) gin.HandlerFunc {
	return require(secret, AdminSecretHeader, PrincipalAdmin)
}

func require(secret Secret, header string, principal Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secret.IsSet() {
			c.Set(ContextKeyPrincipal, PrincipalOpen)
			c.Next()
			return
		}

		err := secret.Verify(c.GetHeader(header))
		switch {
		case errors.Is(err, ErrNoCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Include the '" + header + "' header.",
			})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid " + header + ".",
			})
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return "", false
	}
	p, ok := v.(Principal)
	return p, ok
}
