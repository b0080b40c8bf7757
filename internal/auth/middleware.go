package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyClaims is where AdminMiddleware stores the validated claims
const ContextKeyClaims = "admin_claims"

func abortAuth(c *gin.Context, status int, e AuthError, message string) {
	if message == "" {
		message = e.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"error": e.Code, "message": message})
}

// bearerToken returns the token from an "Authorization: Bearer <token>" header
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AdminMiddleware lets a request through only with a valid admin bearer token
func AdminMiddleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortAuth(c, http.StatusUnauthorized, ErrUnauthorized, "missing authorization header")
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			abortAuth(c, http.StatusUnauthorized, ErrUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			var authErr AuthError
			if !errors.As(err, &authErr) {
				authErr = ErrInvalidToken
			}
			abortAuth(c, http.StatusUnauthorized, authErr, "")
			return
		}
		if !claims.IsAdmin {
			abortAuth(c, http.StatusForbidden, ErrForbidden, "admin access required")
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetAdminClaims returns the claims AdminMiddleware stored, or nil
func GetAdminClaims(c *gin.Context) *AdminClaims {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*AdminClaims)
	return claims
}
