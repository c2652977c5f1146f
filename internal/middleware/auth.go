package middleware

import (
	"errors"
	"net/http"
	"strings"

	pkgAuth "tabsy-split-service/pkg/auth"

	"github.com/gin-gonic/gin"
)

const (
	ContextGuestIDKey   = "guestSessionID"
	ContextSessionIDKey = "tableSessionID"
	ContextStaffIDKey   = "staffID"
)

func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := pkgAuth.ParseGuestToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextGuestIDKey, claims.GuestSessionID)
		c.Set(ContextSessionIDKey, claims.TableSessionID)
		c.Next()
	}
}

func StaffAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := pkgAuth.ParseStaffToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextStaffIDKey, claims.GuestSessionID)
		c.Next()
	}
}

func extractBearerToken(authHeader string) (string, error) {
	if strings.TrimSpace(authHeader) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
