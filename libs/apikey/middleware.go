package apikey

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderName         = "X-API-Key"
	ContextOperatorKey = "operator_id"
)

// Middleware admits requests whose X-API-Key verifies against one of records.
func Middleware(records ...Record) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderName))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}

		var lastErr error = ErrInvalidKey
		for _, record := range records {
			err := Verify(key, record, c.ClientIP())
			if err == nil {
				c.Set(ContextOperatorKey, record.UserID)
				c.Next()
				return
			}
			// a hash match with a bad IP or revocation beats a plain mismatch
			if !errors.Is(err, ErrInvalidKey) {
				lastErr = err
			}
		}

		if errors.Is(lastErr, ErrIPNotAllowed) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "ip not allowed"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
	}
}
