// Package middleware contains Gin middleware shared by the HTTP surface.
package middleware

import (
	"github.com/marzo245/RoleDesk-B/internal/v1/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header carrying the request correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID propagates the caller's correlation ID, minting one when the
// request arrives without it. The ID is echoed on the response and stored in
// the Gin context so log lines for this request can be tied together.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
