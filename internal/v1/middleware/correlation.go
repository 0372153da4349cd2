// Package middleware contains Gin middleware for the application.
package middleware

import (
	"regexp"

	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLen bounds a client-supplied correlation id; it is echoed
// back in a response header and logged on every message this connection
// sends through the Session Gate, so it's kept to a sane shape rather than
// accepted as opaque client input.
const maxCorrelationIDLen = 128

var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// CorrelationID adds a correlation ID to the request context: the inbound
// X-Correlation-ID header if the caller supplied one and it looks sane,
// otherwise a freshly generated id. The websocket upgrade handler
// (gateway.Hub.ServeWs) reads it back off the Gin context to stamp the
// resulting Session, so it threads through every log line that session's
// OT/conflict/queue activity produces for the lifetime of the connection.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" || len(correlationID) > maxCorrelationIDLen || !validCorrelationID.MatchString(correlationID) {
			correlationID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXCorrelationID, correlationID)

		// Set in context for logger
		c.Set(string(logging.CorrelationIDKey), correlationID)

		// Pass to next handlers
		c.Next()
	}
}
