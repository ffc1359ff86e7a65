package middleware

import (
	"context"
	"strings"

	"leetlabs/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"
)

// TraceContextMiddleware puts trace, request and user ids into the gin and request contexts.
// Trace and request ids are generated when absent. The user id is trusted from the gateway header.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, traceIDHeader)
		requestID := headerOrNew(c, requestIDHeader)
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))

		ctx := c.Request.Context()
		ctx = bind(c, ctx, contextkey.TraceID, traceID, traceIDHeader)
		ctx = bind(c, ctx, contextkey.RequestID, requestID, requestIDHeader)
		if userID != "" {
			ctx = bind(c, ctx, contextkey.UserID, userID, userIDHeader)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}

func bind(c *gin.Context, ctx context.Context, key interface{ String() string }, value, header string) context.Context {
	c.Set(key.String(), value)
	c.Writer.Header().Set(header, value)
	return context.WithValue(ctx, key, value)
}
