package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	UserID    key = "user_id"
)

// String returns the key name, also used as the gin context key.
func (k key) String() string {
	return string(k)
}

// UserIDFrom returns the caller's user id placed in ctx by the trace middleware.
func UserIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(UserID).(string); ok {
		return v
	}
	return ""
}
