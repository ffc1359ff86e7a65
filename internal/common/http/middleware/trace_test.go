package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	commonmw "leetlabs/internal/common/http/middleware"
	"leetlabs/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type traceResponse struct {
	TraceID    string `json:"trace_id"`
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	CtxTraceID string `json:"ctx_trace_id"`
	CtxUserID  string `json:"ctx_user_id"`
}

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware(), commonmw.MetricsMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, traceResponse{
			TraceID:    c.GetString("trace_id"),
			RequestID:  c.GetString("request_id"),
			UserID:     c.GetString("user_id"),
			CtxTraceID: toString(ctx.Value(contextkey.TraceID)),
			CtxUserID:  contextkey.UserIDFrom(ctx),
		})
	})

	cases := []struct {
		name            string
		headers         map[string]string
		expectedTraceID string
		expectedUserID  string
	}{
		{
			name: "generate trace and request id",
		},
		{
			name: "preserve trace and user id",
			headers: map[string]string{
				"X-Trace-Id": "trace-123",
				"X-User-Id":  "42",
			},
			expectedTraceID: "trace-123",
			expectedUserID:  "42",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			router.ServeHTTP(rec, req)

			var resp traceResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			if resp.TraceID == "" || resp.RequestID == "" {
				t.Fatalf("expected trace and request id, got %+v", resp)
			}
			if resp.CtxTraceID != resp.TraceID {
				t.Fatalf("expected trace id in request context, got %q", resp.CtxTraceID)
			}
			if tc.expectedTraceID != "" && resp.TraceID != tc.expectedTraceID {
				t.Fatalf("expected trace id %s, got %s", tc.expectedTraceID, resp.TraceID)
			}
			if resp.UserID != tc.expectedUserID || resp.CtxUserID != tc.expectedUserID {
				t.Fatalf("expected user id %q, got %q / %q", tc.expectedUserID, resp.UserID, resp.CtxUserID)
			}
			if rec.Header().Get("X-Trace-Id") != resp.TraceID {
				t.Fatalf("expected trace id header")
			}
			if rec.Header().Get("X-Request-Id") != resp.RequestID {
				t.Fatalf("expected request id header")
			}
		})
	}
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
