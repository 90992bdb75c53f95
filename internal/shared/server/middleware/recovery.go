package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"policy-backend/internal/shared/server/respond"
	"policy-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 error envelope. Panics inside
// analysis prompts are recovered by the orchestrator and never reach here.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			fields := map[string]any{
				"request_id": RequestIDFromContext(c),
				"error":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
				"route":      c.FullPath(),
				"method":     c.Request.Method,
			}
			if user := UserIdentityFromContext(c); user != "" {
				fields["user"] = user
			}
			if runID := c.GetString("runId"); runID != "" {
				fields["run_id"] = runID
			}
			telemetry.Error("http.panic", fields)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, "internal_error", "unexpected server error", nil)
		}()
		c.Next()
	}
}
