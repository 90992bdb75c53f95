package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestRequestIDKeepsWellFormedHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/x", func(c *gin.Context) { seen = RequestIDFromContext(c) })

	cases := []struct {
		header string
		keep   bool
	}{
		{header: "req-1234abcd", keep: true},
		{header: "", keep: false},
		{header: "short", keep: false},
		{header: "bad id\nwith newline", keep: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("X-Request-Id", tc.header)
		}
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)

		got := resp.Header().Get("X-Request-Id")
		if got != seen {
			t.Fatalf("header %q and context %q differ", got, seen)
		}
		if tc.keep && got != tc.header {
			t.Fatalf("expected %q to be kept, got %q", tc.header, got)
		}
		if !tc.keep {
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("expected generated uuid for %q, got %q", tc.header, got)
			}
		}
	}
}
