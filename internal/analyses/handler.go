package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/server/respond"
	"policy-backend/internal/statestore"
	"policy-backend/internal/uploads"
)

const defaultRunTimeout = 10 * time.Minute

// Handler wires HTTP handlers to the orchestrator.
type Handler struct {
	Orchestrator *Orchestrator
	Uploads      *uploads.Service
	// RunTimeout bounds a run once it is detached from the request.
	RunTimeout time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(o *Orchestrator, up *uploads.Service, runTimeout time.Duration) *Handler {
	return &Handler{Orchestrator: o, Uploads: up, RunTimeout: runTimeout}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/policies/:policyIndex/analyses", h.analyze)
	rg.GET("/policies/:policyIndex/progress", h.progress)
	rg.GET("/policies/:policyIndex/analysis", h.restore)
	rg.GET("/policies/:policyIndex/documents/:name", h.document)
}

func (h *Handler) analyze(c *gin.Context) {
	user, policyIndex, ok := identityAndPolicy(c)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "multipart form with files is required", nil)
		return
	}

	accepted, err := h.Uploads.Collect(c.Request.Context(), user, policyIndex, form.File["files"])
	if err != nil {
		var rejected *uploads.RejectedError
		if errors.As(err, &rejected) {
			respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "one or more files were rejected", rejected.Rejections)
			return
		}
		respond.Error(c, http.StatusInternalServerError, ErrorCodeInternal, "failed to read uploads", nil)
		return
	}
	blobs := make([]FileBlob, 0, len(accepted))
	for _, f := range accepted {
		blobs = append(blobs, FileBlob{Name: f.Name, MIMEType: f.MIMEType, Data: f.Data})
	}

	// The run outlives a client that disconnects so its documents still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.runTimeout())
	defer cancel()
	ctx = WithRequestID(ctx, middleware.RequestIDFromContext(c))

	result, err := h.Orchestrator.Analyze(ctx, blobs, user, policyIndex)
	if result.RunID != "" {
		c.Set("runId", result.RunID)
	}
	if err != nil {
		code := classifyFailure(err)
		if code == ErrorCodeValidation {
			respond.Error(c, http.StatusBadRequest, code, sanitizeError(err), nil)
			return
		}
		msg := sanitizeError(err)
		content, _ := json.MarshalIndent(gin.H{"error": msg}, "", "  ")
		respond.JSON(c, http.StatusOK, gin.H{
			"content": string(content),
			"error":   msg,
			"code":    code,
		})
		return
	}

	content, err := result.JSON()
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, ErrorCodeInternal, "failed to encode result", nil)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"runId":   result.RunID,
		"content": content,
	})
}

func (h *Handler) progress(c *gin.Context) {
	user, policyIndex, ok := identityAndPolicy(c)
	if !ok {
		return
	}
	p, found := h.Orchestrator.ProgressOf(user, policyIndex)
	if !found {
		respond.Error(c, http.StatusNotFound, "not_found", "no analysis has run for this policy", nil)
		return
	}
	respond.JSON(c, http.StatusOK, p)
}

func (h *Handler) restore(c *gin.Context) {
	user, policyIndex, ok := identityAndPolicy(c)
	if !ok {
		return
	}
	result, err := h.Orchestrator.Restore(c.Request.Context(), user, policyIndex)
	if err != nil {
		writeStoreError(c, err, "analysis not found")
		return
	}
	respond.JSON(c, http.StatusOK, result)
}

func (h *Handler) document(c *gin.Context) {
	user, policyIndex, ok := identityAndPolicy(c)
	if !ok {
		return
	}
	doc, err := h.Orchestrator.Document(c.Request.Context(), user, policyIndex, c.Param("name"))
	if err != nil {
		writeStoreError(c, err, "document not found")
		return
	}
	respond.JSON(c, http.StatusOK, doc)
}

func (h *Handler) runTimeout() time.Duration {
	if h.RunTimeout <= 0 {
		return defaultRunTimeout
	}
	return h.RunTimeout
}

func identityAndPolicy(c *gin.Context) (string, int, bool) {
	user := middleware.UserIdentityFromContext(c)
	if user == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "user identity is required", nil)
		return "", 0, false
	}
	policyIndex, err := strconv.Atoi(c.Param("policyIndex"))
	if err != nil || policyIndex < 1 {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "policyIndex must be a positive integer", nil)
		return "", 0, false
	}
	return user, policyIndex, true
}

func writeStoreError(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", notFound, nil)
	case errors.Is(err, ErrNotConfigured):
		respond.Error(c, http.StatusServiceUnavailable, "store_unavailable", "state store is not configured", nil)
	case statestore.IsRetryable(err):
		respond.Error(c, http.StatusServiceUnavailable, "store_unavailable", "state store is unreachable", nil)
	case errors.Is(err, ErrInvalidDocument):
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, sanitizeError(err), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, ErrorCodeInternal, "failed to read state store", nil)
	}
}
