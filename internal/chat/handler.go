package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"policy-backend/internal/analyses"
	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/server/respond"
	"policy-backend/internal/statestore"
)

// ResultSource restores a stored analysis result.
type ResultSource interface {
	Restore(ctx context.Context, userIdentity string, policyIndex int) (analyses.Result, error)
}

// Handler exposes chat over HTTP.
type Handler struct {
	Registry *Registry
	Results  ResultSource
}

func NewHandler(reg *Registry, results ResultSource) *Handler {
	return &Handler{Registry: reg, Results: results}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat/sessions", h.bind)
	rg.POST("/chat/sessions/:id/questions", h.ask)
}

type bindRequest struct {
	Result      any `json:"result"`
	PolicyIndex int `json:"policyIndex"`
}

type askRequest struct {
	Question string `json:"question"`
}

func (h *Handler) bind(c *gin.Context) {
	owner := middleware.UserIdentityFromContext(c)
	if owner == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "user identity is required", nil)
		return
	}
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}

	result := req.Result
	if result == nil && req.PolicyIndex > 0 {
		if h.Results == nil {
			respond.Error(c, http.StatusServiceUnavailable, "store_unavailable", "stored results are not available", nil)
			return
		}
		restored, err := h.Results.Restore(c.Request.Context(), owner, req.PolicyIndex)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
				return
			}
			respond.Error(c, http.StatusServiceUnavailable, "store_unavailable", "failed to restore analysis", nil)
			return
		}
		result = restored
	}
	if result == nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "result or policyIndex is required", nil)
		return
	}

	s, err := h.Registry.Bind(c.Request.Context(), owner, result)
	if err != nil {
		if errors.Is(err, ErrEmptyResult) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to open chat", nil)
		return
	}
	respond.Created(c, "/api/v1/chat/sessions/"+s.ID, gin.H{
		"sessionId": s.ID,
		"welcome":   WelcomeMessage,
	})
}

func (h *Handler) ask(c *gin.Context) {
	owner := middleware.UserIdentityFromContext(c)
	if owner == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "user identity is required", nil)
		return
	}
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}

	reply, err := h.Registry.Ask(c.Request.Context(), owner, c.Param("id"), req.Question)
	switch {
	case err == nil:
		respond.JSON(c, http.StatusOK, gin.H{"content": reply})
	case errors.Is(err, ErrUnboundSession):
		respond.Error(c, http.StatusNotFound, "unbound_session", "chat session not found; open a chat on a result first", nil)
	case errors.Is(err, ErrEmptyQuestion):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	default:
		respond.Error(c, http.StatusBadGateway, "model_unavailable", "failed to get a response from the model", nil)
	}
}
