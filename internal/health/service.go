package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/server/respond"
	"policy-backend/internal/statestore"
)

const probeTimeout = 10 * time.Second

// Service encapsulates health-related checks.
type Service struct {
	Store     statestore.Store
	StoreType string
	Started   time.Time
}

// NewService constructs a new health service.
func NewService(store statestore.Store, storeType string) *Service {
	return &Service{Store: store, StoreType: storeType, Started: time.Now().UTC()}
}

// Status returns a simple health payload.
func (s *Service) Status() gin.H {
	return gin.H{
		"ok":         true,
		"stateStore": s.StoreType,
		"uptimeSec":  int64(time.Since(s.Started).Seconds()),
	}
}

// ProbeStore round-trips a diagnostic document through the state store.
func (s *Service) ProbeStore(ctx context.Context, identity string) (statestore.ProbeResult, error) {
	if s.Store == nil {
		return statestore.ProbeResult{}, errors.New("state store is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return statestore.Probe(ctx, s.Store, identity)
}

func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, s.Status())
	})
}

// RegisterProbeRoutes attaches the store probe, which needs a user identity.
func (s *Service) RegisterProbeRoutes(rg *gin.RouterGroup) {
	rg.GET("/health/store", s.probe)
}

func (s *Service) probe(c *gin.Context) {
	identity := middleware.UserIdentityFromContext(c)
	if identity == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "user identity is required", nil)
		return
	}
	res, err := s.ProbeStore(c.Request.Context(), identity)
	if err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "store_unavailable", "state store probe failed", gin.H{
			"path":  res.Path,
			"error": err.Error(),
		})
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"ok": true, "probe": res})
}
