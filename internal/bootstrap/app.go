package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"policy-backend/internal/analyses"
	"policy-backend/internal/chat"
	"policy-backend/internal/health"
	"policy-backend/internal/llm"
	"policy-backend/internal/llm/gemini"
	"policy-backend/internal/prompts"
	"policy-backend/internal/shared/config"
	"policy-backend/internal/shared/metrics"
	"policy-backend/internal/shared/retry"
	"policy-backend/internal/shared/server"
	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/storage/db"
	"policy-backend/internal/shared/storage/object"
	localstore "policy-backend/internal/shared/storage/object/local"
	s3store "policy-backend/internal/shared/storage/object/s3"
	"policy-backend/internal/shared/telemetry"
	"policy-backend/internal/statestore"
	"policy-backend/internal/uploads"
)

const redisPingTimeout = 3 * time.Second

var errModelNotConfigured = errors.New("gemini model is not configured; set GEMINI_API_KEY")

// App holds shared dependencies.
type App struct {
	Config       config.Config
	Router       *gin.Engine
	DB           *sql.DB
	Redis        *redis.Client
	Objects      object.ObjectStore
	StateStore   statestore.Store
	Model        llm.Model
	Prompts      *prompts.Loader
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
	Orchestrator *analyses.Orchestrator
	Uploads      *uploads.Service
	Chat         *chat.Registry
	Health       *health.Service

	closers []func() error
}

// Build prepares every dependency and the router.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	app := &App{Config: cfg}
	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)

	if err := app.buildStateStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	objects, err := buildObjects(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Objects = objects

	if err := app.buildModel(ctx); err != nil {
		app.Close()
		return nil, err
	}
	app.buildRedis(ctx)

	app.Prompts = prompts.NewDefaultLoader(cfg.PromptsDir)

	app.buildServices()

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: analyses.NewHandler(app.Orchestrator, app.Uploads, cfg.AnalysisTimeout),
		ChatHandler:     chat.NewHandler(app.Chat, app.Orchestrator),
		Health:          app.Health,
		Gatherer:        app.Registry,
		Limiter:         middleware.NewRateLimiter(nil),
	})
	return app, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildStateStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StateStoreType {
	case "postgres":
		sqlDB, err := connectPostgres(ctx, cfg)
		if err != nil {
			if cfg.IsDevLike() {
				telemetry.Warn("bootstrap.state_store_fallback", map[string]any{"from": "postgres", "error": err.Error()})
				a.StateStore = statestore.NewMemoryStore()
				a.Config.StateStoreType = "memory"
				return nil
			}
			return err
		}
		a.DB = sqlDB
		a.closers = append(a.closers, sqlDB.Close)
		a.Registry.MustRegister(collectors.NewDBStatsCollector(sqlDB, "state_store"))
		a.StateStore = &statestore.PGStore{DB: sqlDB}
	case "dynamodb":
		store, err := statestore.NewDynamoStoreFromEnv(ctx, cfg.AWSRegion, cfg.DynamoTable)
		if err != nil {
			return fmt.Errorf("dynamodb state store: %w", err)
		}
		a.StateStore = store
	default:
		a.StateStore = statestore.NewMemoryStore()
	}
	telemetry.Info("bootstrap.state_store", map[string]any{"type": a.Config.StateStoreType})
	return nil
}

func connectPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("STATE_STORE=postgres requires DATABASE_URL")
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.ServerOptions(cfg.AnalysisConcurrency)))
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildObjects(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func (a *App) buildModel(ctx context.Context) error {
	cfg := a.Config
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		if !cfg.IsDevLike() {
			return errModelNotConfigured
		}
		telemetry.Warn("bootstrap.model_unconfigured", map[string]any{"env": cfg.Env})
		a.Model = llm.ModelFunc(func(context.Context, []llm.Content, []llm.Part) (string, error) {
			return "", errModelNotConfigured
		})
		return nil
	}
	m, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiMaxOutputTokens)
	if err != nil {
		return fmt.Errorf("gemini model: %w", err)
	}
	a.Model = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// buildRedis connects the chat history store. Chat works without it, so a
// failed connection only disables persistence.
func (a *App) buildRedis(ctx context.Context) {
	addr := strings.TrimSpace(a.Config.RedisAddr)
	if addr == "" {
		return
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: a.Config.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		telemetry.Warn("bootstrap.redis_unavailable", map[string]any{"addr": addr, "error": err.Error()})
		_ = client.Close()
		return
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)
}

func (a *App) buildServices() {
	cfg := a.Config

	o := analyses.NewOrchestrator(a.Prompts, a.Model, a.StateStore)
	o.Metrics = a.Metrics
	o.Concurrency = cfg.AnalysisConcurrency
	o.ModelRetry = tuneRetry(analyses.DefaultModelRetry(), cfg.ModelRetry)
	o.StoreRetry = tuneRetry(analyses.DefaultStoreRetry(), cfg.StoreRetry)
	a.Orchestrator = o

	a.Uploads = &uploads.Service{Store: a.Objects, MaxFileBytes: cfg.MaxUploadBytes}

	binder := chat.NewBinder(a.Model)
	binder.Metrics = a.Metrics
	binder.Retry = tuneRetry(binder.Retry, cfg.ModelRetry)
	if a.Redis != nil {
		binder.History = chat.NewRedisHistoryStore(a.Redis)
	}
	a.Chat = chat.NewRegistry(binder)

	a.Health = health.NewService(a.StateStore, a.Config.StateStoreType)
}

func tuneRetry(p retry.Policy, s config.RetrySettings) retry.Policy {
	if s.Attempts > 0 {
		p.MaxAttempts = s.Attempts
	}
	if s.BaseDelay > 0 {
		p.BaseDelay = s.BaseDelay
	}
	return p
}
