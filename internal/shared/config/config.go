package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"policy-backend/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	CORSAllowOrigin []string
	JWTSecret       string
	MaxUploadBytes  int64

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	StateStoreType string
	DatabaseURL    string
	DynamoTable    string

	RedisAddr     string
	RedisPassword string

	GeminiAPIKey          string
	GeminiModel           string
	GeminiMaxOutputTokens int
	PromptsDir            string

	AnalysisConcurrency int
	AnalysisTimeout     time.Duration
	ModelRetry          RetrySettings
	StoreRetry          RetrySettings
}

// RetrySettings are the tunables shared by the model and store retry policies.
type RetrySettings struct {
	Attempts  int
	BaseDelay time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	stateStore := normalizeStateStore(getEnv("STATE_STORE", "memory"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && stateStore == "memory" {
		telemetry.Warn("config.state_store_memory", map[string]any{"env": env})
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		MaxUploadBytes:  int64(getEnvInt("MAX_UPLOAD_MB", 20)) << 20,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", "policies/"),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		StateStoreType: stateStore,
		DatabaseURL:    dbURL,
		DynamoTable:    getEnv("DYNAMODB_TABLE", "policy_state_documents"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiMaxOutputTokens: getEnvInt("GEMINI_MAX_OUTPUT_TOKENS", 8192),
		PromptsDir:            getEnv("PROMPTS_DIR", ""),

		AnalysisConcurrency: getEnvInt("ANALYSIS_CONCURRENCY", 13),
		AnalysisTimeout:     getEnvDuration("ANALYSIS_TIMEOUT", 10*time.Minute),
		ModelRetry: RetrySettings{
			Attempts:  getEnvInt("MODEL_RETRY_ATTEMPTS", 3),
			BaseDelay: getEnvDuration("MODEL_RETRY_BASE_DELAY", 2*time.Second),
		},
		StoreRetry: RetrySettings{
			Attempts:  getEnvInt("STORE_RETRY_ATTEMPTS", 3),
			BaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", time.Second),
		},
	}
}

// IsDevLike reports whether env permits in-memory fallbacks.
func (c Config) IsDevLike() bool {
	switch c.Env {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		telemetry.Warn("config.invalid_int", map[string]any{"key": key, "value": raw})
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		telemetry.Warn("config.invalid_duration", map[string]any{"key": key, "value": raw})
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeStateStore(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "pg":
		return "postgres"
	case "dynamodb", "dynamo":
		return "dynamodb"
	default:
		return "memory"
	}
}
