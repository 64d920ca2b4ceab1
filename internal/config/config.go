package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Video provider selection: veo, xai or mock
	VideoProvider string

	// Gemini / Veo
	GeminiKey string
	VeoModel  string

	// xAI (Grok Imagine Video)
	XAIAPIKey string

	// OpenAI (prompt moderation only; empty disables screening)
	OpenAIKey string

	// Supabase mirror (optional; both URL and key enable it)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Local output
	OutputDir     string // Directory clips and final videos are written to
	PublicBaseURL string // URL prefix that serves OutputDir
	TempDir       string // Scratch space for concatenation

	// Generation timing
	PollInterval     time.Duration
	MaxPollWait      time.Duration
	ScenePacingDelay time.Duration
	HopPacingDelay   time.Duration
	MockLatency      time.Duration

	// Assembly
	TransitionDurationMs int
	RetryMaxAttempts     int

	// Worker
	MaxConcurrentJobs int
}

// Load reads the environment (and .env when present) and validates what
// every entry point needs: a usable video provider.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		VideoProvider:         strings.ToLower(getEnv("VIDEO_PROVIDER", "veo")),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "adreel-videos"),
		OutputDir:             getEnv("OUTPUT_DIR", "output"),
		PublicBaseURL:         strings.TrimRight(getEnv("PUBLIC_BASE_URL", "/media"), "/"),
		TempDir:               getEnv("TEMP_DIR", os.TempDir()),
		PollInterval:          getEnvDuration("POLL_INTERVAL", 10*time.Second),
		MaxPollWait:           getEnvDuration("MAX_POLL_WAIT", 5*time.Minute),
		ScenePacingDelay:      getEnvDuration("SCENE_PACING_DELAY", 2*time.Second),
		HopPacingDelay:        getEnvDuration("HOP_PACING_DELAY", 2*time.Second),
		MockLatency:           getEnvDuration("MOCK_LATENCY", 3*time.Second),
		TransitionDurationMs:  getEnvInt("TRANSITION_DURATION_MS", 500),
		RetryMaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	switch cfg.VideoProvider {
	case "veo":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when VIDEO_PROVIDER=veo")
		}
	case "xai":
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY is required when VIDEO_PROVIDER=xai")
		}
	case "mock":
	default:
		return nil, fmt.Errorf("unknown VIDEO_PROVIDER %q (want veo, xai or mock)", cfg.VideoProvider)
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.MaxPollWait < cfg.PollInterval {
		return nil, fmt.Errorf("MAX_POLL_WAIT must be at least POLL_INTERVAL")
	}
	if cfg.TransitionDurationMs < 0 {
		return nil, fmt.Errorf("TRANSITION_DURATION_MS must not be negative")
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}

	return cfg, nil
}

// LoadForAPI is Load plus the requirements of the HTTP service.
func LoadForAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// MirrorEnabled reports whether finished files should also go to Supabase.
func (c *Config) MirrorEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare integers as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
