package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/voicereel/voicereel/internal/imagebus"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	LogLevel           string
	LogPretty          bool

	// Database — optional; empty disables run records and the stage debug log
	DatabaseURL string

	// Redis — optional; empty runs rendering in-process instead of via the queue
	RedisURL string

	// Artifact store (S3)
	S3Bucket   string
	S3Region   string
	S3Prefix   string
	S3Endpoint string // non-empty for S3-compatible stores (MinIO etc.)

	// OpenAI (Whisper transcription + default query analyzer)
	OpenAIKey string

	// Gemini (alternative query analyzer)
	GeminiKey string
	// Analyzer picks the query-analysis backend: "openai" or "gemini"
	Analyzer string

	// Image provider credentials — keyless providers always available
	UnsplashAccessKey string
	PexelsAPIKey      string
	PixabayAPIKey     string

	// ImagePolicyPath optionally points at a YAML file overriding provider
	// ordering, category routing, and the quality gate.
	ImagePolicyPath string
	ImagePolicy     imagebus.Policy

	// Rendering
	TempDir          string
	RenderFPS        int
	RenderWidth      int
	RenderHeight     int
	ImagesPerSegment int
	CombineReencode  bool

	// Analysis
	ChunkDurationSec int

	// Worker
	MaxConcurrentRenders int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          getEnvBool("LOG_PRETTY", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Region:           getEnv("AWS_REGION", "us-east-1"),
		S3Prefix:           getEnv("S3_PREFIX", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		Analyzer:           getEnv("QUERY_ANALYZER", "openai"),
		UnsplashAccessKey:  getEnv("UNSPLASH_ACCESS_KEY", ""),
		PexelsAPIKey:       getEnv("PEXELS_API_KEY", ""),
		PixabayAPIKey:      getEnv("PIXABAY_API_KEY", ""),
		ImagePolicyPath:    getEnv("IMAGE_POLICY_FILE", ""),

		TempDir:          getEnv("TEMP_DIR", "/tmp/voicereel"),
		RenderFPS:        getEnvInt("RENDER_FPS", 24),
		RenderWidth:      getEnvInt("RENDER_WIDTH", 1920),
		RenderHeight:     getEnvInt("RENDER_HEIGHT", 1080),
		ImagesPerSegment: getEnvInt("IMAGES_PER_SEGMENT", 1),
		CombineReencode:  getEnvBool("COMBINE_REENCODE", false),

		ChunkDurationSec: getEnvInt("ANALYSIS_CHUNK_DURATION_SEC", 60),

		MaxConcurrentRenders: getEnvInt("MAX_CONCURRENT_RENDERS", 5),
	}

	// Validate required fields
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.Analyzer == "gemini" && cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required when QUERY_ANALYZER=gemini")
	}

	policy, err := loadImagePolicy(cfg.ImagePolicyPath)
	if err != nil {
		return nil, err
	}
	cfg.ImagePolicy = policy

	return cfg, nil
}

// loadImagePolicy merges an optional YAML policy file over the defaults.
// A missing path (empty) just yields the defaults.
func loadImagePolicy(path string) (imagebus.Policy, error) {
	policy := imagebus.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read image policy %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse image policy %s: %w", path, err)
	}
	return policy, nil
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
