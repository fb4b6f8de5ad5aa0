package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	StorageS3    = "s3"
	StorageLocal = "local"

	EmbedGemini = "gemini"
	EmbedOpenAI = "openai"
)

type Config struct {
	DatabaseURL string
	SslCertPath string
	Store       string

	StorageBackend   string
	LocalStorageRoot string
	AwsAccessKey     string
	AwsSecretKey     string
	AwsRegion        string
	BucketName       string

	AIAPIKey         string
	EmbedProvider    string
	EmbedModel       string
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	GenModel         string
	GCPProject       string
	GCPLocation      string
	MMEmbedModel     string
	GCPCredentials   string
	EmbedRPS         float64
	DispatchOnUpload bool

	Port           string
	JWTSecret      string
	CORSOrigins    []string
	EventTokenHash string

	WorkerPoolSize  int
	InstanceTimeout time.Duration
	SweepInterval   time.Duration
	StuckAfter      time.Duration
	RequeueGrace    time.Duration
	MaxRetryCount   int
	RetryPolicyFile string
	RetryPolicies   retry.Policies

	AudioSegment      time.Duration
	VideoBatch        time.Duration
	ChunkTargetTokens int
	ChunkMaxTokens    int
	ChunkOverlap      int
	WriteBatchSize    int

	EventDedupeDir string
	EventDedupeTTL time.Duration

	FFmpegPath  string
	FFprobePath string

	LogLevel  string
	LogFormat string
}

const (
	minVideoBatch = 30 * time.Second
	maxVideoBatch = 120 * time.Second
)

// LoadConfig loads the environment variables and returns the config.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		Store:       getEnv("STORE", StorePostgres),

		StorageBackend:   getEnv("STORAGE_BACKEND", StorageS3),
		LocalStorageRoot: getEnv("LOCAL_STORAGE_ROOT", "./data/objects"),
		AwsAccessKey:     getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:     getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:        getEnv("AWS_REGION", "us-east-2"),
		BucketName:       getEnv("BUCKET_NAME", "contexta-docs"),

		AIAPIKey:         getEnv("GEMINI_API_KEY", ""),
		EmbedProvider:    getEnv("EMBED_PROVIDER", EmbedGemini),
		EmbedModel:       getEnv("EMBED_MODEL", "text-embedding-004"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		GenModel:         getEnv("GEN_MODEL", "gemini-1.5-flash"),
		GCPProject:       getEnv("GCP_PROJECT", ""),
		GCPLocation:      getEnv("GCP_LOCATION", "us-central1"),
		MMEmbedModel:     getEnv("MM_EMBED_MODEL", "multimodalembedding@001"),
		GCPCredentials:   getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		EmbedRPS:         getEnvFloat("EMBED_RPS", 5),
		DispatchOnUpload: getEnvBool("DISPATCH_ON_UPLOAD", false),

		Port:           getEnv("PORT", "8080"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
		EventTokenHash: getEnv("EVENT_TOKEN_HASH", ""),

		WorkerPoolSize:  getEnvInt("WORKER_POOL_SIZE", 4),
		InstanceTimeout: getEnvDuration("INSTANCE_TIMEOUT", 60*time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		StuckAfter:      getEnvDuration("STUCK_AFTER", 30*time.Minute),
		RequeueGrace:    getEnvDuration("REQUEUE_GRACE", 2*time.Minute),
		MaxRetryCount:   getEnvInt("MAX_RETRY_COUNT", 5),
		RetryPolicyFile: getEnv("RETRY_POLICY_FILE", ""),

		AudioSegment:      getEnvDuration("AUDIO_SEGMENT", 2*time.Minute),
		VideoBatch:        getEnvDuration("VIDEO_BATCH", 60*time.Second),
		ChunkTargetTokens: getEnvInt("CHUNK_TARGET_TOKENS", 350),
		ChunkMaxTokens:    getEnvInt("CHUNK_MAX_TOKENS", 800),
		ChunkOverlap:      getEnvInt("CHUNK_OVERLAP_TOKENS", 0),
		WriteBatchSize:    getEnvInt("WRITE_BATCH_SIZE", 16),

		EventDedupeDir: getEnv("EVENT_DEDUPE_DIR", ""),
		EventDedupeTTL: getEnvDuration("EVENT_DEDUPE_TTL", 24*time.Hour),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	cfg.VideoBatch = ClampVideoBatch(cfg.VideoBatch)

	policies, err := retry.LoadPolicies(cfg.RetryPolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.RetryPolicies = policies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	switch c.StorageBackend {
	case StorageS3, StorageLocal:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageS3, StorageLocal, c.StorageBackend))
	}
	switch c.EmbedProvider {
	case EmbedGemini, EmbedOpenAI:
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER must be %q or %q, got %q", EmbedGemini, EmbedOpenAI, c.EmbedProvider))
	}
	if c.MaxRetryCount < 0 {
		errs = append(errs, errors.New("MAX_RETRY_COUNT must not be negative"))
	}
	if c.WorkerPoolSize < 1 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be at least 1"))
	}
	if c.WriteBatchSize < 1 {
		errs = append(errs, errors.New("WRITE_BATCH_SIZE must be at least 1"))
	}
	if c.ChunkTargetTokens < 1 || c.ChunkMaxTokens < c.ChunkTargetTokens {
		errs = append(errs, errors.New("CHUNK_MAX_TOKENS must be at least CHUNK_TARGET_TOKENS, both positive"))
	}
	if c.AudioSegment <= 0 {
		errs = append(errs, errors.New("AUDIO_SEGMENT must be positive"))
	}
	return errors.Join(errs...)
}

// ClampVideoBatch keeps a video batch length inside the supported 30s..120s.
func ClampVideoBatch(d time.Duration) time.Duration {
	return min(max(d, minVideoBatch), maxVideoBatch)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
