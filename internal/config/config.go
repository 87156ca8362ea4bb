package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "floe.db"
	defaultBackend        = "subprocess"
	defaultMaxConcurrency = 8
	defaultTaskTimeout    = 30 * time.Second

	envListenAddr     = "FLOE_LISTEN_ADDR"
	envDBPath         = "FLOE_DB_PATH"
	envLogLevel       = "FLOE_LOG_LEVEL"
	envBackend        = "FLOE_BACKEND"
	envMaxConcurrency = "FLOE_MAX_CONCURRENCY"
	envTaskTimeout    = "FLOE_TASK_TIMEOUT"
	envWorkdirRoot    = "FLOE_WORKDIR"

	envS3Bucket         = "FLOE_S3_BUCKET"
	envS3Prefix         = "FLOE_S3_PREFIX"
	envS3Region         = "FLOE_S3_REGION"
	envS3Endpoint       = "FLOE_S3_ENDPOINT"
	envS3AccessKey      = "FLOE_S3_ACCESS_KEY"
	envS3SecretKey      = "FLOE_S3_SECRET_KEY"
	envS3ForcePathStyle = "FLOE_S3_FORCE_PATH_STYLE"
	envS3TagTemporary   = "FLOE_S3_TAG_TEMPORARY"
	envS3CallCache      = "FLOE_S3_CALL_CACHE"

	envSFNStateMachineARN = "FLOE_SFN_STATE_MACHINE_ARN"
	envSFNRegion          = "FLOE_SFN_REGION"
)

// S3 holds object-storage transfer backend settings. The backend is only
// registered when Bucket is set.
type S3 struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	TagTemporary   bool
	CallCache      bool
}

// SFN holds managed state-machine backend settings. The backend is only
// registered when StateMachineARN is set.
type SFN struct {
	StateMachineARN string
	Region          string
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	Backend        string
	MaxConcurrency int
	TaskTimeout    time.Duration
	WorkdirRoot    string
	S3             S3
	SFN            SFN
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Backend:        defaultBackend,
		MaxConcurrency: defaultMaxConcurrency,
		TaskTimeout:    defaultTaskTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv(envTaskTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TaskTimeout = d
		}
	}
	cfg.WorkdirRoot = os.Getenv(envWorkdirRoot)

	cfg.S3 = S3{
		Bucket:         os.Getenv(envS3Bucket),
		Prefix:         os.Getenv(envS3Prefix),
		Region:         os.Getenv(envS3Region),
		Endpoint:       os.Getenv(envS3Endpoint),
		AccessKey:      os.Getenv(envS3AccessKey),
		SecretKey:      os.Getenv(envS3SecretKey),
		ForcePathStyle: parseBool(os.Getenv(envS3ForcePathStyle)),
		TagTemporary:   parseBool(os.Getenv(envS3TagTemporary)),
		CallCache:      parseBool(os.Getenv(envS3CallCache)),
	}
	cfg.SFN = SFN{
		StateMachineARN: os.Getenv(envSFNStateMachineARN),
		Region:          os.Getenv(envSFNRegion),
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
