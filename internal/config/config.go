package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	AppName = "Background Image Processor"
	Version = "1.0.0"
)

type Config struct {
	Addr      string
	UploadDir string
	ResultDir string
	DataDir   string

	MaxFileSize       int64
	AllowedExtensions []string

	PoolSize           int
	VisibilityTimeout  time.Duration
	StalenessThreshold time.Duration
	QueuePollInterval  time.Duration

	WebhookURL string
	LogLevel   string
}

// Load reads configuration from the environment, falling back to defaults
// that mirror the service's documented behavior.
func Load() Config {
	dataDir := getenv("DATA_DIR", "data")
	return Config{
		Addr:      getenv("API_ADDR", ":8080"),
		UploadDir: getenv("UPLOAD_DIR", "uploads"),
		ResultDir: getenv("RESULT_DIR", "result_images"),
		DataDir:   dataDir,

		MaxFileSize:       getenvInt64("MAX_FILE_SIZE", 10*1024*1024),
		AllowedExtensions: getenvCSV("ALLOWED_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff"}),

		PoolSize:           getenvInt("POOL_SIZE", runtime.NumCPU()),
		VisibilityTimeout:  getenvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		StalenessThreshold: getenvDuration("STALENESS_THRESHOLD", 5*time.Minute),
		QueuePollInterval:  getenvDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),

		WebhookURL: os.Getenv("WEBHOOK_URL"),
		LogLevel:   getenv("LOG_LEVEL", "INFO"),
	}
}

// JobStorePath is the sqlite file backing the status store.
func (c Config) JobStorePath() string { return filepath.Join(c.DataDir, "jobs.db") }

// QueuePath is the sqlite file backing the queue broker.
func (c Config) QueuePath() string { return filepath.Join(c.DataDir, "queue.db") }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(v); err == nil {
			return out
		}
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseInt(v, 10, 64); err == nil {
			return out
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if out, err := time.ParseDuration(v); err == nil {
			return out
		}
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		out = append(out, strings.ToLower(trimmed))
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
