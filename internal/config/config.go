package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/onexay/notepub/internal/storage"
)

// StorageBackend enumerates supported persistence layers for targets.
type StorageBackend string

const (
	// StorageBackendMemory keeps data in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendBolt persists data to a local bbolt file.
	StorageBackendBolt StorageBackend = "bolt"
	// StorageBackendKeyDB persists data to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr   string
	VaultPath string
	LogLevel  string
	Storage   StorageConfig
	Import    ImportConfig
	Remote    RemoteConfig
	Deploy    DeployConfig
	Jobs      JobConfig
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend  StorageBackend
	BoltPath string
	KeyDB    storage.Config
}

// ImportConfig controls the bulk target importer.
type ImportConfig struct {
	EnvFile string
	Prefix  string
	Watch   bool
}

// RemoteConfig controls the remote repository client.
type RemoteConfig struct {
	BaseURL          string
	APIVersion       string
	RatePerSecond    float64
	BatchConcurrency int
}

// DeployConfig controls deployment status polling.
type DeployConfig struct {
	CloudflareURL string
	PollInterval  time.Duration
	PollAttempts  int
}

// JobConfig controls the publish job registry.
type JobConfig struct {
	Retention time.Duration
}

// Load reads configuration from environment variables.
func Load() Config {
	vault := envDefault("VAULT_PATH", ".")
	backend := StorageBackend(strings.ToLower(envDefault("STORAGE_BACKEND", string(StorageBackendBolt))))

	return Config{
		APIAddr:   envDefault("API_ADDR", "127.0.0.1:8787"),
		VaultPath: vault,
		LogLevel:  envDefault("LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Backend:  backend,
			BoltPath: envDefault("STORAGE_BOLT_PATH", filepath.Join(vault, ".xin", "notepub.db")),
			KeyDB: storage.Config{
				Addr:     os.Getenv("KEYDB_ADDR"),
				Username: os.Getenv("KEYDB_USERNAME"),
				Password: os.Getenv("KEYDB_PASSWORD"),
				Database: envInt("KEYDB_DB", 0),
			},
		},
		Import: ImportConfig{
			EnvFile: envDefault("IMPORT_ENV_FILE", filepath.Join(vault, ".env")),
			Prefix:  envDefault("IMPORT_PREFIX", "XIN_BLOG"),
			Watch:   envBool("IMPORT_WATCH", false),
		},
		Remote: RemoteConfig{
			BaseURL:          envDefault("GITHUB_API_URL", "https://api.github.com"),
			APIVersion:       envDefault("GITHUB_API_VERSION", "2022-11-28"),
			RatePerSecond:    envFloat("GITHUB_RATE_PER_SECOND", 0),
			BatchConcurrency: envInt("BATCH_READ_CONCURRENCY", 5),
		},
		Deploy: DeployConfig{
			CloudflareURL: envDefault("CLOUDFLARE_API_URL", "https://api.cloudflare.com/client/v4"),
			PollInterval:  envDuration("DEPLOY_POLL_INTERVAL", 5*time.Second),
			PollAttempts:  envInt("DEPLOY_POLL_ATTEMPTS", 60),
		},
		Jobs: JobConfig{
			Retention: envDuration("JOB_RETENTION", 2*time.Minute),
		},
	}
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
