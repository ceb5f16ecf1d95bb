// Package config collects every JobServ tunable into a single immutable
// struct built once at startup (spec §9 "Global mutable configuration").
// The daemon's only other direct environment reads are BLOB_STORE_DIR and
// HOSTNAME in cmd/jobserv; the admin CLI reads INTERNAL_API_KEY itself.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// secretsKeySize is chacha20poly1305.KeySize; duplicated here so config
// doesn't need to import internal/secretbox just to validate a length.
const secretsKeySize = 32

// Config is the fully resolved, immutable runtime configuration.
type Config struct {
	// DatabaseURL is a postgres:// DSN, or a sqlite file path prefixed
	// with "sqlite://" for single-node / test deployments.
	DatabaseURL string

	// SurgeSupportRatio is SURGE_SUPPORT_RATIO (default 3).
	SurgeSupportRatio int

	// WorkerDiskFreeThresholdBytes is WORKER_DISK_FREE_THRESHOLD_BYTES
	// (default 30GB).
	WorkerDiskFreeThresholdBytes int64

	// WorkerLogsThresholdDays is WORKER_LOGS_THRESHOLD_DAYS (default 4).
	WorkerLogsThresholdDays int

	// GitPollerInterval is GIT_POLLER_INTERVAL (default 90s).
	GitPollerInterval time.Duration

	// SecretsKey is the symmetric key (32 raw bytes, base64 in the env)
	// used by internal/secretbox to encrypt ProjectTrigger.secret_data.
	SecretsKey []byte

	// InternalAPIKey is the shared HMAC secret for privileged calls.
	InternalAPIKey string

	// WorkerJWTsDir holds PEM certificates keyed by kid for worker
	// bearer-token verification.
	WorkerJWTsDir string

	// ProjectNameRegex constrains allowed project names.
	ProjectNameRegex string

	// BuildURLFmt / RunURLFmt are Printf-style templates used to build
	// user-facing links (e.g. the Location header on a synthetic
	// build-failure run).
	BuildURLFmt string
	RunURLFmt   string

	// WorkerLogsDir is where worker PUT /logs/ payloads land, swept by
	// the monitor's log-GC pass.
	WorkerLogsDir string

	// SurgeMarkerDir holds one enable_surge-<tag> file per tag.
	SurgeMarkerDir string

	// HTTPAddr is the listen address for the daemon's HTTP server.
	HTTPAddr string

	// MonitorReplicas > 1 enables the Postgres advisory-lock leader
	// lease around each monitor sweep (spec §9).
	MonitorReplicas int

	LogLevel  string
	LogFormat string
}

// FromEnv builds a Config from the process environment, applying the
// defaults spec.md §6 names.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:                  getenv("DATABASE_URL", "sqlite://jobserv.db"),
		SurgeSupportRatio:            getenvInt("SURGE_SUPPORT_RATIO", 3),
		WorkerDiskFreeThresholdBytes: getenvInt64("WORKER_DISK_FREE_THRESHOLD_BYTES", 30*1024*1024*1024),
		WorkerLogsThresholdDays:      getenvInt("WORKER_LOGS_THRESHOLD_DAYS", 4),
		GitPollerInterval:            getenvDuration("GIT_POLLER_INTERVAL", 90*time.Second),
		InternalAPIKey:               os.Getenv("INTERNAL_API_KEY"),
		WorkerJWTsDir:                getenv("WORKER_JWTS_DIR", "/data/worker-jwts"),
		ProjectNameRegex:             getenv("PROJECT_NAME_REGEX", `^[a-zA-Z0-9_.-]+$`),
		BuildURLFmt:                  os.Getenv("BUILD_URL_FMT"),
		RunURLFmt:                    os.Getenv("RUN_URL_FMT"),
		WorkerLogsDir:                getenv("WORKER_LOGS_DIR", "/data/worker-logs"),
		SurgeMarkerDir:               getenv("WORKER_DIR", "/data/workers"),
		HTTPAddr:                     getenv("HTTP_ADDR", ":8080"),
		MonitorReplicas:              getenvInt("JOBSERV_MONITOR_REPLICAS", 1),
		LogLevel:                     getenv("LOG_LEVEL", "info"),
		LogFormat:                    getenv("LOG_FORMAT", "json"),
	}

	keyB64 := os.Getenv("SECRETS_FERNET_KEY")
	if keyB64 == "" {
		return nil, fmt.Errorf("SECRETS_FERNET_KEY is required")
	}
	key, err := decodeSecretsKey(keyB64)
	if err != nil {
		return nil, fmt.Errorf("SECRETS_FERNET_KEY: %w", err)
	}
	cfg.SecretsKey = key

	if cfg.InternalAPIKey == "" {
		return nil, fmt.Errorf("INTERNAL_API_KEY is required")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func decodeSecretsKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != secretsKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", secretsKeySize, len(key))
	}
	return key, nil
}
