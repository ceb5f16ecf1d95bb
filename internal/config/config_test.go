package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearJobservEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "SURGE_SUPPORT_RATIO", "WORKER_DISK_FREE_THRESHOLD_BYTES",
		"WORKER_LOGS_THRESHOLD_DAYS", "GIT_POLLER_INTERVAL", "SECRETS_FERNET_KEY",
		"INTERNAL_API_KEY", "WORKER_JWTS_DIR", "PROJECT_NAME_REGEX", "BUILD_URL_FMT",
		"RUN_URL_FMT", "WORKER_LOGS_DIR", "WORKER_DIR", "HTTP_ADDR",
		"JOBSERV_MONITOR_REPLICAS", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvRequiresSecretsKey(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("INTERNAL_API_KEY", "k")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRequiresInternalAPIKey(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("SECRETS_FERNET_KEY", base64.StdEncoding.EncodeToString(make([]byte, secretsKeySize)))
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvAppliesDefaults(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("SECRETS_FERNET_KEY", base64.StdEncoding.EncodeToString(make([]byte, secretsKeySize)))
	t.Setenv("INTERNAL_API_KEY", "sekret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "sqlite://jobserv.db", cfg.DatabaseURL)
	require.Equal(t, 3, cfg.SurgeSupportRatio)
	require.Equal(t, int64(30*1024*1024*1024), cfg.WorkerDiskFreeThresholdBytes)
	require.Equal(t, 1, cfg.MonitorReplicas)
	require.Len(t, cfg.SecretsKey, secretsKeySize)
}

func TestFromEnvRejectsMalformedSecretsKey(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("SECRETS_FERNET_KEY", "not-valid-base64!!")
	t.Setenv("INTERNAL_API_KEY", "sekret")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRejectsWrongLengthSecretsKey(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("SECRETS_FERNET_KEY", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	t.Setenv("INTERNAL_API_KEY", "sekret")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvOverridesFromEnvironment(t *testing.T) {
	clearJobservEnv(t)
	t.Setenv("SECRETS_FERNET_KEY", base64.StdEncoding.EncodeToString(make([]byte, secretsKeySize)))
	t.Setenv("INTERNAL_API_KEY", "sekret")
	t.Setenv("SURGE_SUPPORT_RATIO", "7")
	t.Setenv("JOBSERV_MONITOR_REPLICAS", "3")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.SurgeSupportRatio)
	require.Equal(t, 3, cfg.MonitorReplicas)
}
