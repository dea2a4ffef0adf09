package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NODE_ENV", "HOST", "PORT", "ENABLE_RATE_LIMITING", "MAX_CONNECTIONS_PER_IP",
		"REQUIRE_INVITATION", "WS_PING_INTERVAL", "WS_PING_TIMEOUT", "CORS_ORIGIN",
		"RATE_LIMIT_SALT", "VAULT_ADDR", "VAULT_TOKEN", "MEDIA_ENABLED",
		"MINIO_SECRET_KEY", "POSTGRES_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RATE_LIMIT_SALT", "test-salt")

	cfg := Load()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.EnableRateLimiting)
	assert.Equal(t, 5, cfg.MaxConnectionsPerIP)
	assert.True(t, cfg.RequireInvitation)
	assert.Equal(t, 30000*1e6, float64(cfg.WSPingInterval))
	assert.Equal(t, "test-salt", cfg.RateLimitSalt)
}

func TestLoadClampsPingIntervalToMinimum(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RATE_LIMIT_SALT", "test-salt")
	t.Setenv("WS_PING_INTERVAL", "1000")

	cfg := Load()
	assert.Equal(t, int64(5000), cfg.WSPingInterval.Milliseconds())
}

func TestLoadReadsOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RATE_LIMIT_SALT", "test-salt")
	t.Setenv("PORT", "9090")
	t.Setenv("REQUIRE_INVITATION", "false")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "10")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.RequireInvitation)
	assert.Equal(t, 10, cfg.MaxConnectionsPerIP)
}

func TestValidateProductionSecretsSkippedOutsideProduction(t *testing.T) {
	clearConfigEnv(t)
	require.NoError(t, validateProductionSecrets(&Config{RateLimitSalt: "development-salt-do-not-use-in-production"}))
}

func TestValidateProductionSecretsRejectsDefaultSalt(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("NODE_ENV", "production")

	err := validateProductionSecrets(&Config{RateLimitSalt: "development-salt-do-not-use-in-production"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_SALT")
}

func TestValidateProductionSecretsRejectsPlaceholderEnvValue(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("NODE_ENV", "production")
	t.Setenv("MINIO_SECRET_KEY", "YOUR_MINIO_SECRET_KEY_64_CHARS_HEX_HERE")

	err := validateProductionSecrets(&Config{RateLimitSalt: "real-salt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINIO_SECRET_KEY")
}

func TestMustGetEnvReturnsSetValue(t *testing.T) {
	t.Setenv("SOME_REQUIRED_VAR", "value")
	assert.Equal(t, "value", MustGetEnv("SOME_REQUIRED_VAR"))
}
