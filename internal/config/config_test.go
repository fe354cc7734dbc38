package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \"9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "memory", cfg.Throttle.BucketBackend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 30*time.Second, cfg.Throttle.RestrictionTTL)
	assert.True(t, cfg.Catalog.Watch)

	loc, err := cfg.Throttle.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
throttle:
  campaign_fail_open: false
  violation_window: 30m
auth:
  jwt_secret: from-file
`)
	t.Setenv("WATHROTTLE_THROTTLE_CAMPAIGN_FAIL_OPEN", "true")
	t.Setenv("WATHROTTLE_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Throttle.CampaignFailOpen)
	assert.Equal(t, 30*time.Minute, cfg.Throttle.ViolationWindow)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "throttle:\n  bucket_backend: etcd\n"},
		{"redis backend without redis", "throttle:\n  bucket_backend: redis\n"},
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"bad timezone", "throttle:\n  timezone: Mars/Olympus\n"},
		{"short production secret", "server:\n  environment: production\nauth:\n  jwt_secret: short\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
