package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
drift:
  window_size: 500
  stride: 50
  soft_threshold: 0.3
  hard_threshold: 0.6
paths:
  versions_dir: /tmp/versions
  active_ptr: /tmp/active.json
conformal:
  alpha: 0.1
  labels: ["non_fraud", "fraud"]
server:
  read_timeout: 10s
  write_timeout: 10s
  idle_timeout: 1m
cache:
  ttl: 5s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesMinimalConfigWithDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Drift.WindowSize)
	assert.Equal(t, "/tmp/versions", cfg.Paths.VersionsDir)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout.Dur())
	assert.Equal(t, time.Minute, cfg.Server.IdleTimeout.Dur())
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL.Dur())
	assert.Equal(t, 8080, cfg.Server.Port) // default, not overridden
}

func TestLoad_RejectsMissingRequiredSection(t *testing.T) {
	path := writeConfig(t, `drift:
  window_size: 500
paths:
  versions_dir: /tmp/versions
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "conformal")
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate_RejectsInvalidAlpha(t *testing.T) {
	cfg := defaults()
	cfg.Paths.VersionsDir = "/tmp/versions"
	cfg.Paths.ActivePtr = "/tmp/active.json"
	cfg.Conformal.Alpha = 1.5
	assert.ErrorContains(t, cfg.Validate(), "alpha")
}

func TestValidate_RejectsHardThresholdBelowSoft(t *testing.T) {
	cfg := defaults()
	cfg.Paths.VersionsDir = "/tmp/versions"
	cfg.Paths.ActivePtr = "/tmp/active.json"
	cfg.Drift.SoftThreshold = 0.5
	cfg.Drift.HardThreshold = 0.3
	assert.ErrorContains(t, cfg.Validate(), "hard_threshold")
}

func TestValidate_RejectsWildcardCORSInProduction(t *testing.T) {
	cfg := defaults()
	cfg.Paths.VersionsDir = "/tmp/versions"
	cfg.Paths.ActivePtr = "/tmp/active.json"
	cfg.Environment = Production
	cfg.CORSOrigins = []string{"*"}
	assert.ErrorContains(t, cfg.Validate(), "CORS")
}

func TestDuration_UnmarshalsPlainIntegerAsSeconds(t *testing.T) {
	path := writeConfig(t, `
drift:
  window_size: 500
  stride: 50
  soft_threshold: 0.3
  hard_threshold: 0.6
paths:
  versions_dir: /tmp/versions
  active_ptr: /tmp/active.json
conformal:
  alpha: 0.1
  labels: ["non_fraud", "fraud"]
server:
  read_timeout: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout.Dur())
}

func TestApplyEnvOverrides_CORSOriginsFromEnv(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}
