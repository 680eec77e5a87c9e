package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, 5334, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 30, cfg.Quota.UserMonthlyLimit)
	assert.Equal(t, 500, cfg.Quota.GlobalMonthlyLimit)
	assert.Equal(t, 4, cfg.X.MaxMedia)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.PublishTimeout)
	assert.Equal(t, "CastCue", cfg.Discord.FooterText)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.X.MaxMedia = 2
	cfg.Quota.UserMonthlyLimit = 5
	cfg.Sampler.Concurrency = 3
	ApplyDefaults(cfg)

	assert.Equal(t, 2, cfg.X.MaxMedia)
	assert.Equal(t, 5, cfg.Quota.UserMonthlyLimit)
	assert.Equal(t, 3, cfg.Sampler.Concurrency)

	cfg.X.MaxMedia = 9
	ApplyDefaults(cfg)
	assert.Equal(t, 4, cfg.X.MaxMedia, "X accepts at most four attachments")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
database:
  type: sqlite
  database: castcue.db
quota:
  user_monthly_limit: 12
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 12, cfg.Quota.UserMonthlyLimit)
	assert.Equal(t, 500, cfg.Quota.GlobalMonthlyLimit)
}
