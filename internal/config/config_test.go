package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/release-sessions/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("MATTERMOST_WEBHOOK_URL", "")
	path := writeConfig(t, `
debug: true
server:
  port: 9090
database:
  sqlite_path: /var/lib/relsessions.db
pipeline:
  workers: 8
  stage_timeout: 90s
  stale_after: 60s
  watchdog_interval: 15s
github:
  token: file-token
notify:
  webhook_url: https://mattermost.example.com/hooks/abc
  channel: releases
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "/var/lib/relsessions.db", cfg.Database.SQLitePath)
	require.Equal(t, 8, cfg.Pipeline.Workers)
	require.Equal(t, 90*time.Second, cfg.Pipeline.StageTimeout)
	require.Equal(t, 10, cfg.Pipeline.HotspotLimit)
	require.Equal(t, 270*time.Second, cfg.Pipeline.StaleAfter)
	require.Equal(t, 15*time.Second, cfg.Pipeline.WatchdogInterval)
	require.Equal(t, "file-token", cfg.GitHub.Token)
	require.Equal(t, "releases", cfg.Notify.Channel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("MATTERMOST_WEBHOOK_URL", "https://env.example.com/hooks/x")
	path := writeConfig(t, `
github:
  token: file-token
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	require.Equal(t, "env-token", cfg.GitHub.Token)
	require.Equal(t, "https://env.example.com/hooks/x", cfg.Notify.WebhookURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RELSESSIONS_SQLITE_PATH", "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "release-sessions.db", cfg.Database.SQLitePath)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, 5*time.Minute, cfg.Pipeline.StageTimeout)
	require.Equal(t, 15*time.Minute, cfg.Pipeline.StaleAfter)
	require.Equal(t, time.Minute, cfg.Pipeline.WatchdogInterval)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")

	_, err := config.Load(path)

	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing")
}
