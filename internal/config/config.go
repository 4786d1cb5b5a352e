package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	GitHub   GitHubConfig   `yaml:"github"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	HotspotLimit int           `yaml:"hotspot_limit"`
	// StaleAfter is how long a job may stay running before the watchdog
	// fails it. It must exceed StageTimeout.
	StaleAfter       time.Duration `yaml:"stale_after"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

type GitHubConfig struct {
	Token string `yaml:"token"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	// DashboardURL is used to build links in notifications.
	DashboardURL string `yaml:"dashboard_url"`
}

// Load reads path, applies a .env file from the working directory if one
// exists, then environment overrides and defaults. A missing config file is
// not an error: everything has a default.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("MATTERMOST_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("RELSESSIONS_SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "release-sessions.db"
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.StageTimeout <= 0 {
		c.Pipeline.StageTimeout = 5 * time.Minute
	}
	if c.Pipeline.HotspotLimit <= 0 {
		c.Pipeline.HotspotLimit = 10
	}
	if c.Pipeline.StaleAfter <= c.Pipeline.StageTimeout {
		c.Pipeline.StaleAfter = 3 * c.Pipeline.StageTimeout
	}
	if c.Pipeline.WatchdogInterval <= 0 {
		c.Pipeline.WatchdogInterval = time.Minute
	}
}
