// Package config loads and validates the engine's YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/confessr/syncengine/pkg/channel"
	"github.com/confessr/syncengine/pkg/engine"
	"github.com/confessr/syncengine/pkg/outbox"
	"github.com/confessr/syncengine/pkg/reconcile"
	"github.com/confessr/syncengine/pkg/session"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration is a time.Duration that YAML-decodes from strings like "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database DatabaseConfig    `yaml:"database"`
	Sync     SyncConfig        `yaml:"sync"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type ServerConfig struct {
	// BaseURL is the REST API root, e.g. https://api.example.com.
	BaseURL string `yaml:"base_url"`
	// FeedURL is the change-feed WebSocket endpoint. Derived from BaseURL
	// when empty.
	FeedURL string `yaml:"feed_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds the timing tunables. Only direct_send_timeout and
// drain_interval apply without a restart; zero values pick the documented
// defaults.
type SyncConfig struct {
	DirectSendTimeout  Duration `yaml:"direct_send_timeout"`
	RefreshTimeout     Duration `yaml:"refresh_timeout"`
	TokenValidityFloor Duration `yaml:"token_validity_floor"`
	BreakerThreshold   int      `yaml:"breaker_threshold"`
	BreakerCooldown    Duration `yaml:"breaker_cooldown"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	DeathThreshold     Duration `yaml:"death_threshold"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BackoffCap         Duration `yaml:"backoff_cap"`
	OutboxMaxRetries   int      `yaml:"outbox_max_retries"`
	DrainInterval      Duration `yaml:"drain_interval"`
	FirstRunPageSize   int      `yaml:"first_run_page_size"`
}

// Load reads, parses and post-processes a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills derived values and validates the result.
func (cfg *Config) PostProcess() error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	cfg.Server.BaseURL = strings.TrimSuffix(cfg.Server.BaseURL, "/")
	if cfg.Server.FeedURL == "" {
		feed := cfg.Server.BaseURL
		feed = strings.Replace(feed, "https://", "wss://", 1)
		feed = strings.Replace(feed, "http://", "ws://", 1)
		cfg.Server.FeedURL = feed + "/api/v1/feed"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "syncengine.db"
	}
	if cfg.Sync.HeartbeatInterval < 0 || cfg.Sync.DeathThreshold < 0 {
		return fmt.Errorf("sync intervals must not be negative")
	}
	if cfg.Sync.HeartbeatInterval > 0 && cfg.Sync.DeathThreshold > 0 &&
		cfg.Sync.DeathThreshold <= cfg.Sync.HeartbeatInterval {
		return fmt.Errorf("sync.death_threshold (%s) must exceed sync.heartbeat_interval (%s)",
			cfg.Sync.DeathThreshold, cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.BackoffBase > 0 && cfg.Sync.BackoffCap > 0 &&
		cfg.Sync.BackoffCap < cfg.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_cap must be at least sync.backoff_base")
	}
	return nil
}

// CompileLogger builds the zerolog logger from the logging section.
func (cfg *Config) CompileLogger() (*zerolog.Logger, error) {
	return cfg.Logging.Compile()
}

// SessionConfig maps the tunables onto the token manager.
func (cfg *Config) SessionConfig() session.Config {
	return session.Config{
		ValidityFloor:    cfg.Sync.TokenValidityFloor.Std(),
		RefreshTimeout:   cfg.Sync.RefreshTimeout.Std(),
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		BreakerCooldown:  cfg.Sync.BreakerCooldown.Std(),
	}
}

// ChannelConfig maps the tunables onto the channel manager.
func (cfg *Config) ChannelConfig() channel.Config {
	return channel.Config{
		HeartbeatInterval: cfg.Sync.HeartbeatInterval.Std(),
		DeathThreshold:    cfg.Sync.DeathThreshold.Std(),
		BackoffBase:       cfg.Sync.BackoffBase.Std(),
		BackoffCap:        cfg.Sync.BackoffCap.Std(),
	}
}

// OutboxConfig maps the tunables onto the outbox processor.
func (cfg *Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		BackoffBase: cfg.Sync.BackoffBase.Std(),
		BackoffCap:  cfg.Sync.BackoffCap.Std(),
		MaxRetries:  cfg.Sync.OutboxMaxRetries,
	}
}

// ReconcileConfig maps the tunables onto the reconciler.
func (cfg *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		FirstRunPageSize: cfg.Sync.FirstRunPageSize,
	}
}

// EngineConfig maps the tunables onto the engine.
func (cfg *Config) EngineConfig() engine.Config {
	return engine.Config{
		DirectSendTimeout: cfg.Sync.DirectSendTimeout.Std(),
		DrainInterval:     cfg.Sync.DrainInterval.Std(),
	}
}
