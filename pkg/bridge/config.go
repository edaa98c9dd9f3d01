// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the bridge at the Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig configures the websocket transport used to receive Matrix
// events. The address may differ from the homeserver address when the sync
// proxy runs separately.
type AppserviceConfig struct {
	Address string `yaml:"address"`
	ASToken string `yaml:"as_token"`
}

// HostexConfig configures the booking API side.
type HostexConfig struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
	// Timezone is used for display formatting only; all internal
	// comparisons use UTC.
	Timezone string `yaml:"timezone"`
	// ClockSkewHours compensates for the API clock trailing local time.
	// Defaults to 8 when absent; an explicit 0 disables the adjustment.
	ClockSkewHours *int `yaml:"clock_skew_hours"`
}

// DatabaseConfig selects the state store backend.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// BridgeConfig holds tunables for the sync engine itself.
type BridgeConfig struct {
	GuestPrefix             string `yaml:"guest_prefix"`
	PollIntervalSeconds     int    `yaml:"poll_interval_seconds"`
	RetentionDays           int    `yaml:"retention_days"`
	EchoExpirySeconds       int    `yaml:"echo_expiry_seconds"`
	EchoSweepSeconds        int    `yaml:"echo_sweep_seconds"`
	ReconnectBackoffSeconds int    `yaml:"reconnect_backoff_seconds"`
	BackfillCount           int    `yaml:"backfill_count"`
}

// Config is the bridge's YAML configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	User       struct {
		UserID id.UserID `yaml:"user_id"`
	} `yaml:"user"`
	Admin struct {
		UserID id.UserID `yaml:"user_id"`
	} `yaml:"admin"`
	Hostex   HostexConfig   `yaml:"hostex"`
	Database DatabaseConfig `yaml:"database"`
	Bridge   BridgeConfig   `yaml:"bridge"`

	displayLocation *time.Location `yaml:"-"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and resolves the display timezone. An unknown
// timezone falls back to UTC rather than failing startup.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Appservice.Address == "" {
		c.Appservice.Address = c.Homeserver.Address
	}
	if c.Hostex.APIURL == "" {
		return fmt.Errorf("hostex.api_url is required")
	}
	if c.Hostex.Token == "" {
		return fmt.Errorf("hostex.token is required")
	}
	if c.Hostex.ClockSkewHours == nil {
		defaultSkew := 8
		c.Hostex.ClockSkewHours = &defaultSkew
	}
	if c.Bridge.GuestPrefix == "" {
		c.Bridge.GuestPrefix = "Guest"
	}
	if c.Bridge.PollIntervalSeconds <= 0 {
		c.Bridge.PollIntervalSeconds = 10
	}
	if c.Bridge.RetentionDays <= 0 {
		c.Bridge.RetentionDays = 7
	}
	if c.Bridge.EchoExpirySeconds <= 0 {
		c.Bridge.EchoExpirySeconds = 300
	}
	if c.Bridge.EchoSweepSeconds <= 0 {
		c.Bridge.EchoSweepSeconds = 60
	}
	if c.Bridge.ReconnectBackoffSeconds <= 0 {
		c.Bridge.ReconnectBackoffSeconds = 5
	}
	if c.Bridge.BackfillCount <= 0 {
		c.Bridge.BackfillCount = 5
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}
	if c.Database.URI == "" {
		c.Database.URI = "file:mautrix-hostex.db?_txlock=immediate"
	}
	loc, err := time.LoadLocation(c.Hostex.Timezone)
	if err != nil || c.Hostex.Timezone == "" {
		loc = time.UTC
	}
	c.displayLocation = loc
	return nil
}

// ClockSkew returns the configured booking-API clock skew as a duration.
func (c *Config) ClockSkew() time.Duration {
	if c.Hostex.ClockSkewHours == nil {
		return 8 * time.Hour
	}
	return time.Duration(*c.Hostex.ClockSkewHours) * time.Hour
}

// PollInterval returns the poll loop interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Bridge.PollIntervalSeconds) * time.Second
}

// Retention returns the conversation retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Bridge.RetentionDays) * 24 * time.Hour
}

// EchoExpiry returns the echo suppression window.
func (c *Config) EchoExpiry() time.Duration {
	return time.Duration(c.Bridge.EchoExpirySeconds) * time.Second
}

// EchoSweepInterval returns the echo cache sweep interval.
func (c *Config) EchoSweepInterval() time.Duration {
	return time.Duration(c.Bridge.EchoSweepSeconds) * time.Second
}

// ReconnectBackoff returns the websocket reconnect delay.
func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.Bridge.ReconnectBackoffSeconds) * time.Second
}

// DisplayLocation returns the operator's display timezone. Only status and
// history formatting uses it.
func (c *Config) DisplayLocation() *time.Location {
	if c.displayLocation == nil {
		return time.UTC
	}
	return c.displayLocation
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
