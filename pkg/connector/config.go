// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the relay configuration.
type Config struct {
	Timezone          string            `yaml:"timezone"`
	Database          DatabaseConfig    `yaml:"database"`
	Bootstrap         BootstrapConfig   `yaml:"bootstrap"`
	Reconnect         ReconnectConfig   `yaml:"reconnect"`
	ReconcileSchedule string            `yaml:"reconcile_schedule"`
	Collector         CollectorConfig   `yaml:"collector"`
	API               APIConfig         `yaml:"api"`
	Logging           zeroconfig.Config `yaml:"logging"`

	location *time.Location `yaml:"-"`
}

type DatabaseConfig struct {
	Credentials    string `yaml:"credentials"`
	DevicesDialect string `yaml:"devices_dialect"`
	Devices        string `yaml:"devices"`
}

type BootstrapConfig struct {
	Mode            string `yaml:"mode"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	QRSize          int    `yaml:"qr_size"`
	PairDisplayName string `yaml:"pair_display_name"`
}

// Timeout is how long Register waits for a bootstrap artifact.
func (bc BootstrapConfig) Timeout() time.Duration {
	return time.Duration(bc.TimeoutSeconds) * time.Second
}

type ReconnectConfig struct {
	InitialDelayMS         int `yaml:"initial_delay_ms"`
	MaxDelayMS             int `yaml:"max_delay_ms"`
	MaxAttempts            int `yaml:"max_attempts"`
	CircuitCooldownSeconds int `yaml:"circuit_cooldown_seconds"`
}

func (rc ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(rc.InitialDelayMS) * time.Millisecond
}

func (rc ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(rc.MaxDelayMS) * time.Millisecond
}

func (rc ReconnectConfig) CircuitCooldown() time.Duration {
	return time.Duration(rc.CircuitCooldownSeconds) * time.Second
}

type CollectorConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Workers        int    `yaml:"workers"`
	SuccessStatus  string `yaml:"success_status"`
}

func (cc CollectorConfig) Timeout() time.Duration {
	return time.Duration(cc.TimeoutSeconds) * time.Second
}

type APIConfig struct {
	Listen      string `yaml:"listen"`
	FrontendURL string `yaml:"frontend_url"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates the configuration.
func (c *Config) PostProcess() error {
	if c.Database.Credentials == "" {
		c.Database.Credentials = "./data/credentials.db"
	}
	if c.Database.DevicesDialect == "" {
		c.Database.DevicesDialect = "sqlite3"
	}
	if c.Database.Devices == "" {
		c.Database.Devices = "file:./data/devices.db?_foreign_keys=on"
	}
	switch c.Bootstrap.Mode {
	case "":
		c.Bootstrap.Mode = "qr"
	case "qr", "pairing":
	default:
		return fmt.Errorf("invalid bootstrap.mode %q: must be qr or pairing", c.Bootstrap.Mode)
	}
	if c.Bootstrap.TimeoutSeconds <= 0 {
		c.Bootstrap.TimeoutSeconds = 60
	}
	if c.Bootstrap.QRSize <= 0 {
		c.Bootstrap.QRSize = 256
	}
	if c.Reconnect.InitialDelayMS <= 0 {
		c.Reconnect.InitialDelayMS = 1000
	}
	if c.Reconnect.MaxDelayMS <= 0 {
		c.Reconnect.MaxDelayMS = 60000
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.InitialDelayMS {
		return errors.New("reconnect.max_delay_ms must not be lower than reconnect.initial_delay_ms")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.CircuitCooldownSeconds <= 0 {
		c.Reconnect.CircuitCooldownSeconds = 300
	}
	if c.ReconcileSchedule == "" {
		c.ReconcileSchedule = "@every 1m"
	}
	if _, err := cronParser.Parse(c.ReconcileSchedule); err != nil {
		return fmt.Errorf("invalid reconcile_schedule: %w", err)
	}
	if c.Collector.TimeoutSeconds <= 0 {
		c.Collector.TimeoutSeconds = 10
	}
	if c.Collector.Workers <= 0 {
		c.Collector.Workers = 16
	}
	if c.Collector.SuccessStatus == "" {
		c.Collector.SuccessStatus = "success"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":5000"
	}
	if c.Timezone == "" {
		c.location = time.Local
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the configured time zone. It is only valid after PostProcess.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "timezone")
	helper.Copy(up.Str, "database", "credentials")
	helper.Copy(up.Str, "database", "devices_dialect")
	helper.Copy(up.Str, "database", "devices")
	helper.Copy(up.Str, "bootstrap", "mode")
	helper.Copy(up.Int, "bootstrap", "timeout_seconds")
	helper.Copy(up.Int, "bootstrap", "qr_size")
	helper.Copy(up.Str, "bootstrap", "pair_display_name")
	helper.Copy(up.Int, "reconnect", "initial_delay_ms")
	helper.Copy(up.Int, "reconnect", "max_delay_ms")
	helper.Copy(up.Int, "reconnect", "max_attempts")
	helper.Copy(up.Int, "reconnect", "circuit_cooldown_seconds")
	helper.Copy(up.Str, "reconcile_schedule")
	helper.Copy(up.Str|up.Null, "collector", "url")
	helper.Copy(up.Int, "collector", "timeout_seconds")
	helper.Copy(up.Int, "collector", "workers")
	helper.Copy(up.Str, "collector", "success_status")
	helper.Copy(up.Str, "api", "listen")
	helper.Copy(up.Str|up.Null, "api", "frontend_url")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader returns the upgrader that merges a user config onto the
// embedded example.
func ConfigUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}
