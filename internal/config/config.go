// Package config loads the fleet controller configuration from a YAML file
// in the home directory, with code defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHomeEnv names the environment variable overriding the home dir.
const DefaultHomeEnv = "CLUBFLEET_HOME"

// TimeoutConfig bounds every blocking wait in the system. The membership
// check is the longest ordinary wait, reflecting the platform's latency on
// permission queries; the mic task bound covers the whole slot-acquisition
// loop for one bot.
type TimeoutConfig struct {
	ConnectSeconds         int `yaml:"connect_seconds"`
	AuthResponseSeconds    int `yaml:"auth_response_seconds"`
	ClubJoinSeconds        int `yaml:"club_join_seconds"`
	MembershipCheckSeconds int `yaml:"membership_check_seconds"`
	MessageTaskSeconds     int `yaml:"message_task_seconds"`
	MicTaskSeconds         int `yaml:"mic_task_seconds"`
}

func (t TimeoutConfig) Connect() time.Duration         { return secs(t.ConnectSeconds) }
func (t TimeoutConfig) AuthResponse() time.Duration    { return secs(t.AuthResponseSeconds) }
func (t TimeoutConfig) ClubJoin() time.Duration        { return secs(t.ClubJoinSeconds) }
func (t TimeoutConfig) MembershipCheck() time.Duration { return secs(t.MembershipCheckSeconds) }
func (t TimeoutConfig) MessageTask() time.Duration     { return secs(t.MessageTaskSeconds) }
func (t TimeoutConfig) MicTask() time.Duration         { return secs(t.MicTaskSeconds) }

// DelayConfig paces the fleet so the platform never sees a burst.
type DelayConfig struct {
	BetweenMessagesMillis   int `yaml:"between_messages_ms"`
	BetweenBotsMillis       int `yaml:"between_bots_ms"`
	BulkConnectMillis       int `yaml:"bulk_connect_ms"`
	KeepaliveSeconds        int `yaml:"keepalive_seconds"`
	MicCheckIntervalSeconds int `yaml:"mic_check_interval_seconds"`
	JoinSettleMillis        int `yaml:"join_settle_ms"`
}

func (d DelayConfig) BetweenMessages() time.Duration  { return millis(d.BetweenMessagesMillis) }
func (d DelayConfig) BetweenBots() time.Duration      { return millis(d.BetweenBotsMillis) }
func (d DelayConfig) BulkConnect() time.Duration      { return millis(d.BulkConnectMillis) }
func (d DelayConfig) Keepalive() time.Duration        { return secs(d.KeepaliveSeconds) }
func (d DelayConfig) MicCheckInterval() time.Duration { return secs(d.MicCheckIntervalSeconds) }
func (d DelayConfig) JoinSettle() time.Duration       { return millis(d.JoinSettleMillis) }

// CORSConfig controls cross-origin access to the control gateway.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig bounds request rates on the control API. Buckets are
// keyed by client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// MetricsConfig toggles the OpenTelemetry meter provider.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full controller configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ClubCode is the numeric code of the target group. Mutable at runtime
	// through the gateway; reads must go through Registry, not this struct.
	ClubCode int `yaml:"club_code"`

	WebSocketURL    string `yaml:"websocket_url"`
	WebSocketOrigin string `yaml:"websocket_origin"`

	BotsFile    string `yaml:"bots_file"`
	MembersFile string `yaml:"members_file"`

	MaxConnections int `yaml:"max_connections"`

	MessagesPerBot int `yaml:"messages_per_bot"`
	MicBatchSize   int `yaml:"mic_batch_size"`

	// MonitorSchedule is the cron expression for the periodic fleet status
	// report in the log.
	MonitorSchedule string `yaml:"monitor_schedule"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
	Delays   DelayConfig   `yaml:"delays"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func secs(n int) time.Duration   { return time.Duration(n) * time.Second }
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HomeDir resolves the configuration directory: $CLUBFLEET_HOME, else
// ~/.clubfleet.
func HomeDir() (string, error) {
	if dir := os.Getenv(DefaultHomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".clubfleet"), nil
}

// Load reads config.yaml from the given home directory. A missing file is
// not an error; defaults apply. A present but malformed file is an error.
func Load(homeDir string) (*Config, error) {
	cfg := defaults()
	cfg.HomeDir = homeDir

	path := filepath.Join(homeDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolvePaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.resolvePaths()
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:3003"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BotsFile == "" {
		c.BotsFile = "bots.json"
	}
	if c.MembersFile == "" {
		c.MembersFile = "members.json"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.MessagesPerBot <= 0 {
		c.MessagesPerBot = 21
	}
	if c.MicBatchSize <= 0 {
		c.MicBatchSize = 10
	}
	if c.MonitorSchedule == "" {
		c.MonitorSchedule = "* * * * *"
	}

	t := &c.Timeouts
	if t.ConnectSeconds <= 0 {
		t.ConnectSeconds = 30
	}
	if t.AuthResponseSeconds <= 0 {
		t.AuthResponseSeconds = 10
	}
	if t.ClubJoinSeconds <= 0 {
		t.ClubJoinSeconds = 10
	}
	if t.MembershipCheckSeconds <= 0 {
		t.MembershipCheckSeconds = 35
	}
	if t.MessageTaskSeconds <= 0 {
		t.MessageTaskSeconds = 60
	}
	if t.MicTaskSeconds <= 0 {
		t.MicTaskSeconds = 2100
	}

	d := &c.Delays
	if d.BetweenMessagesMillis <= 0 {
		d.BetweenMessagesMillis = 600
	}
	if d.BetweenBotsMillis <= 0 {
		d.BetweenBotsMillis = 1000
	}
	if d.BulkConnectMillis <= 0 {
		d.BulkConnectMillis = 500
	}
	if d.KeepaliveSeconds <= 0 {
		d.KeepaliveSeconds = 15
	}
	if d.MicCheckIntervalSeconds <= 0 {
		d.MicCheckIntervalSeconds = 25
	}
	if d.JoinSettleMillis <= 0 {
		d.JoinSettleMillis = 1000
	}
}

// resolvePaths makes the roster file paths absolute relative to HomeDir.
func (c *Config) resolvePaths() {
	if c.HomeDir == "" {
		return
	}
	if !filepath.IsAbs(c.BotsFile) {
		c.BotsFile = filepath.Join(c.HomeDir, c.BotsFile)
	}
	if !filepath.IsAbs(c.MembersFile) {
		c.MembersFile = filepath.Join(c.HomeDir, c.MembersFile)
	}
}
