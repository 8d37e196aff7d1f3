// Package config handles configuration loading, validation, and persistence
// for the lobby hub.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/protocol"
)

const (
	DefaultConfigDir        = "config"
	DefaultConfigFile       = "config.json"
	DefaultAPIPort          = 5080
	DefaultHubPort          = 7787
	DefaultInstanceBasePort = 7800
)

// Config is the root configuration structure for the hub.
type Config struct {
	mu   sync.RWMutex
	path string

	Hub         HubData         `json:"hub"`
	Beacon      BeaconData      `json:"beacon"`
	Application ApplicationData `json:"application"`
}

// HubData configures the lobby and the instances it launches.
type HubData struct {
	Name string `json:"name"`

	// Network
	ListenAddress    string `json:"listen_address"`
	HubPort          int    `json:"hub_port"`
	APIPort          int    `json:"api_port"`
	PublicAddress    string `json:"public_address"`
	InstanceBasePort int    `json:"instance_base_port"`

	// Instances
	InstanceExecutable string   `json:"instance_executable"`
	InstanceWorkDir    string   `json:"instance_work_dir"`
	InstanceExtraArgs  []string `json:"instance_extra_args"`
	MaxInstances       int      `json:"max_instances"`

	// Lifecycle
	LaunchBudgetSec      int `json:"launch_budget_sec"`
	EmptyMatchTimeoutSec int `json:"empty_match_timeout_sec"`
	ShutdownGraceSec     int `json:"shutdown_grace_sec"`

	// Joining
	RankTolerance        int32 `json:"rank_tolerance"`
	DefaultMaxPlayers    int   `json:"default_max_players"`
	DefaultMaxSpectators int   `json:"default_max_spectators"`

	// AccessKeys are merged with keys stored in the database.
	AccessKeys []string `json:"access_keys"`
}

// BeaconData configures beacon connection timing.
type BeaconData struct {
	NetworkVersion       uint32 `json:"network_version"`
	Netspeed             uint32 `json:"netspeed"`
	InitialConnectSec    int    `json:"initial_connect_timeout_sec"`
	RPCTimeoutSec        int    `json:"rpc_timeout_sec"`
	FailsafeTimeoutSec   int    `json:"failsafe_timeout_sec"`
	ConnectionTimeoutSec int    `json:"connection_timeout_sec"`
	HeartbeatSec         int    `json:"heartbeat_interval_sec"`
}

// ApplicationData contains hub application configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`

	// Maintenance drives the daily history and log cleanup.
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	HealthCheckInterval int `json:"health_check_interval_sec"`
	BeaconTickMillis    int `json:"beacon_tick_ms"`
	StatusInterval      int `json:"status_interval_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AdminToken     string   `json:"admin_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig locates the hub's SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// MaintenanceConfig holds the daily cleanup settings.
type MaintenanceConfig struct {
	Enabled              bool   `json:"enabled"`
	CleanupTime          string `json:"cleanup_time"`
	HistoryRetentionDays int    `json:"history_retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubData{
			Name:                 "lobbyhub",
			ListenAddress:        "0.0.0.0",
			HubPort:              DefaultHubPort,
			APIPort:              DefaultAPIPort,
			PublicAddress:        "127.0.0.1",
			InstanceBasePort:     DefaultInstanceBasePort,
			MaxInstances:         8,
			LaunchBudgetSec:      600,
			EmptyMatchTimeoutSec: 300,
			ShutdownGraceSec:     5,
			RankTolerance:        400,
			DefaultMaxPlayers:    10,
			DefaultMaxSpectators: 2,
		},
		Beacon: BeaconData{
			NetworkVersion:       protocol.NetworkVersion,
			Netspeed:             protocol.DefaultNetspeed,
			InitialConnectSec:    5,
			RPCTimeoutSec:        15,
			FailsafeTimeoutSec:   15,
			ConnectionTimeoutSec: 45,
			HeartbeatSec:         10,
		},
		Application: ApplicationData{
			Timers: TimerConfig{
				HealthCheckInterval: 60,
				BeaconTickMillis:    1000,
				StatusInterval:      60,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    1883,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Path: filepath.Join("data", "lobbyhub.db"),
			},
			Maintenance: MaintenanceConfig{
				Enabled:              true,
				CleanupTime:          "04:00",
				HistoryRetentionDays: 30,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetHub returns a copy of the hub configuration.
func (c *Config) GetHub() HubData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Hub
}

// SetHub updates the hub configuration.
func (c *Config) SetHub(data HubData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hub = data
}

// GetBeacon returns a copy of the beacon configuration.
func (c *Config) GetBeacon() BeaconData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Beacon
}

// GetApplication returns a copy of the application configuration.
func (c *Config) GetApplication() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Application
}

// SetApplication updates the application configuration.
func (c *Config) SetApplication(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Application = data
}

// UpdateHubField updates a specific field in the hub section by its JSON
// name.
func (c *Config) UpdateHubField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Hub)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown hub field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var hub HubData
	if err := json.Unmarshal(updated, &hub); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Hub = hub
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Hub.InstanceExecutable == ""
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// LobbyConfig converts the hub section for the orchestrator.
func (h HubData) LobbyConfig() lobby.Config {
	return lobby.Config{
		HubPort:              h.HubPort,
		InstanceExecutable:   h.InstanceExecutable,
		WorkDir:              h.InstanceWorkDir,
		ExtraArgs:            append([]string(nil), h.InstanceExtraArgs...),
		InstanceBasePort:     h.InstanceBasePort,
		InstanceHost:         h.PublicAddress,
		MaxInstances:         h.MaxInstances,
		LaunchBudget:         seconds(h.LaunchBudgetSec),
		EmptyMatchTimeout:    seconds(h.EmptyMatchTimeoutSec),
		RankTolerance:        h.RankTolerance,
		DefaultMaxPlayers:    h.DefaultMaxPlayers,
		DefaultMaxSpectators: h.DefaultMaxSpectators,
		ShutdownGrace:        seconds(h.ShutdownGraceSec),
	}
}

// ListenAddr is the beacon listener's bind address.
func (h HubData) ListenAddr() string {
	return fmt.Sprintf("%s:%d", h.ListenAddress, h.HubPort)
}

// Options converts the beacon section for endpoints.
func (b BeaconData) Options() beacon.Options {
	opts := beacon.DefaultOptions()
	opts.Version = b.NetworkVersion
	opts.Netspeed = b.Netspeed
	opts.Timeouts = beacon.Timeouts{
		InitialConnect: seconds(b.InitialConnectSec),
		RPC:            seconds(b.RPCTimeoutSec),
		Failsafe:       seconds(b.FailsafeTimeoutSec),
		Connection:     seconds(b.ConnectionTimeoutSec),
		Heartbeat:      seconds(b.HeartbeatSec),
	}
	return opts
}
