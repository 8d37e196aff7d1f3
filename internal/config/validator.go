package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}
	validateHub(&cfg.Hub, result)
	validateBeacon(&cfg.Beacon, result)
	validateApplication(&cfg.Application, result)
	return result
}

func validateHub(data *HubData, result *ValidationResult) {
	if strings.TrimSpace(data.InstanceExecutable) == "" {
		result.AddError("hub.instance_executable", "instance executable is required")
	} else if _, err := os.Stat(data.InstanceExecutable); os.IsNotExist(err) {
		result.AddWarning("hub.instance_executable",
			fmt.Sprintf("file does not exist: %s", data.InstanceExecutable))
	}

	if data.InstanceWorkDir != "" {
		if _, err := os.Stat(data.InstanceWorkDir); os.IsNotExist(err) {
			result.AddWarning("hub.instance_work_dir",
				fmt.Sprintf("directory does not exist: %s", data.InstanceWorkDir))
		}
	}

	if net.ParseIP(data.ListenAddress) == nil {
		result.AddError("hub.listen_address", fmt.Sprintf("not an IP address: %q", data.ListenAddress))
	}
	if strings.TrimSpace(data.PublicAddress) == "" {
		result.AddError("hub.public_address", "public address is required for instance join addresses")
	}

	validatePort(data.HubPort, "hub.hub_port", result)
	validatePort(data.APIPort, "hub.api_port", result)
	validatePort(data.InstanceBasePort, "hub.instance_base_port", result)

	if data.MaxInstances < 1 {
		result.AddError("hub.max_instances", "must allow at least 1 instance")
	} else if data.InstanceBasePort+data.MaxInstances > 65535 {
		result.AddError("hub.max_instances", "instance ports would exceed 65535")
	}
	if data.MaxInstances > 64 {
		result.AddWarning("hub.max_instances",
			fmt.Sprintf("high instance count (%d) may exhaust host resources", data.MaxInstances))
	}

	// Instance ports occupy [base+1, base+max].
	for _, p := range []struct {
		port  int
		field string
	}{{data.HubPort, "hub.hub_port"}, {data.APIPort, "hub.api_port"}} {
		if p.port > data.InstanceBasePort && p.port <= data.InstanceBasePort+data.MaxInstances {
			result.AddError(p.field, "port conflict with the instance port range")
		}
	}
	if data.HubPort == data.APIPort {
		result.AddError("hub.ports", "port conflict detected: hub and api ports must differ")
	}

	if data.LaunchBudgetSec < 1 {
		result.AddError("hub.launch_budget_sec", "launch budget must be at least 1 second")
	}
	if data.EmptyMatchTimeoutSec < 0 {
		result.AddError("hub.empty_match_timeout_sec", "must not be negative")
	}
	if data.ShutdownGraceSec < 0 || data.ShutdownGraceSec > 60 {
		result.AddError("hub.shutdown_grace_sec", "must be between 0 and 60")
	}
	if data.RankTolerance < 0 {
		result.AddError("hub.rank_tolerance", "must not be negative")
	}
	if data.DefaultMaxPlayers < 0 || data.DefaultMaxSpectators < 0 {
		result.AddError("hub.default_max_players", "player limits must not be negative")
	}

	for i, key := range data.AccessKeys {
		if len(key) < 8 {
			result.AddWarning(fmt.Sprintf("hub.access_keys[%d]", i), "short access keys are easy to guess")
		}
	}
}

func validateBeacon(data *BeaconData, result *ValidationResult) {
	if data.NetworkVersion == 0 {
		result.AddError("beacon.network_version", "network version is required")
	}
	for _, t := range []struct {
		sec   int
		field string
	}{
		{data.InitialConnectSec, "beacon.initial_connect_timeout_sec"},
		{data.RPCTimeoutSec, "beacon.rpc_timeout_sec"},
		{data.FailsafeTimeoutSec, "beacon.failsafe_timeout_sec"},
		{data.ConnectionTimeoutSec, "beacon.connection_timeout_sec"},
		{data.HeartbeatSec, "beacon.heartbeat_interval_sec"},
	} {
		if t.sec < 1 {
			result.AddError(t.field, "timeout must be at least 1 second")
		}
	}
	if data.HeartbeatSec >= data.ConnectionTimeoutSec {
		result.AddError("beacon.heartbeat_interval_sec",
			"heartbeat must be shorter than the connection timeout")
	}
}

func validateApplication(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}
	if data.Security.AdminToken == "" {
		result.AddWarning("application.security.admin_token",
			"no admin token set, control routes are unauthenticated")
	}
	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddError("application.logging.level", fmt.Sprintf("unknown log level %q", data.Logging.Level))
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application.database.path", "database path is required")
	}

	if data.Maintenance.Enabled {
		if _, err := time.Parse("15:04", data.Maintenance.CleanupTime); err != nil {
			result.AddError("application.maintenance.cleanup_time", "cleanup time must be HH:MM")
		}
		if data.Maintenance.HistoryRetentionDays < 1 {
			result.AddError("application.maintenance.history_retention_days", "history retention must be at least 1 day")
		}
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HealthCheckInterval < 5 {
		result.AddWarning("timers.health_check_interval_sec",
			"health checks more often than every 5s add needless load")
	}
	if timers.BeaconTickMillis < 50 || timers.BeaconTickMillis > 5000 {
		result.AddError("timers.beacon_tick_ms", "beacon tick must be between 50 and 5000 ms")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
