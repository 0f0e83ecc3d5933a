// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"time"
)

// ServiceConfig holds configuration for the jobs service HTTP surface.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	AllowCORS         bool
	LogLevel          string // none|error|info|debug
	FSMountPoint      string

	Worker     WorkerConfig
	Controller ControllerConfig
	Daemon     DaemonConfig
	Abort      AbortConfig
}

// WorkerConfig governs Worker pool sizing and the Spawner variant (spec §6.5).
type WorkerConfig struct {
	PoolSize       int
	AtStartup      bool          // ORCHESTRA_AT_STARTUP: start leasing immediately vs on first request
	WorkerInterval time.Duration // ORCHESTRA_WORKER_INTERVAL
	MPMethod       string        // ORCHESTRA_MP_METHOD: embedded|native|docker
	Args           string        // ORCHESTRA_WORKER_ARGS: spawner-specific args (e.g. docker image)
}

// ControllerConfig selects the Controller dialect (spec §6.5).
type ControllerConfig struct {
	Backend string // ORCHESTRA_CONTROLLER: sqlite|http|kv
	Args    string // ORCHESTRA_CONTROLLER_ARGS: DSN / remote base URL / kv backend name
}

// DaemonConfig governs the supervised-loop poll cadence (spec §6.5).
type DaemonConfig struct {
	Interval time.Duration // ORCHESTRA_DAEMON_INTERVAL
}

// AbortConfig governs the Abort Coordinator's synchronous-contract timeout.
type AbortConfig struct {
	Timeout time.Duration // ORCHESTRA_ABORT_TIMEOUT
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		AllowCORS:         GetBoolEnv("ALLOW_CORS", true),
		LogLevel:          GetEnv("ORCHESTRA_LOGLEVEL", "info"),
		FSMountPoint:      GetEnv("FS_MOUNT_POINT", "/data"),
		Worker: WorkerConfig{
			PoolSize:       GetIntEnv("ORCHESTRA_WORKER_POOL_SIZE", 4),
			AtStartup:      GetBoolEnv("ORCHESTRA_AT_STARTUP", true),
			WorkerInterval: GetDurationEnv("ORCHESTRA_WORKER_INTERVAL", time.Second),
			MPMethod:       GetEnv("ORCHESTRA_MP_METHOD", "embedded"),
			Args:           GetEnv("ORCHESTRA_WORKER_ARGS", ""),
		},
		Controller: ControllerConfig{
			Backend: GetEnv("ORCHESTRA_CONTROLLER", "sqlite"),
			Args:    GetEnv("ORCHESTRA_CONTROLLER_ARGS", ""),
		},
		Daemon: DaemonConfig{
			Interval: GetDurationEnv("ORCHESTRA_DAEMON_INTERVAL", 5*time.Second),
		},
		Abort: AbortConfig{
			Timeout: GetDurationEnv("ORCHESTRA_ABORT_TIMEOUT", 30*time.Second),
		},
	}
}

// SlogLevel maps the ORCHESTRA_LOGLEVEL value to a slog.Level.
// "none" maps to a level above Error so no records are emitted.
func SlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	case "none":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}
