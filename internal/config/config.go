package config

import (
	"time"

	"github.com/phrazzld/scry-jobs/internal/task"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Task       TaskConfig       `mapstructure:"task" validate:"required"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains database settings. The database is optional; when
// URL is empty no pool is opened and no health maintenance runs.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// AuthConfig contains settings for the ops API bearer-token guard. An empty
// secret leaves the API unauthenticated.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// TaskConfig contains job queue settings.
type TaskConfig struct {
	WorkerCount     int `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize       int `mapstructure:"queue_size" validate:"required,gt=0"`
	BlockingWorkers int `mapstructure:"blocking_workers" validate:"required,gt=0"`
}

// SupervisorConfig contains shutdown and background maintenance settings.
type SupervisorConfig struct {
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ForceCancelGrace   time.Duration `mapstructure:"force_cancel_grace" validate:"gt=0"`
	JobCleanupInterval time.Duration `mapstructure:"job_cleanup_interval" validate:"gt=0"`
	JobRetention       time.Duration `mapstructure:"job_retention" validate:"gt=0"`
	DBHealthInterval   time.Duration `mapstructure:"db_health_interval" validate:"gt=0"`
	HandleSignals      bool          `mapstructure:"handle_signals"`
}

// JobQueueConfig converts the task settings into a task.JobQueueConfig.
func (c *Config) JobQueueConfig() task.JobQueueConfig {
	return task.JobQueueConfig{
		WorkerCount:     c.Task.WorkerCount,
		QueueSize:       c.Task.QueueSize,
		BlockingWorkers: c.Task.BlockingWorkers,
		ForceGrace:      c.Supervisor.ForceCancelGrace,
	}
}

// SupervisorConfig converts the supervisor settings into a task.SupervisorConfig.
func (c *Config) SupervisorConfig() task.SupervisorConfig {
	return task.SupervisorConfig{
		ShutdownTimeout:  c.Supervisor.ShutdownTimeout,
		ForceCancelGrace: c.Supervisor.ForceCancelGrace,
		HandleSignals:    c.Supervisor.HandleSignals,
	}
}

// BackgroundConfig returns the retention settings for the supervisor's
// background services. Cache and extra maintenance are wired by the caller.
func (c *Config) BackgroundConfig() task.BackgroundConfig {
	bg := task.DefaultBackgroundConfig()
	bg.JobCleanupInterval = c.Supervisor.JobCleanupInterval
	bg.JobRetention = c.Supervisor.JobRetention
	return bg
}
