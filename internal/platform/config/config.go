// Package config loads service configuration from defaults, an optional YAML
// file and RECON_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override, e.g.
// RECON_DATABASE_HOST overrides database.host.
const EnvPrefix = "RECON"

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConnTime    time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	HealthCheck    time.Duration `mapstructure:"health_check"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type QueueConfig struct {
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// WorkflowConfig selects the approval workflow and the reminder schedule.
type WorkflowConfig struct {
	ReconciliationWorkflowID int64 `mapstructure:"reconciliation_workflow_id"`
	SubmitBreakdownID        int64 `mapstructure:"submit_breakdown_id"`
	SubmittedBreakdownID     int64 `mapstructure:"submitted_breakdown_id"`
	ReminderHour             int   `mapstructure:"reminder_hour"`
	ReminderMinute           int   `mapstructure:"reminder_minute"`
	ReminderFirstDay         int   `mapstructure:"reminder_first_day"`
	RemindersEnabled         bool  `mapstructure:"reminders_enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Workflow.ReconciliationWorkflowID <= 0 {
		return fmt.Errorf("workflow.reconciliation_workflow_id must be positive")
	}
	if c.Workflow.ReminderFirstDay < 1 || c.Workflow.ReminderFirstDay > 28 {
		return fmt.Errorf("workflow.reminder_first_day must be between 1 and 28")
	}
	if c.Workflow.ReminderHour < 0 || c.Workflow.ReminderHour > 23 ||
		c.Workflow.ReminderMinute < 0 || c.Workflow.ReminderMinute > 59 {
		return fmt.Errorf("workflow reminder time is out of range")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-bank-reconciliation")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "bank_reconciliation")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 10*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "NOTIFICATIONS")
	v.SetDefault("nats.subject_prefix", "notifications.recon")
	v.SetDefault("nats.publish_timeout", 5*time.Second)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.job_timeout", 30*time.Second)

	v.SetDefault("workflow.reconciliation_workflow_id", 1)
	v.SetDefault("workflow.submit_breakdown_id", 1)
	v.SetDefault("workflow.submitted_breakdown_id", 2)
	v.SetDefault("workflow.reminder_hour", 9)
	v.SetDefault("workflow.reminder_minute", 21)
	v.SetDefault("workflow.reminder_first_day", 6)
	v.SetDefault("workflow.reminders_enabled", true)

	v.SetDefault("log.level", "info")
}
