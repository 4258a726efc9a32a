package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobq/internal/alert"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/shared/logger"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvWorkerConfigPath names the worker config file
	EnvWorkerConfigPath = "JOBS_WORKER_CONFIG_PATH"
	// EnvAPIConfigPath names the API config file
	EnvAPIConfigPath = "JOBS_API_CONFIG_PATH"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  logger.Config  `yaml:"logging"`
	Worker   WorkerConfig   `yaml:"worker"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Queues   QueuesConfig   `yaml:"queues"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Environment string   `yaml:"environment"`
	Tenants     []string `yaml:"tenants"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// Client converts the section into the broker client configuration
func (r RabbitMQConfig) Client() *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:              r.Host,
		Port:              r.Port,
		User:              r.User,
		Password:          r.Password,
		VHost:             r.VHost,
		RetryAttempts:     r.Connection.RetryAttempts,
		RetryInterval:     r.Connection.RetryInterval,
		Heartbeat:         r.Connection.Heartbeat,
		ConnectionTimeout: r.Connection.ConnectionTimeout,
	}
}

// WorkerConfig holds worker service configuration. Command line
// parameters override Name, Queue and Workers.
type WorkerConfig struct {
	Name    string `yaml:"name"`
	Queue   string `yaml:"queue"`
	Workers int    `yaml:"workers"`

	RestartLimit  int           `yaml:"restart_limit"`
	RestartWindow time.Duration `yaml:"restart_window"`
	StartLimit    int           `yaml:"start_limit"`
	StartWindow   time.Duration `yaml:"start_window"`

	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AdminPort serves health, status and metrics; 0 disables it
	AdminPort int `yaml:"admin_port"`

	WorkRoot     string        `yaml:"work_root"`
	ArchiveRoot  string        `yaml:"archive_root"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AlertsConfig holds operator alert settings. Alerts only go to the log
// when no SMTP host is set.
type AlertsConfig struct {
	SMTPHost     string   `yaml:"smtp_host"`
	SMTPPort     int      `yaml:"smtp_port"`
	SMTPUser     string   `yaml:"smtp_user"`
	SMTPPassword string   `yaml:"smtp_password"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
}

// Email converts the section into the mail alerter configuration
func (a AlertsConfig) Email() alert.EmailConfig {
	return alert.EmailConfig{
		Host:     a.SMTPHost,
		Port:     a.SMTPPort,
		User:     a.SMTPUser,
		Password: a.SMTPPassword,
		From:     a.From,
		To:       a.To,
	}
}

// QueuesConfig holds queue selection settings
type QueuesConfig struct {
	DefaultQueue string `yaml:"default_queue"`
	// ReloadSchedule is a cron spec for reloading queue definitions
	ReloadSchedule string `yaml:"reload_schedule"`
}

// LoadEnv loads a .env file into the environment. A missing file is not
// an error.
func LoadEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Path returns the config path named by envKey, or fallback
func Path(envKey, fallback string) string {
	if p := os.Getenv(envKey); p != "" {
		return p
	}
	return fallback
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the sections the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Queues.DefaultQueue != "" {
		if err := jobqueue.ValidateSubmitQueueName(c.Queues.DefaultQueue); err != nil {
			return fmt.Errorf("invalid default queue: %w", err)
		}
	}
	return nil
}

// ValidateWorkerConfig checks the sections the worker needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.Worker.Workers < 0 {
		return fmt.Errorf("worker workers must not be negative")
	}

	if c.Worker.RestartLimit < 0 || c.Worker.StartLimit < 0 {
		return fmt.Errorf("worker restart_limit and start_limit must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.AdminPort != 0 && (c.Worker.AdminPort < MinPort || c.Worker.AdminPort > MaxPort) {
		return fmt.Errorf("invalid worker admin port: %d (must be between %d and %d)", c.Worker.AdminPort, MinPort, MaxPort)
	}

	if c.Worker.WorkRoot == "" {
		return fmt.Errorf("worker work_root is required")
	}

	return nil
}

func (c *Config) validateCommon() error {
	if len(c.App.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	for _, tenant := range c.App.Tenants {
		if err := jobqueue.ValidateTenant(tenant); err != nil {
			return err
		}
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}
