package common

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Task names, shared by the app wiring, the CLI and configuration.
const (
	TaskFetchLiked     = "fetch-liked"
	TaskClaimLikedFree = "claim-liked-free"
	TaskFetchOrders    = "fetch-orders"
	TaskDownloadOrders = "download-orders"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment" env:"ENV"`
	Server      ServerConfig      `toml:"server" envPrefix:"SERVER_"`
	Storage     StorageConfig     `toml:"storage" envPrefix:"STORAGE_"`
	Downloads   DownloadsConfig   `toml:"downloads" envPrefix:"DOWNLOADS_"`
	Logging     LoggingConfig     `toml:"logging" envPrefix:"LOG_"`
	Marketplace MarketplaceConfig `toml:"marketplace" envPrefix:"MARKETPLACE_"`
	Actor       ActorConfig       `toml:"actor" envPrefix:"ACTOR_"`
	Queue       QueueConfig       `toml:"queue" envPrefix:"QUEUE_"`
	Tasks       TasksConfig       `toml:"tasks" envPrefix:"TASKS_"`
}

type ServerConfig struct {
	Port int    `toml:"port" env:"PORT" validate:"min=1,max=65535"`
	Host string `toml:"host" env:"HOST"`
}

type StorageConfig struct {
	Type     string         `toml:"type" env:"TYPE" validate:"oneof=badger postgres"` // "badger" (default) or "postgres"
	Badger   BadgerConfig   `toml:"badger" envPrefix:"BADGER_"`
	Postgres PostgresConfig `toml:"postgres" envPrefix:"POSTGRES_"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" env:"PATH"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" env:"RESET_ON_STARTUP"` // Delete database on startup for clean test runs
}

// PostgresConfig is used when storage.type = "postgres"
type PostgresConfig struct {
	DSN      string `toml:"dsn" env:"DSN"`
	MaxConns int32  `toml:"max_conns" env:"MAX_CONNS" validate:"min=1"`
}

type DownloadsConfig struct {
	Dir string `toml:"dir" env:"DIR" validate:"required"` // One sub-directory per asset slug
}

type LoggingConfig struct {
	Level      string   `toml:"level" env:"LEVEL"`                     // "debug", "info", "warn", "error"
	Output     []string `toml:"output" env:"OUTPUT" envSeparator:","` // "stdout", "file"
	TimeFormat string   `toml:"time_format" env:"TIME_FORMAT"`         // Time format for console logs
	File       string   `toml:"file" env:"FILE"`                       // Log file path when "file" is in output
}

// MarketplaceConfig holds the account and endpoint used by the marketplace client
type MarketplaceConfig struct {
	BaseURL        string   `toml:"base_url" env:"BASE_URL" validate:"required,url"`
	Email          string   `toml:"email" env:"EMAIL"`
	Password       string   `toml:"password" env:"PASSWORD"`
	Nickname       string   `toml:"nickname" env:"NICKNAME"`
	APIKey         string   `toml:"api_key" env:"API_KEY"`
	TimeZone       string   `toml:"time_zone" env:"TIME_ZONE"`
	UserAgent      string   `toml:"user_agent" env:"USER_AGENT"`
	PageSize       int      `toml:"page_size" env:"PAGE_SIZE" validate:"min=1"`
	RequestTimeout Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// ActorConfig bounds the side-effecting marketplace calls
type ActorConfig struct {
	ClaimConcurrency    int      `toml:"claim_concurrency" env:"CLAIM_CONCURRENCY" validate:"min=1"`
	ClaimInterval       Duration `toml:"claim_interval" env:"CLAIM_INTERVAL"`
	DownloadConcurrency int      `toml:"download_concurrency" env:"DOWNLOAD_CONCURRENCY" validate:"min=1"`
	DownloadInterval    Duration `toml:"download_interval" env:"DOWNLOAD_INTERVAL"`
}

type QueueConfig struct {
	Capacity int `toml:"capacity" env:"CAPACITY" validate:"min=1"`
}

// TaskConfig controls one scheduled task
type TaskConfig struct {
	Schedule string `toml:"schedule" env:"SCHEDULE"` // 5-field cron expression
	Startup  bool   `toml:"startup" env:"STARTUP"`   // Run once as soon as the scheduler starts
	Enabled  bool   `toml:"enabled" env:"ENABLED"`
}

type TasksConfig struct {
	FetchLiked     TaskConfig `toml:"fetch_liked" envPrefix:"FETCH_LIKED_"`
	ClaimLikedFree TaskConfig `toml:"claim_liked_free" envPrefix:"CLAIM_LIKED_FREE_"`
	FetchOrders    TaskConfig `toml:"fetch_orders" envPrefix:"FETCH_ORDERS_"`
	DownloadOrders TaskConfig `toml:"download_orders" envPrefix:"DOWNLOAD_ORDERS_"`
}

// ByName returns the task settings keyed by task name.
func (t *TasksConfig) ByName() map[string]TaskConfig {
	return map[string]TaskConfig{
		TaskFetchLiked:     t.FetchLiked,
		TaskClaimLikedFree: t.ClaimLikedFree,
		TaskFetchOrders:    t.FetchOrders,
		TaskDownloadOrders: t.DownloadOrders,
	}
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	minutely := "* * * * *"
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Downloads: DownloadsConfig{
			Dir: "./data/downloads",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Marketplace: MarketplaceConfig{
			BaseURL:        "https://cults3d.com",
			TimeZone:       "America/New_York",
			PageSize:       100,
			RequestTimeout: Duration(60 * time.Second),
		},
		Actor: ActorConfig{
			ClaimConcurrency:    1,
			ClaimInterval:       Duration(2 * time.Second),
			DownloadConcurrency: 3,
			DownloadInterval:    Duration(2 * time.Second),
		},
		Queue: QueueConfig{
			Capacity: 256,
		},
		Tasks: TasksConfig{
			FetchLiked:     TaskConfig{Schedule: minutely, Startup: true, Enabled: true},
			ClaimLikedFree: TaskConfig{Schedule: minutely, Enabled: true},
			FetchOrders:    TaskConfig{Schedule: minutely, Enabled: true},
			DownloadOrders: TaskConfig{Schedule: minutely, Enabled: true},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Later files override earlier ones field by field
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies POLYMER_* environment variables on top of file values.
// Unset variables leave the current value untouched.
func applyEnvOverrides(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: "POLYMER_"}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks field constraints and every task schedule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("invalid configuration: storage.postgres.dsn is required for postgres storage")
	}
	for name, task := range c.Tasks.ByName() {
		if !task.Enabled {
			continue
		}
		if err := ValidateSchedule(task.Schedule); err != nil {
			return fmt.Errorf("invalid schedule for task %s: %w", name, err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	if _, err := ParseSchedule(schedule); err != nil {
		return err
	}
	return nil
}

// ParseSchedule parses a standard 5-field cron expression
func ParseSchedule(schedule string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return parsed, nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
