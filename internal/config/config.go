package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built from defaults, then the optional RELAY_CONFIG_FILE, then
// the environment. Later sources win.
type Config struct {
	ServerPort      string `yaml:"server_port"`
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	LogLevel        string `yaml:"log_level"`
	BootstrapSchema bool   `yaml:"bootstrap_schema"`

	Database   DatabaseConfig   `yaml:"database"`
	Relay      RelayConfig      `yaml:"relay"`
	NATS       NATSConfig       `yaml:"nats"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
}

// DatabaseConfig holds the discrete connection settings used when
// DatabaseURL is not given.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RelayConfig struct {
	Channel           string        `yaml:"channel"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	FallbackGrace     time.Duration `yaml:"fallback_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReprobeInterval   time.Duration `yaml:"reprobe_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type SubscriberConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

func defaults() *Config {
	return &Config{
		ServerPort: "8080",
		LogLevel:   "info",
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			Name:    "postgres",
			User:    "postgres",
			SSLMode: "disable",
		},
		Relay: RelayConfig{
			Channel:           "order_changes",
			PollInterval:      time.Second,
			FallbackGrace:     3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReprobeInterval:   30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			DialTimeout:       time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "orders",
			MaxReconnect:  -1,
			ReconnectWait: 2 * time.Second,
		},
		Subscriber: SubscriberConfig{
			JWTExpiry: 24 * time.Hour,
		},
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.Database.URL()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Relay.Channel = getEnv("NOTIFY_CHANNEL", c.Relay.Channel)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.Subscriber.JWTSecret = getEnv("SUBSCRIBER_JWT_SECRET", c.Subscriber.JWTSecret)

	var err error
	if c.BootstrapSchema, err = getEnvBool("BOOTSTRAP_SCHEMA", c.BootstrapSchema); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &c.Relay.PollInterval},
		{"FALLBACK_GRACE", &c.Relay.FallbackGrace},
		{"HEARTBEAT_INTERVAL", &c.Relay.HeartbeatInterval},
		{"PUSH_REPROBE_INTERVAL", &c.Relay.ReprobeInterval},
		{"SHUTDOWN_TIMEOUT", &c.Relay.ShutdownTimeout},
		{"LISTENER_DIAL_TIMEOUT", &c.Relay.DialTimeout},
		{"SUBSCRIBER_JWT_EXPIRY", &c.Subscriber.JWTExpiry},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Relay.Channel == "" {
		return errors.New("NOTIFY_CHANNEL must not be empty")
	}
	if c.Relay.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.Relay.FallbackGrace <= 0 {
		return errors.New("FALLBACK_GRACE must be positive")
	}
	if c.Relay.HeartbeatInterval < 0 || c.Relay.ReprobeInterval < 0 {
		return errors.New("HEARTBEAT_INTERVAL and PUSH_REPROBE_INTERVAL must not be negative")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Relay.DialTimeout <= 0 {
		return errors.New("LISTENER_DIAL_TIMEOUT must be positive")
	}
	if c.Subscriber.JWTSecret != "" && c.Subscriber.JWTExpiry <= 0 {
		return errors.New("SUBSCRIBER_JWT_EXPIRY must be positive")
	}
	return nil
}

// URL assembles a postgres connection string from the discrete settings.
func (d DatabaseConfig) URL() string {
	if d.Host == "" || d.Name == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return b, nil
}
