// Package config provides configuration for the build agent, read from an
// optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the build agent.
type Config struct {
	// CI API
	APIBaseURL string `yaml:"api_base_url"`
	APIToken   string `yaml:"api_token"`

	// Remote log service
	LogSocketPath string `yaml:"log_socket_path"`

	// Worker subprocess
	Worker WorkerConfig `yaml:"worker"`

	// Logger bus and cache distribution
	BusCapacity     int `yaml:"bus_capacity"`
	PushParallelism int `yaml:"push_parallelism"`

	// Task consumption
	Concurrency int `yaml:"concurrency"`

	// Local status endpoint
	StatusAddr string `yaml:"status_addr"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig holds worker subprocess configuration.
type WorkerConfig struct {
	// Path to the worker executable. Empty selects the direct nix-store
	// realise fallback.
	Path            string        `yaml:"path"`
	ExtraNixOptions []string      `yaml:"extra_nix_options"`
	WallTimeout     time.Duration `yaml:"wall_timeout"`
	SilenceTimeout  time.Duration `yaml:"silence_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
}

// Load reads configuration from the file named by AGENT_CONFIG_FILE (if any)
// and applies environment variable overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if file := os.Getenv("AGENT_CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIBaseURL:      "http://localhost:8080",
		LogSocketPath:   "/api/v1/logs/build/socket",
		BusCapacity:     1000,
		PushParallelism: 4,
		Concurrency:     1,
		StatusAddr:      "127.0.0.1:9200",
		ShutdownTimeout: 30 * time.Second,
		Worker: WorkerConfig{
			WallTimeout:    10 * time.Hour,
			SilenceTimeout: 30 * time.Minute,
			KillGrace:      10 * time.Second,
		},
	}
}

func (c *Config) applyEnv() {
	c.APIBaseURL = getEnv("AGENT_API_BASE_URL", c.APIBaseURL)
	c.APIToken = getEnv("AGENT_API_TOKEN", c.APIToken)
	c.LogSocketPath = getEnv("AGENT_LOG_SOCKET_PATH", c.LogSocketPath)
	c.Worker.Path = getEnv("AGENT_WORKER_PATH", c.Worker.Path)
	c.Worker.WallTimeout = getDurationEnv("AGENT_BUILD_TIMEOUT", c.Worker.WallTimeout)
	c.Worker.SilenceTimeout = getDurationEnv("AGENT_SILENCE_TIMEOUT", c.Worker.SilenceTimeout)
	c.Worker.KillGrace = getDurationEnv("AGENT_KILL_GRACE", c.Worker.KillGrace)
	c.BusCapacity = getIntEnv("AGENT_BUS_CAPACITY", c.BusCapacity)
	c.PushParallelism = getIntEnv("AGENT_PUSH_PARALLELISM", c.PushParallelism)
	c.Concurrency = getIntEnv("AGENT_CONCURRENCY", c.Concurrency)
	c.StatusAddr = getEnv("AGENT_STATUS_ADDR", c.StatusAddr)
	c.ShutdownTimeout = getDurationEnv("AGENT_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("AGENT_API_TOKEN is required")
	}
	if c.BusCapacity <= 0 {
		return fmt.Errorf("bus_capacity must be positive")
	}
	if c.PushParallelism <= 0 {
		return fmt.Errorf("push_parallelism must be positive")
	}
	return nil
}

// TokenExpiry inspects the agent API token without verifying its signature
// and returns its expiry time, if the token is a JWT carrying one. Used to
// warn operators about expiring credentials; verification happens on the
// server.
func (c *Config) TokenExpiry() (time.Time, bool) {
	if strings.Count(c.APIToken, ".") != 2 {
		return time.Time{}, false
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.APIToken, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
