// Package config loads the agent's service configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration. Per-project settings live in the
// projects file.
type Config struct {
	// HTTP server settings
	Host         string
	Port         int
	RateLimit    float64
	RateBurst    int
	TestMode     bool
	ExposeOutput bool

	// Projects file (projects.yaml)
	ProjectsFile string

	// Logging settings
	LogLevel  string
	LogFormat string
	LogFile   string

	// Job history database
	HistoryDB string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Deployment settings
	DeployLockTimeout time.Duration
	DeployKeep        int

	// Job settings
	JobsDebounce     time.Duration
	JobsTimeout      time.Duration
	JobsRestartDelay time.Duration
	JobsMaxTimer     time.Duration
}

// SetDefaults registers default values on the global viper instance.
func SetDefaults() {
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 5050)
	viper.SetDefault("server.rate_limit", 10.0)
	viper.SetDefault("server.rate_burst", 20)
	viper.SetDefault("server.test_mode", false)
	viper.SetDefault("server.expose_output", false)
	viper.SetDefault("projects.file", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.file", "")
	viper.SetDefault("history.db", "deployagent.db")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("deploy.lock_timeout", "2s")
	viper.SetDefault("deploy.keep", 20)
	viper.SetDefault("jobs.debounce", "5s")
	viper.SetDefault("jobs.timeout", "2h")
	viper.SetDefault("jobs.restart_delay", "60s")
	viper.SetDefault("jobs.max_timer", "1h")
}

// Load reads configuration from environment variables, config file, and
// bound flags.
func Load() (*Config, error) {
	SetDefaults()

	// DEPLOYAGENT_SERVER_PORT overrides server.port, and so on.
	viper.SetEnvPrefix("DEPLOYAGENT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/deployagent/")

	// The config file is optional; a broken one is not.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Host:         viper.GetString("server.host"),
		Port:         viper.GetInt("server.port"),
		RateLimit:    viper.GetFloat64("server.rate_limit"),
		RateBurst:    viper.GetInt("server.rate_burst"),
		TestMode:     viper.GetBool("server.test_mode"),
		ExposeOutput: viper.GetBool("server.expose_output"),
		ProjectsFile: viper.GetString("projects.file"),
		LogLevel:     strings.ToLower(viper.GetString("log.level")),
		LogFormat:    viper.GetString("log.format"),
		LogFile:      viper.GetString("log.file"),
		HistoryDB:    viper.GetString("history.db"),
		DeployKeep:   viper.GetInt("deploy.keep"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown.timeout", &cfg.ShutdownTimeout},
		{"deploy.lock_timeout", &cfg.DeployLockTimeout},
		{"jobs.debounce", &cfg.JobsDebounce},
		{"jobs.timeout", &cfg.JobsTimeout},
		{"jobs.restart_delay", &cfg.JobsRestartDelay},
		{"jobs.max_timer", &cfg.JobsMaxTimer},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Port)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("invalid rate limit: %v (must be positive)", c.RateLimit)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("invalid rate burst: %d (must be at least 1)", c.RateBurst)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.HistoryDB == "" {
		return fmt.Errorf("history database path cannot be empty")
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}
	if c.DeployLockTimeout < 0 {
		return fmt.Errorf("invalid deploy lock timeout: %s (must not be negative)", c.DeployLockTimeout)
	}
	if c.DeployKeep < 1 {
		return fmt.Errorf("invalid deploy keep: %d (must be at least 1)", c.DeployKeep)
	}

	if c.JobsDebounce < 0 {
		return fmt.Errorf("invalid jobs debounce: %s (must not be negative)", c.JobsDebounce)
	}
	if c.JobsTimeout <= 0 {
		return fmt.Errorf("invalid jobs timeout: %s (must be positive)", c.JobsTimeout)
	}
	if c.JobsRestartDelay < 0 {
		return fmt.Errorf("invalid jobs restart delay: %s (must not be negative)", c.JobsRestartDelay)
	}
	if c.JobsMaxTimer < time.Second {
		return fmt.Errorf("invalid jobs max timer: %s (must be at least 1s)", c.JobsMaxTimer)
	}

	return nil
}
