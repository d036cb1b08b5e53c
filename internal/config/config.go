package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Database struct {
		Driver   string `mapstructure:"driver"`
		URL      string `mapstructure:"url"`
		MaxConns int    `mapstructure:"max_conns"`
	} `mapstructure:"database"`
	Server struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Engine struct {
		Workers     int           `mapstructure:"workers"`
		QueueSize   int           `mapstructure:"queue_size"`
		MaxDepth    int           `mapstructure:"max_depth"`
		RunTimeout  time.Duration `mapstructure:"run_timeout"`
		StepTimeout time.Duration `mapstructure:"step_timeout"`
		StrictGraph bool          `mapstructure:"strict_graph"`
		HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	} `mapstructure:"engine"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Events struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3003"})
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.max_depth", 3)
	v.SetDefault("engine.run_timeout", 5*time.Minute)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.strict_graph", false)
	v.SetDefault("engine.http_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("events.enabled", true)
}

// Load reads config.yaml from path, or from . and ./config when path is
// empty, then applies CRMFLOW_* environment overrides. A missing config file
// is not an error. DATABASE_URL is honoured for database.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CRMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "CRMFLOW_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Engine.MaxDepth <= 0 {
		return fmt.Errorf("engine.max_depth must be positive")
	}
	return nil
}

// LogLevel parses log.level, falling back to info.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
