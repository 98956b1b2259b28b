package config

import (
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// State drivers accepted by STATE_DRIVER.
var stateDrivers = map[string]bool{"file": true, "sqlite": true, "postgres": true, "memory": true}

type Config struct {
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	GatewayURL       string        `mapstructure:"GATEWAY_URL"`
	GatewayTimeout   time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	SyncTimeout      time.Duration `mapstructure:"SYNC_TIMEOUT"`
	StateDriver      string        `mapstructure:"STATE_DRIVER"`
	StateDir         string        `mapstructure:"STATE_DIR"`
	StateDatabaseURL string        `mapstructure:"STATE_DATABASE_URL"`
	StateDBMaxConns  int32         `mapstructure:"STATE_DB_MAX_CONNS"`
	StateDBMinConns  int32         `mapstructure:"STATE_DB_MIN_CONNS"`
	MaxImageBytes    int64         `mapstructure:"MAX_IMAGE_BYTES"`
	RequireSession   bool          `mapstructure:"REQUIRE_SESSION"`
	MetricsAddr      string        `mapstructure:"METRICS_ADDR"`
}

// Load reads configuration for commands that talk to the backend gateway.
// GATEWAY_URL is required.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("GATEWAY_URL is required")
	}
	return cfg, nil
}

// LoadDevServer reads configuration for the fixture server, which does not
// call a gateway itself.
func LoadDevServer() (*Config, error) {
	return load()
}

func load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("SYNC_TIMEOUT", "30s")
	v.SetDefault("STATE_DRIVER", "file")
	v.SetDefault("STATE_DIR", ".scanlytics")
	v.SetDefault("STATE_DB_MAX_CONNS", 4)
	v.SetDefault("STATE_DB_MIN_CONNS", 0)
	v.SetDefault("MAX_IMAGE_BYTES", 64<<20)
	v.SetDefault("REQUIRE_SESSION", true)
	v.SetDefault("METRICS_ADDR", ":9464")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("GATEWAY_URL")
	v.BindEnv("GATEWAY_TIMEOUT")
	v.BindEnv("SYNC_TIMEOUT")
	v.BindEnv("STATE_DRIVER")
	v.BindEnv("STATE_DIR")
	v.BindEnv("STATE_DATABASE_URL")
	v.BindEnv("STATE_DB_MAX_CONNS")
	v.BindEnv("STATE_DB_MIN_CONNS")
	v.BindEnv("MAX_IMAGE_BYTES")
	v.BindEnv("REQUIRE_SESSION")
	v.BindEnv("METRICS_ADDR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() && !cfg.RequireSession {
		log.Println("WARNING: REQUIRE_SESSION=false: syncs run without a validated session.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the client is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks driver names, driver-specific settings and value ranges.
func (c *Config) Validate() error {
	if c.GatewayURL != "" {
		u, err := url.Parse(c.GatewayURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("GATEWAY_URL must be an absolute URL, got %q", c.GatewayURL)
		}
		if c.IsProduction() && u.Scheme != "https" {
			return fmt.Errorf("GATEWAY_URL must use https in production")
		}
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive, got %s", c.SyncTimeout)
	}

	if !stateDrivers[c.StateDriver] {
		return fmt.Errorf("STATE_DRIVER must be \"file\", \"sqlite\", \"postgres\", or \"memory\", got %q", c.StateDriver)
	}
	switch c.StateDriver {
	case "file", "sqlite":
		if c.StateDir == "" {
			return fmt.Errorf("STATE_DIR is required when STATE_DRIVER is %q", c.StateDriver)
		}
	case "postgres":
		if c.StateDatabaseURL == "" {
			return fmt.Errorf("STATE_DATABASE_URL is required when STATE_DRIVER is \"postgres\"")
		}
		if c.StateDBMinConns > c.StateDBMaxConns {
			return fmt.Errorf("STATE_DB_MIN_CONNS (%d) exceeds STATE_DB_MAX_CONNS (%d)", c.StateDBMinConns, c.StateDBMaxConns)
		}
	}

	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be positive, got %d", c.MaxImageBytes)
	}
	return nil
}
