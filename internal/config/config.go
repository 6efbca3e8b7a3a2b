// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	custom_errors "repotracker/internal/errors"
)

// Config holds all configuration for the application, loaded from
// config.toml with REPOTRACKER_* environment overrides.
type Config struct {
	Database struct {
		// Engine selects the target store: "postgres" or "sqlite".
		Engine string `mapstructure:"engine"`
		// Locale is the engine-specific locator: a postgres URL or a
		// sqlite file path.
		Locale string `mapstructure:"locale"`
	} `mapstructure:"database"`

	JSON struct {
		// Locale is the path of the tracked-repositories registry file.
		Locale string `mapstructure:"locale"`
	} `mapstructure:"json"`

	CSVDump struct {
		// Locale is the directory commit dumps are written to. Empty
		// disables the export step.
		Locale string `mapstructure:"locale"`
	} `mapstructure:"csv_dump"`

	Sync struct {
		CloneDir     string        `mapstructure:"clone_dir"`
		Concurrency  int           `mapstructure:"concurrency"`
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		Interval     time.Duration `mapstructure:"interval"`
	} `mapstructure:"sync"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	GitHub struct {
		// Token enables raw issue/milestone/label ingestion for
		// github.com remotes when set.
		Token string `mapstructure:"token"`
	} `mapstructure:"github"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`
}

// LoadConfig reads configuration from the given file and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("sync.clone_dir", "./tracked_repos")
	v.SetDefault("sync.concurrency", 5)
	v.SetDefault("sync.fetch_timeout", "5m")
	v.SetDefault("sync.interval", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("api.listen", ":8080")

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", custom_errors.ErrConfigInvalid, path, err)
	}

	v.SetEnvPrefix("REPOTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", custom_errors.ErrConfigInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Engine {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: database.engine must be postgres or sqlite, got %q",
			custom_errors.ErrConfigInvalid, c.Database.Engine)
	}
	if c.Database.Locale == "" {
		return fmt.Errorf("%w: database.locale is required", custom_errors.ErrConfigInvalid)
	}
	if c.JSON.Locale == "" {
		return fmt.Errorf("%w: json.locale is required", custom_errors.ErrConfigInvalid)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("%w: sync.concurrency must be positive", custom_errors.ErrConfigInvalid)
	}
	if c.Sync.FetchTimeout <= 0 {
		return fmt.Errorf("%w: sync.fetch_timeout must be positive", custom_errors.ErrConfigInvalid)
	}
	return nil
}
