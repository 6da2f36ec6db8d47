package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/adapters/out/tokenstore"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/internal/usecase/session"
	"github.com/bnema/reach/pkg/duration"
)

// Config holds the application configuration.
type Config struct {
	API struct {
		BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
		Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
		RateLimit struct {
			RPS   float64 `mapstructure:"rps" validate:"gte=0"`
			Burst int     `mapstructure:"burst" validate:"gte=1"`
		} `mapstructure:"rate_limit"`
		Retry struct {
			MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
			InitialDelay   time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
			MaxDelay       time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
			Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
			AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gte=0"`
		} `mapstructure:"retry"`
	} `mapstructure:"api"`

	Session struct {
		RefreshBuffer      time.Duration `mapstructure:"refresh_buffer" validate:"gte=0"`
		Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
		CheckInterval      time.Duration `mapstructure:"check_interval" validate:"gt=0"`
		LogoutOnInactivity bool          `mapstructure:"logout_on_inactivity"`
	} `mapstructure:"session"`

	Storage struct {
		Backend   string `mapstructure:"backend" validate:"oneof=memory file pass sqlite redis"`
		Path      string `mapstructure:"path"`
		RedisURL  string `mapstructure:"redis_url" validate:"required_if=Backend redis"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"storage"`

	Cache struct {
		TTL time.Duration `mapstructure:"ttl" validate:"gte=0"`
	} `mapstructure:"cache"`

	Polling struct {
		InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
		MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
		Multiplier      float64       `mapstructure:"multiplier" validate:"gte=1"`
		MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	} `mapstructure:"polling"`

	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
		File   struct {
			Enabled    bool   `mapstructure:"enabled"`
			Path       string `mapstructure:"path"`
			MaxSize    int    `mapstructure:"max_size"`
			MaxBackups int    `mapstructure:"max_backups"`
			MaxAge     int    `mapstructure:"max_age"`
		} `mapstructure:"file"`
	} `mapstructure:"logging"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`

	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// LoadConfig reads reach.toml (or configPath), applies REACH_ env overrides
// and validates the result.
func LoadConfig(configPath string) (*viper.Viper, Config, error) {
	v := viper.New()
	if err := loadConfig(v, configPath); err != nil {
		return nil, Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		humanDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, Config{}, err
	}
	return v, cfg, nil
}

// humanDurationHook lets duration settings use day and week units ("7d", "2w").
func humanDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return time.Duration(0), nil
		}
		return duration.Parse(s)
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	return nil
}

// setDefaults registers every default. Durations are strings so the same
// values can be written back to TOML.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit.rps", 10)
	v.SetDefault("api.rate_limit.burst", 20)
	v.SetDefault("api.retry.max_retries", 3)
	v.SetDefault("api.retry.initial_delay", "1s")
	v.SetDefault("api.retry.max_delay", "10s")
	v.SetDefault("api.retry.multiplier", 2.0)
	v.SetDefault("api.retry.attempt_timeout", "0s")
	v.SetDefault("session.refresh_buffer", "5m")
	v.SetDefault("session.timeout", "24h")
	v.SetDefault("session.check_interval", "5m")
	v.SetDefault("session.logout_on_inactivity", false)
	v.SetDefault("storage.backend", string(domain.StorageBackendFile))
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.key_prefix", tokenstore.DefaultKeyPrefix)
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("polling.initial_interval", "30s")
	v.SetDefault("polling.max_interval", "5m")
	v.SetDefault("polling.multiplier", 2.0)
	v.SetDefault("polling.max_retries", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size", 10)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.auth_token", "")
}

// loadConfig loads configuration from file and sets defaults.
func loadConfig(v *viper.Viper, configPath string) error {
	setDefaults(v)
	ConfigureViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("REACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return nil
}

// WriteDefaultConfig writes the defaults to path as TOML. An existing file is
// only replaced with force.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	v := viper.New()
	setDefaults(v)

	data, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// StoragePath resolves the storage file, defaulting inside DataDir.
func (c Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch domain.StorageBackend(c.Storage.Backend) {
	case domain.StorageBackendSQLite:
		return filepath.Join(c.DataDir, "reach.db")
	default:
		return filepath.Join(c.DataDir, "tokens.json")
	}
}

// StoreConfig maps the storage section onto the tokenstore factory.
func (c Config) StoreConfig() tokenstore.Config {
	return tokenstore.Config{
		Backend:   domain.StorageBackend(c.Storage.Backend),
		Path:      c.StoragePath(),
		RedisURL:  c.Storage.RedisURL,
		KeyPrefix: c.Storage.KeyPrefix,
	}
}

// SessionConfig maps the session section onto the authority configuration.
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.RefreshBuffer = c.Session.RefreshBuffer
	cfg.SessionTimeout = c.Session.Timeout
	cfg.CheckCeiling = c.Session.CheckInterval
	cfg.LogoutOnInactivity = c.Session.LogoutOnInactivity
	return cfg
}

// RetryConfig maps the retry section onto the executor policy.
func (c Config) RetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:        c.API.Retry.MaxRetries,
		InitialDelay:      c.API.Retry.InitialDelay,
		MaxDelay:          c.API.Retry.MaxDelay,
		BackoffMultiplier: c.API.Retry.Multiplier,
		AttemptTimeout:    c.API.Retry.AttemptTimeout,
	}
}

// PollingConfig maps the polling section onto the scheduler configuration.
func (c Config) PollingConfig() domain.PollingConfig {
	return domain.PollingConfig{
		InitialInterval:   c.Polling.InitialInterval,
		MaxInterval:       c.Polling.MaxInterval,
		BackoffMultiplier: c.Polling.Multiplier,
		MaxRetries:        c.Polling.MaxRetries,
		ResetOnSuccess:    true,
	}
}
