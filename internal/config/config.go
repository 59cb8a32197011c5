package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fitsync/fitsync/internal/model"
)

// Config holds the full application configuration. It is loaded once at
// startup and passed explicitly into constructors; there is no
// package-level "current config".
type Config struct {
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Providers map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Correlate CorrelateConfig           `yaml:"correlate" mapstructure:"correlate"`
	Diff      DiffConfig                `yaml:"diff" mapstructure:"diff"`
	Scheduler SchedulerConfig           `yaml:"scheduler" mapstructure:"scheduler"`
	Server    ServerConfig              `yaml:"server" mapstructure:"server"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
	HomeTZ    string                    `yaml:"home_timezone" mapstructure:"home_timezone"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"` // sqlite file path
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Priority orders providers for diff tie-breaking; lower number
	// wins. Providers without a priority sort last.
	Priority int `yaml:"priority" mapstructure:"priority"`

	// SyncName / SyncEquipment let a provider decline write-backs for a
	// field without hiding it from the comparison view.
	SyncName      bool `yaml:"sync_name" mapstructure:"sync_name"`
	SyncEquipment bool `yaml:"sync_equipment" mapstructure:"sync_equipment"`

	// Cloud API settings.
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Email       string `yaml:"email" mapstructure:"email"`
	Password    string `yaml:"password" mapstructure:"password"`

	// Local source settings.
	Path  string `yaml:"path" mapstructure:"path"`   // spreadsheet workbook
	Dir   string `yaml:"dir" mapstructure:"dir"`     // file provider directory
	Sheet string `yaml:"sheet" mapstructure:"sheet"` // spreadsheet sheet name

	// RequestsPerSecond paces outbound API calls. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CorrelateConfig holds the matching tolerances. The defaults are
// operator-tunable policy, not correctness constants.
type CorrelateConfig struct {
	TimeToleranceMins int     `yaml:"time_tolerance_mins" mapstructure:"time_tolerance_mins"`
	DistanceTolerance float64 `yaml:"distance_tolerance" mapstructure:"distance_tolerance"`
}

// TimeTolerance returns the symmetric matching window as a duration.
func (c CorrelateConfig) TimeTolerance() time.Duration {
	return time.Duration(c.TimeToleranceMins) * time.Minute
}

// DiffConfig holds comparison epsilons.
type DiffConfig struct {
	DistanceEpsilon float64 `yaml:"distance_epsilon" mapstructure:"distance_epsilon"`
	NumericEpsilon  float64 `yaml:"numeric_epsilon" mapstructure:"numeric_epsilon"`
}

// SchedulerConfig configures the worker pool and retry policy.
type SchedulerConfig struct {
	Workers             int `yaml:"workers" mapstructure:"workers"`
	MaxAttempts         int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs     int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffCapSecs      int `yaml:"backoff_cap_secs" mapstructure:"backoff_cap_secs"`
	RateLimitAlertAfter int `yaml:"rate_limit_alert_after" mapstructure:"rate_limit_alert_after"`
}

// ServerConfig configures the JSON API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and FITSYNC_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "fitsync.sqlite3")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("home_timezone", "UTC")
	v.SetDefault("correlate.time_tolerance_mins", 15)
	v.SetDefault("correlate.distance_tolerance", 0.10)
	v.SetDefault("diff.distance_epsilon", 0.01)
	v.SetDefault("diff.numeric_epsilon", 0.01)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_base_secs", 2)
	v.SetDefault("scheduler.backoff_cap_secs", 300)
	v.SetDefault("scheduler.rate_limit_alert_after", 3)

	v.SetDefault("providers.spreadsheet.priority", 1)
	v.SetDefault("providers.spreadsheet.sync_name", true)
	v.SetDefault("providers.spreadsheet.sync_equipment", true)
	v.SetDefault("providers.ridewithgps.priority", 2)
	v.SetDefault("providers.ridewithgps.sync_name", true)
	v.SetDefault("providers.ridewithgps.sync_equipment", true)
	v.SetDefault("providers.strava.priority", 3)
	v.SetDefault("providers.strava.sync_name", true)
	v.SetDefault("providers.strava.sync_equipment", true)
	v.SetDefault("providers.garmin.priority", 4)
	v.SetDefault("providers.garmin.sync_name", true)
	v.SetDefault("providers.garmin.sync_equipment", false)
	v.SetDefault("providers.file.priority", 5)
	v.SetDefault("providers.file.sync_name", false)
	v.SetDefault("providers.file.sync_equipment", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Location resolves the configured home timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.HomeTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PriorityOrder returns enabled provider names sorted by configured
// priority (lowest number first, name as a stable tiebreak).
func (c *Config) PriorityOrder() []model.ProviderName {
	type entry struct {
		name model.ProviderName
		prio int
	}
	var entries []entry
	for name, pc := range c.Providers {
		if !pc.Enabled {
			continue
		}
		prio := pc.Priority
		if prio == 0 {
			prio = 999
		}
		entries = append(entries, entry{model.ProviderName(name), prio})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].name < entries[j].name
	})
	out := make([]model.ProviderName, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}

// Provider returns the configuration block for name, zero-valued if
// absent.
func (c *Config) Provider(name model.ProviderName) ProviderConfig {
	return c.Providers[string(name)]
}

// InitLogger installs the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
