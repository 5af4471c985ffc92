// Package config loads application configuration from config.yaml and the
// STEAM_* environment, and bootstraps the global zap logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/picklesueat/Steam-Review-Analytics/internal/decay"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Merge  MergeConfig  `yaml:"merge" mapstructure:"merge"`
	Decay  DecayConfig  `yaml:"decay" mapstructure:"decay"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`             // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"` // postgres conn string
	Path        string `yaml:"path" mapstructure:"path"`                 // sqlite file path
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MergeConfig configures the incremental merger.
type MergeConfig struct {
	// TrailingWindowDays bounds the re-scan behind the watermark. Must be
	// strictly larger than the worst expected lag between a review's true
	// mutation time and its reported update timestamp.
	TrailingWindowDays float64 `yaml:"trailing_window_days" mapstructure:"trailing_window_days"`
}

// DecayConfig configures the adaptive decay metrics.
type DecayConfig struct {
	AgeCapDays float64        `yaml:"age_cap_days" mapstructure:"age_cap_days"`
	HalfLife   HalfLifeConfig `yaml:"half_life" mapstructure:"half_life"`
	Workers    int            `yaml:"workers" mapstructure:"workers"`
}

// HalfLifeConfig holds the nine half-life tuning parameters.
type HalfLifeConfig struct {
	Short decay.HalfLifeParams `yaml:"short" mapstructure:"short"`
	Long  decay.HalfLifeParams `yaml:"long" mapstructure:"long"`
	Pos   decay.HalfLifeParams `yaml:"pos" mapstructure:"pos"`
}

// Params converts the config into decay tuning parameters.
func (d DecayConfig) Params() decay.Params {
	return decay.Params{
		Short:      d.HalfLife.Short,
		Long:       d.HalfLife.Long,
		Pos:        d.HalfLife.Pos,
		AgeCapDays: d.AgeCapDays,
	}
}

// IngestConfig configures the JSONL loader.
type IngestConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int `yaml:"workers" mapstructure:"workers"`
}

// ServerConfig configures the metrics API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/warehouse/steam_reviews.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("merge.trailing_window_days", 2.0)
	v.SetDefault("decay.age_cap_days", 365.0)
	v.SetDefault("decay.workers", 4)
	v.SetDefault("decay.half_life.short.fraction", 0.05)
	v.SetDefault("decay.half_life.short.min_days", 7.0)
	v.SetDefault("decay.half_life.short.max_days", 30.0)
	v.SetDefault("decay.half_life.long.fraction", 0.20)
	v.SetDefault("decay.half_life.long.min_days", 30.0)
	v.SetDefault("decay.half_life.long.max_days", 180.0)
	v.SetDefault("decay.half_life.pos.fraction", 0.10)
	v.SetDefault("decay.half_life.pos.min_days", 30.0)
	v.SetDefault("decay.half_life.pos.max_days", 120.0)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
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

// InitLogger initializes the global zap logger.
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
