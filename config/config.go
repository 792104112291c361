// Package config loads RespireX settings from defaults, an optional YAML file
// and RESPIREX_* environment variables, in increasing priority.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	// FileName is the config file searched for when no path is given.
	FileName  = "respirex"
	EnvPrefix = "RESPIREX"
)

// Config is the full configuration tree.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Tabular  TabularConfig  `mapstructure:"tabular"`
	Image    ImageConfig    `mapstructure:"image"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Server   ServerConfig   `mapstructure:"server"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TabularConfig configures the symptom pipeline and its training.
type TabularConfig struct {
	Artifact string  `mapstructure:"artifact"`
	Seed     int64   `mapstructure:"seed"`
	Trees    int     `mapstructure:"trees"`
	TestSize float64 `mapstructure:"test_size"`
	// MaxDepth -1 grows trees until leaves are pure.
	MaxDepth int `mapstructure:"max_depth"`
}

// ImageConfig configures the scan pipeline and head training.
type ImageConfig struct {
	Artifact string `mapstructure:"artifact"`
	// Base is the frozen feature extractor; empty means the built-in base
	// generated from Seed.
	Base         string  `mapstructure:"base"`
	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	C            float64 `mapstructure:"c"`
	// MultiClass picks the head: multinomial (softmax) or ovr.
	MultiClass string `mapstructure:"multi_class"`
	Seed       int64  `mapstructure:"seed"`
	Workers    int    `mapstructure:"workers"`
}

type AuditConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Mode is gin's mode: release, debug or test.
	Mode string `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("tabular.artifact", filepath.Join("models", "symptom_model.gob"))
	v.SetDefault("tabular.seed", 42)
	v.SetDefault("tabular.trees", 100)
	v.SetDefault("tabular.test_size", 0.2)
	v.SetDefault("tabular.max_depth", -1)

	v.SetDefault("image.artifact", filepath.Join("models", "scan_model.gob"))
	v.SetDefault("image.base", "")
	v.SetDefault("image.epochs", 500)
	v.SetDefault("image.learning_rate", 1.0)
	v.SetDefault("image.c", 1.0)
	v.SetDefault("image.multi_class", "multinomial")
	v.SetDefault("image.seed", 42)
	v.SetDefault("image.workers", 0)

	v.SetDefault("audit.path", "predictions.csv")
	v.SetDefault("database.path", "respirex.db")
	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the configuration. With an empty path, respirex.yaml is looked up
// in the working directory and then $HOME/.respirex, and a missing file is not
// an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".respirex"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	if _, err := log.ToLogLevel(c.Log.Level); err != nil {
		return errors.NewValidationError("log.level", "must be debug, info, warn or error", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "console" {
		return errors.NewValidationError("log.format", "must be json or console", c.Log.Format)
	}

	paths := []struct {
		key, value string
	}{
		{"tabular.artifact", c.Tabular.Artifact},
		{"image.artifact", c.Image.Artifact},
		{"audit.path", c.Audit.Path},
		{"database.path", c.Database.Path},
	}
	for _, p := range paths {
		if strings.TrimSpace(p.value) == "" {
			return errors.NewValidationError(p.key, "must not be empty", p.value)
		}
	}

	if c.Tabular.TestSize <= 0 || c.Tabular.TestSize >= 1 {
		return errors.NewValidationError("tabular.test_size", "must be in (0, 1)", c.Tabular.TestSize)
	}
	if c.Tabular.Trees < 1 {
		return errors.NewValidationError("tabular.trees", "must be at least 1", c.Tabular.Trees)
	}
	if c.Image.Epochs < 1 {
		return errors.NewValidationError("image.epochs", "must be at least 1", c.Image.Epochs)
	}
	if c.Image.LearningRate <= 0 {
		return errors.NewValidationError("image.learning_rate", "must be positive", c.Image.LearningRate)
	}
	if c.Image.C <= 0 {
		return errors.NewValidationError("image.c", "must be positive", c.Image.C)
	}
	if c.Image.MultiClass != "multinomial" && c.Image.MultiClass != "ovr" {
		return errors.NewValidationError("image.multi_class", "must be multinomial or ovr", c.Image.MultiClass)
	}
	if c.Image.Workers < 0 {
		return errors.NewValidationError("image.workers", "must not be negative", c.Image.Workers)
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return errors.NewValidationError("auth.bcrypt_cost", "outside bcrypt's cost range", c.Auth.BcryptCost)
	}
	return nil
}

// LogSetup converts the log section for log.Setup.
func (c *Config) LogSetup() log.Config {
	return log.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
