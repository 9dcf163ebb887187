package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"diabetesrisk/ml"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

const EnvPrefix = "DIABETES_"

type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	ML       MLConfig       `yaml:"ml"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

type DatasetConfig struct {
	Path          string `yaml:"path"`
	OutcomeColumn string `yaml:"outcome_column"`
	Encoding      string `yaml:"encoding"`
}

func (d DatasetConfig) Options() ml.DatasetOptions {
	return ml.DatasetOptions{OutcomeColumn: d.OutcomeColumn, Encoding: d.Encoding}
}

type MLConfig struct {
	ModelPath      string         `yaml:"model_path"`
	TrainIfMissing bool           `yaml:"train_if_missing"`
	Watch          bool           `yaml:"watch"`
	CacheSize      int            `yaml:"cache_size"`
	Training       ml.TrainConfig `yaml:"training"`
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig points at the sqlite file. An empty path disables the
// training log and prediction history.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			OutcomeColumn: ml.DefaultOutcomeColumn,
			Encoding:      "utf-8",
		},
		ML: MLConfig{
			ModelPath: "models/diabetes.model",
			Watch:     true,
			CacheSize: 1024,
			Training:  ml.DefaultTrainConfig(),
		},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the YAML file at path over the defaults, then a .env file from
// the same directory, then DIABETES_* environment overrides. An empty path
// skips the file; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	envDir := "."
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		envDir = filepath.Dir(path)
	}

	envFile := filepath.Join(envDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat env file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strVars := map[string]*string{
		"DATASET_PATH": &c.Dataset.Path,
		"MODEL_PATH":   &c.ML.ModelPath,
		"DB_PATH":      &c.Database.Path,
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FILE":     &c.Log.File,
	}
	for name, dst := range strVars {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "HTTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_PORT: %q is not a port", EnvPrefix, v)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.ML.ModelPath == "" {
		err = multierr.Append(err, errors.New("ml.model_path is required"))
	}
	if c.ML.TrainIfMissing && c.Dataset.Path == "" {
		err = multierr.Append(err, errors.New("ml.train_if_missing needs dataset.path"))
	}
	if c.ML.CacheSize < 0 {
		err = multierr.Append(err, fmt.Errorf("ml.cache_size %d must not be negative", c.ML.CacheSize))
	}
	if c.Dataset.Encoding != "" && !ml.SupportedEncoding(c.Dataset.Encoding) {
		err = multierr.Append(err, fmt.Errorf("dataset.encoding %q is not supported", c.Dataset.Encoding))
	}
	if r := c.ML.Training.TestRatio; r <= 0 || r >= 1 {
		err = multierr.Append(err, fmt.Errorf("ml.training.test_ratio %v must be in (0, 1)", r))
	}
	if c.ML.Training.Search.NIter < 1 {
		err = multierr.Append(err, errors.New("ml.training.search.n_iter must be at least 1"))
	}
	if c.ML.Training.Search.Folds < 2 {
		err = multierr.Append(err, errors.New("ml.training.search.cv must be at least 2"))
	}
	if gridErr := c.ML.Training.Grid.Validate(); gridErr != nil {
		err = multierr.Append(err, fmt.Errorf("ml.training.grid: %w", gridErr))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d is out of range", c.HTTP.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return err
}
