// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jward/sapling/internal/analysis"
	"github.com/jward/sapling/internal/text"
)

// FileName is the config file looked up in the working directory.
const FileName = ".sapling.yaml"

// EnvPrefix prefixes environment overrides, e.g. SAPLING_REQUEST_TIMEOUT.
const EnvPrefix = "SAPLING"

// Config is the full sapling configuration.
type Config struct {
	// PositionEncoding is offered first to language servers.
	PositionEncoding string                  `mapstructure:"position_encoding" yaml:"position_encoding" validate:"omitempty,oneof=utf-8 utf-16 utf-32"`
	RequestTimeout   time.Duration           `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	SnapshotDB       string                  `mapstructure:"snapshot_db" yaml:"snapshot_db"`
	Servers          map[string]ServerConfig `mapstructure:"servers" yaml:"servers" validate:"dive"`
	// Queries overrides the built-in symbol query per language.
	Queries map[string]string `mapstructure:"queries" yaml:"queries"`
	// Extensions adds file extensions per language, e.g. c: [".inc"].
	Extensions map[string][]string `mapstructure:"extensions" yaml:"extensions" validate:"dive,dive,required"`
	Watch   WatchConfig       `mapstructure:"watch" yaml:"watch"`
	Logging LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig describes the language server for one language.
type ServerConfig struct {
	Command               string         `mapstructure:"command" yaml:"command" validate:"required"`
	Args                  []string       `mapstructure:"args" yaml:"args"`
	InitializationOptions map[string]any `mapstructure:"initialization_options" yaml:"initialization_options,omitempty"`
}

// WatchConfig tunes file watching.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gte=0"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error off"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		PositionEncoding: string(text.UTF16),
		RequestTimeout:   analysis.DefaultTimeout,
		Servers: map[string]ServerConfig{
			"c":      {Command: "clangd", Args: []string{"--background-index=false"}},
			"cpp":    {Command: "clangd", Args: []string{"--background-index=false"}},
			"go":     {Command: "gopls"},
			"python": {Command: "pylsp"},
			"rust":   {Command: "rust-analyzer"},
		},
		Queries:    map[string]string{},
		Extensions: map[string][]string{},
		Watch:   WatchConfig{Debounce: 200 * time.Millisecond},
		Logging: LoggingConfig{Level: "warn", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path looks for FileName in
// the working directory; a missing default file is not an error.
// Environment variables prefixed with SAPLING_ override scalar settings.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"position_encoding", "request_timeout", "snapshot_db", "watch.debounce", "logging.level", "logging.format"} {
		_ = v.BindEnv(key)
	}

	explicit := path != ""
	if !explicit {
		path = FileName
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("position_encoding", cfg.PositionEncoding)
	v.Set("request_timeout", cfg.RequestTimeout.String())
	v.Set("snapshot_db", cfg.SnapshotDB)
	v.Set("servers", cfg.Servers)
	v.Set("queries", cfg.Queries)
	v.Set("extensions", cfg.Extensions)
	v.Set("watch", map[string]any{"debounce": cfg.Watch.Debounce.String()})
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns every violation joined.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("invalid config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}

// Encodings returns the position encodings to offer, configured first.
func (c *Config) Encodings() []text.Encoding {
	first, err := text.ParseEncoding(c.PositionEncoding)
	if err != nil {
		first = text.UTF16
	}
	out := []text.Encoding{first}
	for _, e := range []text.Encoding{text.UTF8, text.UTF16, text.UTF32} {
		if e != first {
			out = append(out, e)
		}
	}
	return out
}

// Server returns the analysis launch configuration for language.
func (c *Config) Server(language, root string) (analysis.ServerConfig, bool) {
	sc, ok := c.Servers[language]
	if !ok || sc.Command == "" {
		return analysis.ServerConfig{}, false
	}
	out := analysis.ServerConfig{
		Language:          language,
		Command:           sc.Command,
		Args:              sc.Args,
		RootPath:          root,
		PositionEncodings: c.Encodings(),
	}
	if len(sc.InitializationOptions) > 0 {
		out.InitializationOptions = sc.InitializationOptions
	}
	return out, true
}
