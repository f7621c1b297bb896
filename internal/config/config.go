// Package config loads relay and client configuration from YAML or CUE
// files. Both formats are validated against the same CUE schema.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/secsync/internal/engine"
)

//go:embed schema.cue
var schemaCUE string

// Config is the complete configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay" json:"relay"`
	Client ClientConfig `yaml:"client" json:"client"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// RelayConfig configures `secsync relay`.
type RelayConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Database   string `yaml:"database" json:"database"`
	AutoCreate bool   `yaml:"autoCreate" json:"autoCreate"`
	SendBuffer int    `yaml:"sendBuffer" json:"sendBuffer"`
}

// ClientConfig configures the engine and its transport.
type ClientConfig struct {
	URL                     string      `yaml:"url" json:"url"`
	Retry                   RetryConfig `yaml:"retry" json:"retry"`
	MaxSnapshotSaveFailures int         `yaml:"maxSnapshotSaveFailures" json:"maxSnapshotSaveFailures"`
	WriteTimeout            Duration    `yaml:"writeTimeout" json:"writeTimeout"`
	PingInterval            Duration    `yaml:"pingInterval" json:"pingInterval"`
}

// RetryConfig is the reconnect backoff.
type RetryConfig struct {
	Base        Duration `yaml:"base" json:"base"`
	Growth      float64  `yaml:"growth" json:"growth"`
	MaxExponent int      `yaml:"maxExponent" json:"maxExponent"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	p := engine.DefaultRetryPolicy()
	return Config{
		Relay: RelayConfig{
			Addr:       ":8080",
			Database:   "secsync.db",
			SendBuffer: 256,
		},
		Client: ClientConfig{
			URL: "ws://localhost:8080",
			Retry: RetryConfig{
				Base:        Duration(p.Base),
				Growth:      p.Growth,
				MaxExponent: p.MaxExponent,
			},
			MaxSnapshotSaveFailures: engine.DefaultMaxSnapshotSaveFailures,
			WriteTimeout:            Duration(10 * time.Second),
			PingInterval:            Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// RetryPolicy converts the retry settings for the engine.
func (c ClientConfig) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		Base:        time.Duration(c.Retry.Base),
		Growth:      c.Retry.Growth,
		MaxExponent: c.Retry.MaxExponent,
	}
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format of path by its extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("config %s: unsupported extension", path)
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default.
func Parse(data []byte, format Format) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	var value cue.Value
	switch format {
	case FormatYAML:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		value = ctx.Encode(raw)
	case FormatCUE:
		value = ctx.CompileBytes(data, cue.Filename("config.cue"))
	default:
		return Config{}, fmt.Errorf("unknown config format %q", format)
	}
	if err := value.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, formatCUEError(err)
	}

	// Decoding through JSON keeps defaults for every field the file omits.
	encoded, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// formatCUEError flattens a CUE error list into one error.
func formatCUEError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	if len(msgs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
