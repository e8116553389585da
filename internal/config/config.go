// Package config loads jibbr.yaml.
//
// The file is decoded with yaml.v3 and checked against an embedded CUE
// schema before it is applied over the defaults, so a typo in a key or an
// out-of-range value is reported instead of silently ignored.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// DefaultFile is the config file looked for when none is named.
const DefaultFile = "jibbr.yaml"

// Config is the runtime configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Scripts is the script library root.
	Scripts string `yaml:"scripts"`

	// Database is the journal path. Empty disables the journal.
	Database string `yaml:"database"`

	// Workers bounds the goroutines running scripts at once.
	Workers int `yaml:"workers"`

	LogLevel      string `yaml:"log_level"`
	ReadyFunction string `yaml:"ready_function"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	QueueWarnAfter  time.Duration `yaml:"queue_warn_after"`
	OutboundTimeout time.Duration `yaml:"outbound_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          "127.0.0.1:8080",
		Scripts:         "scripts",
		Workers:         8,
		LogLevel:        "info",
		ReadyFunction:   "Ready",
		RequestTimeout:  30 * time.Second,
		QueueWarnAfter:  20 * time.Second,
		OutboundTimeout: 10 * time.Second,
	}
}

// ValidationError lists the schema violations of a config file.
type ValidationError struct {
	Path   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Load reads path over the defaults. A missing file is an error unless
// optional is set, in which case the defaults are returned.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data and applies it over the defaults. path is only used
// in error messages.
func Parse(path string, data []byte) (Config, error) {
	cfg := Default()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := validate(path, raw); err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

func validate(path string, raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}

	err := def.Unify(v).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	verr := &ValidationError{Path: path}
	for _, e := range cueerrors.Errors(err) {
		verr.Issues = append(verr.Issues, e.Error())
	}
	return verr
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
