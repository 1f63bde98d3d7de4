// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the trainer's YAML configuration.
//
// The document has one section per subsystem: engine, presentation, server,
// storage, telemetry and logging. Engine numbers are clamped by
// engine.RunConfig.Normalize rather than rejected; everything else is checked
// with go-playground/validator struct tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNilConfig is returned when a nil *Config is used.
	ErrNilConfig = errors.New("config must not be nil")
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate reports fields by their YAML names.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// =============================================================================
// Types
// =============================================================================

// Config is the root configuration document.
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	Presentation PresentationConfig `yaml:"presentation"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// EngineConfig holds the trial engine settings.
//
// Out-of-range numbers are clamped when converted with RunConfig.
type EngineConfig struct {
	N              int           `yaml:"n"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	TrialsPerBlock int           `yaml:"trials_per_block"`
	ResponseWindow time.Duration `yaml:"response_window"`
	WindowMargin   time.Duration `yaml:"window_margin"`
	BlockPause     time.Duration `yaml:"block_pause"`
	Adaptive       bool          `yaml:"adaptive"`
	TargetRate     float64       `yaml:"target_rate"`

	// RaiseThreshold and LowerThreshold drive the difficulty policy.
	RaiseThreshold float64 `yaml:"raise_threshold" validate:"gte=0,lte=1"`
	LowerThreshold float64 `yaml:"lower_threshold" validate:"gte=0,lte=1,ltefield=RaiseThreshold"`

	// Seed makes stimulus sequences reproducible. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// PresentationConfig selects how the sound channel is rendered.
type PresentationConfig struct {
	// AudioMode is "tone", "speech" or "silent".
	AudioMode string `yaml:"audio_mode" validate:"oneof=tone speech silent"`

	// Language is the BCP 47 tag used by speech cues.
	Language string `yaml:"language" validate:"omitempty,bcp47_language_tag"`

	// CueDuration is how long a cue plays. Zero uses the sink default.
	CueDuration time.Duration `yaml:"cue_duration" validate:"gte=0"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Address string `yaml:"address" validate:"required,hostname_port"`

	// ResponseRate and ResponseBurst bound responses per WebSocket connection.
	ResponseRate  float64 `yaml:"response_rate" validate:"gt=0"`
	ResponseBurst int     `yaml:"response_burst" validate:"gte=1"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StorageConfig configures block result persistence.
type StorageConfig struct {
	// Path is the Badger directory. Required unless InMemory is set.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" validate:"required"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`

	// Dir receives JSON log files from `play` and `serve`. Empty disables
	// file logging.
	Dir string `yaml:"dir"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	run := engine.DefaultRunConfig()
	policy := engine.DefaultDifficultyPolicy()

	return &Config{
		Engine: EngineConfig{
			N:              run.N,
			TickInterval:   run.TickInterval,
			TrialsPerBlock: run.TrialsPerBlock,
			WindowMargin:   run.WindowMargin,
			BlockPause:     run.BlockPause,
			Adaptive:       run.Adaptive,
			TargetRate:     run.TargetRate,
			RaiseThreshold: policy.RaiseThreshold,
			LowerThreshold: policy.LowerThreshold,
		},
		Presentation: PresentationConfig{
			AudioMode: "tone",
			Language:  "en-US",
		},
		Server: ServerConfig{
			Address:         "127.0.0.1:8480",
			ResponseRate:    10,
			ResponseBurst:   4,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Path: filepath.Join(DefaultDir(), "results"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "nback",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRate:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    filepath.Join(DefaultDir(), "logs"),
		},
	}
}

// DefaultDir returns ~/.nback, or .nback if the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nback"
	}
	return filepath.Join(home, ".nback")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "nback.yaml")
}

// =============================================================================
// Load / Save
// =============================================================================

// Load reads and validates the configuration at path.
//
// # Description
//
// Fields missing from the file keep their DefaultConfig values.
//
// # Outputs
//
//   - *Config: The loaded configuration.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalidConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing DefaultConfig there first if it does
// not exist.
//
// # Outputs
//
//   - *Config: The loaded configuration.
//   - bool: True if the file was created.
//   - error: Non-nil on failure.
func LoadOrCreate(path string) (*Config, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := CreateDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}

// CreateDefault writes DefaultConfig to path, creating parent directories.
func CreateDefault(path string) error {
	return DefaultConfig().Save(path)
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	if c == nil {
		return ErrNilConfig
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Marshal returns c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	if c == nil {
		return nil, ErrNilConfig
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the config: %w", err)
	}
	return data, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks every section.
//
// # Outputs
//
//   - error: Nil if valid. Otherwise wraps ErrInvalidConfig and names every
//     failing field.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}

	var problems []string
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.Path) == "" {
		problems = append(problems, "storage.path is required unless storage.in_memory is set")
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, "telemetry.otlp_endpoint is required for the otlp exporter")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s fails %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s fails %s (got %v)", field, fe.Tag(), fe.Value())
}

// =============================================================================
// Conversions
// =============================================================================

// RunConfig returns the normalized engine configuration.
func (c *Config) RunConfig() engine.RunConfig {
	e := c.Engine
	return engine.RunConfig{
		N:              e.N,
		TickInterval:   e.TickInterval,
		TrialsPerBlock: e.TrialsPerBlock,
		ResponseWindow: e.ResponseWindow,
		WindowMargin:   e.WindowMargin,
		BlockPause:     e.BlockPause,
		Adaptive:       e.Adaptive,
		TargetRate:     e.TargetRate,
	}.Normalize()
}

// Policy returns the difficulty policy with defaults applied.
func (c *Config) Policy() engine.DifficultyPolicy {
	p := engine.DifficultyPolicy{
		RaiseThreshold: c.Engine.RaiseThreshold,
		LowerThreshold: c.Engine.LowerThreshold,
	}
	p.ApplyDefaults()
	return p
}

// Patch returns a patch carrying every engine setting.
func (c *Config) Patch() engine.ConfigPatch {
	return engine.PatchFrom(c.RunConfig())
}

// PatchSince returns a patch carrying only the engine settings that differ
// from prev. A nil prev yields the full Patch.
func (c *Config) PatchSince(prev *Config) engine.ConfigPatch {
	if prev == nil {
		return c.Patch()
	}
	return engine.DiffPatch(prev.RunConfig(), c.RunConfig())
}

// SlogLevel returns the configured log level. Unknown levels map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
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
