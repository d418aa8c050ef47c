// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads flowctl configuration.
//
// Values are layered: built-in defaults, then a YAML (or JSON) file, then a
// .env file, then FLOW_* environment variables. The result is validated
// before use and converted into the per-package configs of storage, the
// orchestrator, logging and telemetry.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// EnvFileVar names the variable that points at the .env file.
const EnvFileVar = "FLOW_ENV_FILE"

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete flowctl configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint" json:"checkpoint"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
}

// StorageConfig configures the run database.
type StorageConfig struct {
	// Path is the database directory. "~" expands to the home directory.
	Path string `yaml:"path" json:"path" validate:"required_unless=InMemory true"`

	// InMemory keeps the database in RAM. Nothing survives the process.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	SyncWrites     bool          `yaml:"sync_writes" json:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gt=0,lt=1"`

	ConflictRetries int `yaml:"conflict_retries" json:"conflict_retries" validate:"gte=0,lte=100"`
}

// OrchestratorConfig mirrors the tunable fields of orchestrator.Config.
type OrchestratorConfig struct {
	MaxCycles        int           `yaml:"max_cycles" json:"max_cycles" validate:"gte=0"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=100"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" json:"retry_backoff" validate:"gte=0"`
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff" json:"max_retry_backoff" validate:"gte=0"`
	CheckpointEvery  int           `yaml:"checkpoint_every" json:"checkpoint_every"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout" json:"execution_timeout" validate:"gte=0"`
}

// CheckpointConfig holds checkpoint defaults.
type CheckpointConfig struct {
	// Mode is the default reconciliation mode for resume.
	Mode string `yaml:"mode" json:"mode" validate:"oneof=overwrite patch fill_gaps"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn warning error"`
	LogDir string `yaml:"log_dir" json:"log_dir"`
	JSON   bool   `yaml:"json" json:"json"`
	Quiet  bool   `yaml:"quiet" json:"quiet"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	Environment    string `yaml:"environment" json:"environment"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=none otlp jaeger stdout"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=none prometheus stdout"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" json:"otlp_insecure"`

	// MetricsAddr enables the /metrics endpoint when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	db := flowbadger.DefaultConfig()
	orch := orchestrator.DefaultConfig()
	tel := telemetry.DefaultConfig()

	return Config{
		Storage: StorageConfig{
			Path:            "~/.aleutian/flow/db",
			SyncWrites:      db.SyncWrites,
			GCInterval:      db.GCInterval,
			GCDiscardRatio:  db.GCDiscardRatio,
			ConflictRetries: db.ConflictRetries,
		},
		Orchestrator: OrchestratorConfig{
			MaxCycles:        orch.MaxCycles,
			MaxAttempts:      orch.MaxAttempts,
			RetryBackoff:     orch.RetryBackoff,
			MaxRetryBackoff:  orch.MaxRetryBackoff,
			CheckpointEvery:  orch.CheckpointEvery,
			ExecutionTimeout: orch.ExecutionTimeout,
		},
		Checkpoint: CheckpointConfig{Mode: string(checkpoint.ModePatch)},
		Logging:    LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:    tel.ServiceName,
			Environment:    tel.Environment,
			TraceExporter:  tel.TraceExporter,
			MetricExporter: tel.MetricExporter,
			OTLPEndpoint:   tel.OTLPEndpoint,
			OTLPInsecure:   tel.OTLPInsecure,
		},
	}
}

// Load builds the configuration.
//
// Description:
//
//	Starts from Default, applies the file at path when path is non-empty
//	and the file exists, loads the .env file named by FLOW_ENV_FILE
//	(default ".env") when present, applies FLOW_* variables and
//	validates the result. Variables already set in the environment win
//	over .env entries.
//
// Inputs:
//
//	path - Config file. YAML, or JSON when YAML parsing fails. May be "".
//
// Outputs:
//
//	Config - The validated configuration.
//	error - File read or parse errors, malformed FLOW_* values, or
//	        ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	envFile := os.Getenv(EnvFileVar)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	if err := loadFromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// envParser collects FLOW_* parse errors so one bad value reports them all.
type envParser struct {
	errs []error
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (p *envParser) integer(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = i
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func loadFromEnv(cfg *Config) error {
	var p envParser

	// Storage
	p.str("FLOW_DB_PATH", &cfg.Storage.Path)
	p.boolean("FLOW_DB_IN_MEMORY", &cfg.Storage.InMemory)
	p.boolean("FLOW_DB_SYNC_WRITES", &cfg.Storage.SyncWrites)
	p.duration("FLOW_DB_GC_INTERVAL", &cfg.Storage.GCInterval)

	// Orchestrator
	p.integer("FLOW_MAX_CYCLES", &cfg.Orchestrator.MaxCycles)
	p.integer("FLOW_MAX_ATTEMPTS", &cfg.Orchestrator.MaxAttempts)
	p.duration("FLOW_RETRY_BACKOFF", &cfg.Orchestrator.RetryBackoff)
	p.duration("FLOW_MAX_RETRY_BACKOFF", &cfg.Orchestrator.MaxRetryBackoff)
	p.integer("FLOW_CHECKPOINT_EVERY", &cfg.Orchestrator.CheckpointEvery)
	p.duration("FLOW_EXECUTION_TIMEOUT", &cfg.Orchestrator.ExecutionTimeout)

	// Checkpoint
	p.str("FLOW_CHECKPOINT_MODE", &cfg.Checkpoint.Mode)

	// Logging
	p.str("FLOW_LOG_LEVEL", &cfg.Logging.Level)
	p.str("FLOW_LOG_DIR", &cfg.Logging.LogDir)
	p.boolean("FLOW_LOG_JSON", &cfg.Logging.JSON)

	// Telemetry
	p.str("FLOW_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	p.str("FLOW_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	p.str("FLOW_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	p.str("FLOW_METRICS_ADDR", &cfg.Telemetry.MetricsAddr)

	if len(p.errs) > 0 {
		return fmt.Errorf("parse environment: %w", errors.Join(p.errs...))
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Orchestrator.MaxRetryBackoff > 0 && c.Orchestrator.RetryBackoff > c.Orchestrator.MaxRetryBackoff {
		return fmt.Errorf("%w: retry_backoff %s exceeds max_retry_backoff %s",
			ErrInvalidConfig, c.Orchestrator.RetryBackoff, c.Orchestrator.MaxRetryBackoff)
	}
	switch c.Telemetry.TraceExporter {
	case telemetry.ExporterOTLP, "jaeger":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("%w: otlp_endpoint is required for trace exporter %s", ErrInvalidConfig, c.Telemetry.TraceExporter)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// Badger returns the database configuration. logger receives BadgerDB's
// internal log lines and may be nil.
func (c Config) Badger(logger *slog.Logger) flowbadger.Config {
	return flowbadger.Config{
		Path:            expandHome(c.Storage.Path),
		InMemory:        c.Storage.InMemory,
		SyncWrites:      c.Storage.SyncWrites,
		Logger:          logger,
		GCInterval:      c.Storage.GCInterval,
		GCDiscardRatio:  c.Storage.GCDiscardRatio,
		ConflictRetries: c.Storage.ConflictRetries,
	}
}

// OrchestratorConfig returns the orchestrator tuning. Callers fill in
// RunID, Checkpoints, Recorder and Logger.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxCycles:        c.Orchestrator.MaxCycles,
		MaxAttempts:      c.Orchestrator.MaxAttempts,
		RetryBackoff:     c.Orchestrator.RetryBackoff,
		MaxRetryBackoff:  c.Orchestrator.MaxRetryBackoff,
		CheckpointEvery:  c.Orchestrator.CheckpointEvery,
		ExecutionTimeout: c.Orchestrator.ExecutionTimeout,
	}
}

// Mode returns the default reconciliation mode.
func (c Config) Mode() checkpoint.Mode {
	mode, err := checkpoint.ParseMode(c.Checkpoint.Mode)
	if err != nil {
		return checkpoint.ModePatch
	}
	return mode
}

// LoggingConfig returns the process logger configuration for service.
func (c Config) LoggingConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.LogDir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}

// TelemetryConfig returns the telemetry configuration.
func (c Config) TelemetryConfig() telemetry.Config {
	base := telemetry.DefaultConfig()
	base.ServiceName = c.Telemetry.ServiceName
	base.Environment = c.Telemetry.Environment
	base.TraceExporter = c.Telemetry.TraceExporter
	base.MetricExporter = c.Telemetry.MetricExporter
	base.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	base.OTLPInsecure = c.Telemetry.OTLPInsecure
	base.MetricsAddr = c.Telemetry.MetricsAddr
	return base
}

// Snapshot returns c as JSON for run metadata.
func (c Config) Snapshot() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
