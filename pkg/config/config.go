// Package config loads service configuration from a YAML file with
// environment variable overrides (SCANPIPE_*).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigiasec/scanpipe/pkg/errors"
)

// Config is the full configuration shared by the API server and the
// pipeline worker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	PDF      PDFConfig      `yaml:"pdf"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	// Dir is the lifecycle store root directory.
	Dir string `yaml:"dir"`
}

type QueueConfig struct {
	// Dir is the dispatch queue directory.
	Dir string `yaml:"dir"`

	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	TopP        float64       `yaml:"top_p"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`

	// RateLimit caps requests per second to the completion service.
	RateLimit float64 `yaml:"rate_limit"`
}

type PipelineConfig struct {
	// StageTimeout is the per-stage execution budget.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// TolerateMissingSections lets the report compiler accept absent
	// category artifacts instead of failing.
	TolerateMissingSections bool `yaml:"tolerate_missing_sections"`
}

type PDFConfig struct {
	// Command is the Markdown-to-PDF converter binary.
	Command string `yaml:"command"`

	// Args are the converter arguments; {input} and {output} are
	// substituted with the temp file paths.
	Args []string `yaml:"args"`
}

type AuditConfig struct {
	// Path is the audit database file.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WorkerConfig struct {
	// PollInterval is how often the worker polls an empty queue.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Store:  StoreConfig{Dir: "data/store"},
		Queue: QueueConfig{
			Dir:               "data/queue",
			MaxAttempts:       5,
			BaseDelay:         30 * time.Second,
			VisibilityTimeout: 15 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:     "https://integrate.api.nvidia.com/v1",
			Model:       "meta/llama-3.1-70b-instruct",
			MaxTokens:   2048,
			Temperature: 0.2,
			TopP:        0.7,
			Timeout:     120 * time.Second,
			MaxRetries:  3,
			RateLimit:   1,
		},
		Pipeline: PipelineConfig{StageTimeout: 5 * time.Minute},
		PDF:      PDFConfig{Command: "pandoc"},
		Audit:    AuditConfig{Path: "data/audit.db"},
		Log:      LogConfig{Level: "info"},
		Metrics:  MetricsConfig{Enabled: true},
		Worker:   WorkerConfig{PollInterval: 2 * time.Second},
	}
}

// Load reads the config file (if path is non-empty), applies
// environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.E(errors.KindValidation, "config.Load",
				fmt.Sprintf("read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.E(errors.KindValidation, "config.Load",
				fmt.Sprintf("parse config file %s", path), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SCANPIPE_* environment variables.
// Only deployment-sensitive knobs are exposed this way.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("SCANPIPE_LISTEN", &c.Server.Listen)
	setString("SCANPIPE_STORE_DIR", &c.Store.Dir)
	setString("SCANPIPE_QUEUE_DIR", &c.Queue.Dir)
	setString("SCANPIPE_LLM_BASE_URL", &c.LLM.BaseURL)
	setString("SCANPIPE_LLM_API_KEY", &c.LLM.APIKey)
	setString("SCANPIPE_LLM_MODEL", &c.LLM.Model)
	setString("SCANPIPE_AUDIT_PATH", &c.Audit.Path)
	setString("SCANPIPE_LOG_LEVEL", &c.Log.Level)
	setString("SCANPIPE_PDF_COMMAND", &c.PDF.Command)

	if v := os.Getenv("SCANPIPE_LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxRetries = n
		}
	}
	if v := os.Getenv("SCANPIPE_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.StageTimeout = d
		}
	}
}

// Validate checks the configuration for obvious misconfigurations.
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return errors.E(errors.KindValidation, "config.Validate", "store.dir is required")
	}
	if c.Queue.Dir == "" {
		return errors.E(errors.KindValidation, "config.Validate", "queue.dir is required")
	}
	if c.LLM.BaseURL == "" {
		return errors.E(errors.KindValidation, "config.Validate", "llm.base_url is required")
	}
	if c.LLM.MaxRetries < 0 {
		return errors.E(errors.KindValidation, "config.Validate", "llm.max_retries must not be negative")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return errors.E(errors.KindValidation, "config.Validate", "pipeline.stage_timeout must be positive")
	}
	return nil
}
