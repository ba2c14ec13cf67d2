// Package config provides YAML-based configuration with environment variable
// expansion and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Graph     GraphConfig     `yaml:"graph"`
	Index     IndexConfig     `yaml:"index"`
	Staging   StagingConfig   `yaml:"staging"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Backup    BackupConfig    `yaml:"backup"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// GraphConfig holds graph store settings.
type GraphConfig struct {
	Path        string `yaml:"path"`
	RootConcept string `yaml:"root_concept"`
}

func (c *GraphConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.RootConcept, validation.Required),
	)
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	Path string `yaml:"path"`
}

func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// StagingConfig holds staging store settings.
type StagingConfig struct {
	Path string `yaml:"path"`
}

func (c *StagingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// RetrievalConfig holds candidate retrieval settings.
type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

func (c *RetrievalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TopK, validation.Required, validation.Min(1), validation.Max(50)),
	)
}

// ClusterConfig holds promotion gating thresholds. Both values were revised
// empirically in the source system, so they are configuration, not constants.
type ClusterConfig struct {
	MinSize             int     `yaml:"min_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

func (c *ClusterConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MinSize, validation.Required, validation.Min(2)),
		validation.Field(&c.SimilarityThreshold, validation.Required, validation.Min(0.0), validation.Max(1.0)),
	)
}

// OracleConfig holds the external oracle endpoint settings.
type OracleConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	Model               string        `yaml:"model"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	DescriptionLanguage string        `yaml:"description_language"`
}

func (c *OracleConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.DescriptionLanguage, validation.Required, validation.Length(2, 16)),
	)
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama | openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Dims     int    `yaml:"dims"`
}

func (c *EmbeddingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In("ollama", "openai")),
	)
}

// BackupConfig holds backup directory and retention settings.
type BackupConfig struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

func (c *BackupConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Retention, validation.Required, validation.Min(1)),
	)
}

// PipelineConfig holds batch execution settings.
type PipelineConfig struct {
	Parallelism int           `yaml:"parallelism"`
	LockPath    string        `yaml:"lock_path"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Parallelism, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.LockPath, validation.Required),
	)
}

// Level parses the configured log level, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate validates the whole configuration tree.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Graph, &c.Index, &c.Staging, &c.Retrieval, &c.Cluster,
		&c.Oracle, &c.Embedding, &c.Backup, &c.Pipeline,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the configuration defaults. Paths live under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		LogLevel: "info",
		Graph: GraphConfig{
			Path:        dataDir + "/graph.db",
			RootConcept: "LLMConcept",
		},
		Index:     IndexConfig{Path: dataDir + "/vecindex.db"},
		Staging:   StagingConfig{Path: dataDir + "/staging.db"},
		Retrieval: RetrievalConfig{TopK: 5},
		Cluster: ClusterConfig{
			MinSize:             5,
			SimilarityThreshold: 0.70,
		},
		Oracle: OracleConfig{
			BaseURL:             "https://api.openai.com/v1",
			APIKey:              os.Getenv("OPENAI_API_KEY"),
			Model:               "gpt-4o-mini",
			Timeout:             60 * time.Second,
			MaxRetries:          3,
			RetryBackoff:        2 * time.Second,
			DescriptionLanguage: "ko",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Backup: BackupConfig{
			Dir:       dataDir + "/backups",
			Retention: 10,
		},
		Pipeline: PipelineConfig{
			Parallelism: 4,
			LockPath:    dataDir + "/.cherry.lock",
			LockTTL:     2 * time.Hour,
		},
	}
}

// Load reads a YAML config file with environment variable expansion into
// target and validates it.
func Load(filename string, target *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", filename, err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("parse config file %s: %w", filename, err)
	}

	if err := target.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// LoadOrDefault loads the config file when it exists; otherwise it returns
// defaults rooted at dataDir.
func LoadOrDefault(filename, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err := Load(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
