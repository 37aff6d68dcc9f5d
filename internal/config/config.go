// Package config loads and validates the podcasts.yaml and providers.yaml
// configuration files and folds in the recognised environment overrides.
//
// Configuration is loaded once at startup into typed structs; unknown YAML
// keys are errors so typos cannot silently change behaviour.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps all configuration validation failures. The CLI maps it to
// exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of podcasts.yaml.
type Config struct {
	Version  string           `yaml:"version"`
	Defaults ProcessingConfig `yaml:"defaults"`
	Podcasts []PodcastConfig  `yaml:"podcasts"`

	// Limits are resolved from defaults plus environment overrides, not
	// from YAML directly.
	Limits Limits `yaml:"-"`
}

// PodcastConfig describes one podcast and its dedicated graph database.
type PodcastConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Enabled       bool              `yaml:"enabled"`
	Database      DatabaseConfig    `yaml:"database"`
	Processing    *ProcessingConfig `yaml:"processing,omitempty"`
	Metadata      PodcastMetadata   `yaml:"metadata,omitempty"`
	TranscriptDir string            `yaml:"transcript_dir,omitempty"`
	ProcessedDir  string            `yaml:"processed_dir,omitempty"`
	CheckpointDir string            `yaml:"checkpoint_dir,omitempty"`
}

// DatabaseConfig points at the podcast's own graph database instance.
type DatabaseConfig struct {
	URI          string `yaml:"uri"`
	DatabaseName string `yaml:"database_name,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
}

// PodcastMetadata is free-form descriptive data carried onto the Podcast node.
type PodcastMetadata struct {
	Description string   `yaml:"description,omitempty"`
	Language    string   `yaml:"language,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Host        string   `yaml:"host,omitempty"`
	Website     string   `yaml:"website,omitempty"`
}

// ProcessingConfig holds per-podcast processing knobs; zero values inherit
// from Defaults.
type ProcessingConfig struct {
	BatchSize          int  `yaml:"batch_size,omitempty"`
	MaxRetries         int  `yaml:"max_retries,omitempty"`
	EnableFlowAnalysis bool `yaml:"enable_flow_analysis,omitempty"`
	UseLargeContext    bool `yaml:"use_large_context,omitempty"`
}

// Limits are the process-wide resource ceilings, overridable through the
// environment.
type Limits struct {
	MaxMemoryMB           int
	MaxEpisodesConcurrent int
	MaxConcurrentUnits    int
	EmbedBatch            int
	DBBatch               int
	MaxWaitForCredential  time.Duration
	ExtractionTimeout     time.Duration
	StateDir              string
	CheckpointDir         string
	TranscriptDir         string
	LLMServiceType        string
}

// Providers is the root of providers.yaml: provider type → name → spec.
type Providers struct {
	LLM       map[string]ProviderSpec `yaml:"llm"`
	Embedding map[string]ProviderSpec `yaml:"embedding"`
	Graph     map[string]ProviderSpec `yaml:"graph"`
}

// ProviderSpec selects a concrete provider implementation.
type ProviderSpec struct {
	Class   string         `yaml:"class"`
	Version string         `yaml:"version,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

var podcastIDRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Load reads podcasts.yaml, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	cfg.Limits = limitsFromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProviders reads providers.yaml.
func LoadProviders(path string) (*Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	var p Providers
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return &p, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Podcasts))
	for i, p := range c.Podcasts {
		if p.ID == "" {
			return fmt.Errorf("%w: podcast %d has no id", ErrInvalid, i)
		}
		if !podcastIDRe.MatchString(p.ID) {
			return fmt.Errorf("%w: podcast id %q must match [a-z0-9_-]+", ErrInvalid, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate podcast id %q", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
		if p.Enabled && p.Database.URI == "" {
			return fmt.Errorf("%w: podcast %q enabled without database.uri", ErrInvalid, p.ID)
		}
		if p.Database.URI != "" && !isBoltURI(p.Database.URI) {
			return fmt.Errorf("%w: podcast %q database.uri %q is not a bolt/neo4j URI", ErrInvalid, p.ID, p.Database.URI)
		}
	}
	return nil
}

func isBoltURI(uri string) bool {
	for _, scheme := range []string{"neo4j://", "neo4j+s://", "neo4j+ssc://", "bolt://", "bolt+s://", "bolt+ssc://"} {
		if strings.HasPrefix(uri, scheme) {
			return true
		}
	}
	return false
}

// Podcast returns the configuration for one podcast id.
func (c *Config) Podcast(id string) (*PodcastConfig, bool) {
	for i := range c.Podcasts {
		if c.Podcasts[i].ID == id {
			return &c.Podcasts[i], true
		}
	}
	return nil, false
}

// Processing resolves the effective processing config for a podcast,
// inheriting unset fields from defaults.
func (c *Config) Processing(id string) ProcessingConfig {
	eff := c.Defaults
	if p, ok := c.Podcast(id); ok && p.Processing != nil {
		if p.Processing.BatchSize > 0 {
			eff.BatchSize = p.Processing.BatchSize
		}
		if p.Processing.MaxRetries > 0 {
			eff.MaxRetries = p.Processing.MaxRetries
		}
		eff.EnableFlowAnalysis = eff.EnableFlowAnalysis || p.Processing.EnableFlowAnalysis
		eff.UseLargeContext = eff.UseLargeContext || p.Processing.UseLargeContext
	}
	return eff
}

func limitsFromEnv() Limits {
	l := Limits{
		MaxMemoryMB:           envInt("MAX_MEMORY_MB", 2048),
		MaxEpisodesConcurrent: envInt("MAX_EPISODES_CONCURRENT", 2),
		MaxConcurrentUnits:    envInt("MAX_CONCURRENT_UNITS", 4),
		EmbedBatch:            envInt("EMBED_BATCH", 32),
		DBBatch:               envInt("DB_BATCH", 500),
		MaxWaitForCredential:  envDuration("MAX_WAIT_FOR_CREDENTIAL", 120*time.Second),
		ExtractionTimeout:     envDuration("KNOWLEDGE_EXTRACTION_TIMEOUT", 30*time.Minute),
		StateDir:              envStr("STATE_DIR", "data"),
		TranscriptDir:         envStr("TRANSCRIPT_OUTPUT_DIR", ""),
		LLMServiceType:        envStr("LLM_SERVICE_TYPE", "default"),
	}
	l.CheckpointDir = envStr("CHECKPOINT_DIR", filepath.Join(l.StateDir, "checkpoints"))
	return l
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// envDuration accepts either a bare number of seconds or a Go duration.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}
