// Package config handles difform configuration from YAML files and environment
// variables.
//
// Configuration sources, lowest to highest priority:
//  1. DefaultConfig()
//  2. A YAML file (LoadConfig)
//  3. DIFFORM_* environment variables (ApplyEnv)
//
// Example Usage:
//
//	cfg, err := config.Load("./difform.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - DIFFORM_ROOT="./difform"
//   - DIFFORM_AUDIO_SUBDIR="audio"
//   - DIFFORM_GRAPH_SUBDIR="graph"
//   - DIFFORM_BIT_DEPTH=16
//   - DIFFORM_WRITE_CONCURRENCY=4
//   - DIFFORM_SYNC_WRITES=false
//   - DIFFORM_METADATA_POLICY=reject|namespace|overwrite
//   - DIFFORM_MODEL_POLICY=tolerate|require
//   - DIFFORM_COLLISION_POLICY=overwrite|reject
//   - DIFFORM_AUDIT_LOG="audit.jsonl"
//   - DIFFORM_WATCH_AUDIO=true
//   - DIFFORM_HTTP_ADDRESS="127.0.0.1"
//   - DIFFORM_HTTP_PORT=7860
//   - DIFFORM_LOG_LEVEL=info
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MetadataPolicy decides what happens when caller metadata uses a key the
// logger sets itself (type, created, alias, ...).
type MetadataPolicy string

const (
	// MetadataReject fails the logging call before anything is written.
	MetadataReject MetadataPolicy = "reject"
	// MetadataNamespace stores colliding keys as "meta_<key>".
	MetadataNamespace MetadataPolicy = "namespace"
	// MetadataOverwrite lets caller values replace the fixed attributes.
	MetadataOverwrite MetadataPolicy = "overwrite"
)

// ModelPolicy decides whether logging against a model that was never
// imported is allowed.
type ModelPolicy string

const (
	// ModelTolerate logs anyway; the provenance edge has a dangling source.
	ModelTolerate ModelPolicy = "tolerate"
	// ModelRequire fails the call when the model node is missing.
	ModelRequire ModelPolicy = "require"
)

// CollisionPolicy decides what happens when a batch identifier already
// exists (same model and seed logged twice within one second).
type CollisionPolicy string

const (
	// CollisionOverwrite merges the new batch over the old one: last write wins.
	CollisionOverwrite CollisionPolicy = "overwrite"
	// CollisionReject fails the call and leaves the existing batch untouched.
	CollisionReject CollisionPolicy = "reject"
)

// Config holds all difform settings.
//
// Root is the only setting the core strictly needs: all graph and audio state
// for one knowledge graph lives beneath it.
type Config struct {
	// Root directory holding the graph store and the audio tree.
	Root string `yaml:"root"`

	// Storage layout
	AudioSubdir string `yaml:"audio_subdir"`
	GraphSubdir string `yaml:"graph_subdir"`
	Format      string `yaml:"format"`    // only "wav"
	BitDepth    int    `yaml:"bit_depth"` // 16, 24 or 32 bit PCM

	// WriteConcurrency bounds how many samples of one batch are encoded at once.
	WriteConcurrency int `yaml:"write_concurrency"`

	// SyncWrites fsyncs the graph store after every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// Logging policies
	MetadataPolicy  MetadataPolicy  `yaml:"metadata_policy"`
	ModelPolicy     ModelPolicy     `yaml:"model_policy"`
	CollisionPolicy CollisionPolicy `yaml:"collision_policy"`

	// AuditLog is the file under Root that records every graph mutation as
	// one JSON line. Empty disables the audit trail.
	AuditLog string `yaml:"audit_log"`

	// WatchAudio makes the server evict cached checksums of audio files
	// changed on disk while it runs.
	WatchAudio bool `yaml:"watch_audio"`

	// HTTP API
	HTTPAddress string `yaml:"http_address"`
	HTTPPort    int    `yaml:"http_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when nothing is set.
//
// The defaults reproduce the historical behaviour of the logger: audio under
// "audio/", WAV files, unknown models tolerated, repeated identifiers
// overwritten. Metadata that collides with a fixed attribute is rejected.
func DefaultConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return &Config{
		Root:             "./difform",
		AudioSubdir:      "audio",
		GraphSubdir:      "graph",
		Format:           "wav",
		BitDepth:         16,
		WriteConcurrency: workers,
		SyncWrites:       false,
		MetadataPolicy:   MetadataReject,
		ModelPolicy:      ModelTolerate,
		CollisionPolicy:  CollisionOverwrite,
		AuditLog:         "audit.jsonl",
		WatchAudio:       true,
		HTTPAddress:      "127.0.0.1",
		HTTPPort:         7860,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path if it is non-empty (a missing file is an error), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from DIFFORM_* environment variables.
// Unparseable numeric or boolean values leave the field unchanged.
func (c *Config) ApplyEnv() {
	c.Root = getEnv("DIFFORM_ROOT", c.Root)
	c.AudioSubdir = getEnv("DIFFORM_AUDIO_SUBDIR", c.AudioSubdir)
	c.GraphSubdir = getEnv("DIFFORM_GRAPH_SUBDIR", c.GraphSubdir)
	c.Format = getEnv("DIFFORM_FORMAT", c.Format)
	c.BitDepth = getEnvInt("DIFFORM_BIT_DEPTH", c.BitDepth)
	c.WriteConcurrency = getEnvInt("DIFFORM_WRITE_CONCURRENCY", c.WriteConcurrency)
	c.SyncWrites = getEnvBool("DIFFORM_SYNC_WRITES", c.SyncWrites)
	c.MetadataPolicy = MetadataPolicy(getEnv("DIFFORM_METADATA_POLICY", string(c.MetadataPolicy)))
	c.ModelPolicy = ModelPolicy(getEnv("DIFFORM_MODEL_POLICY", string(c.ModelPolicy)))
	c.CollisionPolicy = CollisionPolicy(getEnv("DIFFORM_COLLISION_POLICY", string(c.CollisionPolicy)))
	c.AuditLog = getEnv("DIFFORM_AUDIT_LOG", c.AuditLog)
	c.WatchAudio = getEnvBool("DIFFORM_WATCH_AUDIO", c.WatchAudio)
	c.HTTPAddress = getEnv("DIFFORM_HTTP_ADDRESS", c.HTTPAddress)
	c.HTTPPort = getEnvInt("DIFFORM_HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("DIFFORM_LOG_LEVEL", c.LogLevel)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if err := validateSubdir("audio_subdir", c.AudioSubdir); err != nil {
		errs = append(errs, err)
	}
	if err := validateSubdir("graph_subdir", c.GraphSubdir); err != nil {
		errs = append(errs, err)
	}
	if c.AudioSubdir != "" && c.AudioSubdir == c.GraphSubdir {
		errs = append(errs, errors.New("audio_subdir and graph_subdir must differ"))
	}
	if c.Format != "wav" {
		errs = append(errs, fmt.Errorf("unsupported format %q (only wav)", c.Format))
	}
	switch c.BitDepth {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("bit_depth must be 16, 24 or 32, got %d", c.BitDepth))
	}
	if c.WriteConcurrency < 1 {
		errs = append(errs, fmt.Errorf("write_concurrency must be >= 1, got %d", c.WriteConcurrency))
	}
	switch c.MetadataPolicy {
	case MetadataReject, MetadataNamespace, MetadataOverwrite:
	default:
		errs = append(errs, fmt.Errorf("unknown metadata_policy %q", c.MetadataPolicy))
	}
	switch c.ModelPolicy {
	case ModelTolerate, ModelRequire:
	default:
		errs = append(errs, fmt.Errorf("unknown model_policy %q", c.ModelPolicy))
	}
	switch c.CollisionPolicy {
	case CollisionOverwrite, CollisionReject:
	default:
		errs = append(errs, fmt.Errorf("unknown collision_policy %q", c.CollisionPolicy))
	}
	if c.AuditLog != "" {
		if err := validateSubdir("audit_log", c.AuditLog); err != nil {
			errs = append(errs, err)
		} else if c.AuditLog == c.AudioSubdir || c.AuditLog == c.GraphSubdir {
			errs = append(errs, errors.New("audit_log must not reuse a storage directory name"))
		}
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port out of range: %d", c.HTTPPort))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// validateSubdir requires a single relative path element so that audio and
// graph state cannot escape the root.
func validateSubdir(name, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("%s is required", name)
	case v == "." || v == ".." || strings.ContainsAny(v, `/\`):
		return fmt.Errorf("%s must be a single directory name, got %q", name, v)
	case strings.HasPrefix(v, "."):
		return fmt.Errorf("%s must not be hidden, got %q", name, v)
	}
	return nil
}

// String returns a one-line summary for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Root: %s, Audio: %s, Graph: %s, Format: %s/%d, Policies: %s/%s/%s}",
		c.Root, c.AudioSubdir, c.GraphSubdir, c.Format, c.BitDepth,
		c.MetadataPolicy, c.ModelPolicy, c.CollisionPolicy)
}

// Helper functions

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
