package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "audio", cfg.AudioSubdir)
	assert.Equal(t, "graph", cfg.GraphSubdir)
	assert.Equal(t, "wav", cfg.Format)
	assert.Equal(t, 16, cfg.BitDepth)
	assert.Equal(t, MetadataReject, cfg.MetadataPolicy)
	assert.Equal(t, ModelTolerate, cfg.ModelPolicy)
	assert.Equal(t, CollisionOverwrite, cfg.CollisionPolicy)
	assert.Equal(t, "audit.jsonl", cfg.AuditLog)
	assert.GreaterOrEqual(t, cfg.WriteConcurrency, 1)
	assert.LessOrEqual(t, cfg.WriteConcurrency, 4)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "difform.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /srv/difform
bit_depth: 24
metadata_policy: namespace
collision_policy: reject
http_port: 9000
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/difform", cfg.Root)
	assert.Equal(t, 24, cfg.BitDepth)
	assert.Equal(t, MetadataNamespace, cfg.MetadataPolicy)
	assert.Equal(t, CollisionReject, cfg.CollisionPolicy)
	assert.Equal(t, 9000, cfg.HTTPPort)
	// Untouched keys keep defaults.
	assert.Equal(t, "audio", cfg.AudioSubdir)
	assert.Equal(t, ModelTolerate, cfg.ModelPolicy)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bit_depth: [nope"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "difform.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: /from/file\nbit_depth: 24\n"), 0644))

	t.Setenv("DIFFORM_ROOT", "/from/env")
	t.Setenv("DIFFORM_MODEL_POLICY", "require")
	t.Setenv("DIFFORM_SYNC_WRITES", "yes")
	t.Setenv("DIFFORM_HTTP_PORT", "not-a-number")
	t.Setenv("DIFFORM_WATCH_AUDIO", "off")
	t.Setenv("DIFFORM_AUDIT_LOG", "mutations.jsonl")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Root)
	assert.Equal(t, 24, cfg.BitDepth)
	assert.Equal(t, ModelRequire, cfg.ModelPolicy)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, 7860, cfg.HTTPPort, "unparseable values are ignored")
	assert.False(t, cfg.WatchAudio)
	assert.Equal(t, "mutations.jsonl", cfg.AuditLog)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("DIFFORM_BIT_DEPTH", "32")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.BitDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty root", func(c *Config) { c.Root = "" }, "root is required"},
		{"nested audio subdir", func(c *Config) { c.AudioSubdir = "a/b" }, "audio_subdir"},
		{"hidden graph subdir", func(c *Config) { c.GraphSubdir = ".graph" }, "graph_subdir"},
		{"same subdirs", func(c *Config) { c.GraphSubdir = c.AudioSubdir }, "must differ"},
		{"mp3", func(c *Config) { c.Format = "mp3" }, "unsupported format"},
		{"bit depth", func(c *Config) { c.BitDepth = 8 }, "bit_depth"},
		{"concurrency", func(c *Config) { c.WriteConcurrency = 0 }, "write_concurrency"},
		{"metadata policy", func(c *Config) { c.MetadataPolicy = "drop" }, "metadata_policy"},
		{"model policy", func(c *Config) { c.ModelPolicy = "maybe" }, "model_policy"},
		{"collision policy", func(c *Config) { c.CollisionPolicy = "rename" }, "collision_policy"},
		{"nested audit log", func(c *Config) { c.AuditLog = "logs/audit.jsonl" }, "audit_log"},
		{"audit log in audio dir", func(c *Config) { c.AuditLog = c.AudioSubdir }, "audit_log"},
		{"port", func(c *Config) { c.HTTPPort = 70000 }, "http_port"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AcceptsEveryPolicy(t *testing.T) {
	for _, mp := range []MetadataPolicy{MetadataReject, MetadataNamespace, MetadataOverwrite} {
		for _, model := range []ModelPolicy{ModelTolerate, ModelRequire} {
			for _, cp := range []CollisionPolicy{CollisionOverwrite, CollisionReject} {
				cfg := DefaultConfig()
				cfg.MetadataPolicy, cfg.ModelPolicy, cfg.CollisionPolicy = mp, model, cp
				assert.NoError(t, cfg.Validate(), "%s/%s/%s", mp, model, cp)
			}
		}
	}
}

func TestValidate_AuditLogOptional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditLog = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BitDepth = 8
	cfg.Format = "flac"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bit_depth")
	assert.Contains(t, err.Error(), "flac")
}

func TestString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, "reject/tolerate/overwrite")
	assert.Contains(t, s, "wav/16")
}
