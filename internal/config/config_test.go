package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/errs"
)

func TestParseEnvMap_Defaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, ParseEnvMap(cfg, map[string]string{}))

	assert.Equal(t, ModeProduction, cfg.Mode)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, uint(10000), cfg.BloomCapacity)
	assert.InDelta(t, 0.01, cfg.BloomFPRate, 1e-9)
	assert.Equal(t, 100, cfg.SubscriberBuffer)
	assert.Equal(t, 5*time.Minute, cfg.CompletionTimeout)
	require.NoError(t, cfg.Validate())
}

func TestParseEnvMap_Overrides(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, ParseEnvMap(cfg, map[string]string{
		"AURA_MODE":             "simulation",
		"AURA_SEED":             "42",
		"AURA_STORAGE_BACKEND":  "sqlite",
		"AURA_STORAGE_PATH":     "/tmp/x.db",
		"AURA_CEREMONY_TIMEOUT": "2s",
	}))

	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 2*time.Second, cfg.CeremonyTimeout)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Combinations(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		require.NoError(t, ParseEnvMap(cfg, map[string]string{}))
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		code   errs.Code
	}{
		{"simulation without seed", func(c *Config) { c.Mode = ModeSimulation }, errs.CodeMissingField},
		{"redis without url", func(c *Config) { c.StorageBackend = BackendRedis }, errs.CodeMissingField},
		{"bbolt without path", func(c *Config) { c.StorageBackend = BackendBolt }, errs.CodeMissingField},
		{"unknown backend", func(c *Config) { c.StorageBackend = "tape" }, errs.CodeInvalidConfig},
		{"bad fp rate", func(c *Config) { c.BloomFPRate = 1.5 }, errs.CodeInvalidConfig},
		{"unknown mode", func(c *Config) { c.Mode = "chaos" }, errs.CodeInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
		})
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: testing\nsubscriber_buffer: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeTesting, cfg.Mode)
	assert.Equal(t, 7, cfg.SubscriberBuffer)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)
	logger.Debug("hello", "ceremony_id", "c1")
	assert.Contains(t, buf.String(), `"ceremony_id":"c1"`)
}

func TestMasterKey(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	cfg := &Config{}
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Nil(t, key, "no file configured")

	cfg.MasterKeyFile = write("good.hex", string(bytes.Repeat([]byte("ab"), MasterKeySize))+"\n")
	key, err = cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, MasterKeySize), key)

	for name, body := range map[string]string{"short.hex": "abcd", "junk.hex": "zz"} {
		cfg.MasterKeyFile = write(name, body)
		_, err := cfg.MasterKey()
		assert.True(t, errs.IsCode(err, errs.CodeInvalidConfig), name)
	}

	cfg.MasterKeyFile = filepath.Join(dir, "missing")
	_, err = cfg.MasterKey()
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}
