package msgstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 900000*time.Millisecond, cfg.RetryTimeLimit)
	assert.Equal(t, 5000*time.Millisecond, cfg.RetryWaitInterval)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, "msgstore.log", cfg.LogFileName)
	assert.Equal(t, filepath.Join(".", "msgstore.log"), cfg.LogPath())

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "engine uuid is required")
	cfg.EngineUUID = testEngine
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Apply(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Apply(map[string]string{
		"retry.timeLimit":          "2000",
		"retry.waitInterval":       " 250 ",
		"log.directory":            "/var/lib/msgstore",
		"log.size":                 "4096",
		"permanent.maxSize":        "1048576",
		"permanent.unlimited":      "true",
		"temporary.directory":      "/tmp/msgstore",
		"temporary.cacheSize":      "0",
		"cleanStart":               "true",
		"ownership.disableCheck":   "true",
		"engine.uuid":              testEngine,
		"store.backend":            "SQLite",
		"store.compression":        "zstd",
		"uniqueKey.rangeSize":      "50",
		"spill.queueSize":          "8",
		"spill.queueLimitBytes":    "1024",
		"spill.ioLimitBytesPerSec": "4096",
	})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.RetryTimeLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryWaitInterval)
	assert.Equal(t, "/var/lib/msgstore", cfg.LogDirectory)
	assert.Equal(t, int64(4096), cfg.LogSize)
	assert.Equal(t, int64(1048576), cfg.Permanent.MaxSize)
	assert.True(t, cfg.Permanent.Unlimited)
	assert.Equal(t, "/tmp/msgstore", cfg.Temporary.Directory)
	assert.Zero(t, cfg.Temporary.CacheSize)
	assert.True(t, cfg.CleanStart)
	assert.True(t, cfg.DisableOwnershipCheck)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, CompressionZstd, cfg.Compression)
	assert.Equal(t, int64(50), cfg.UniqueKeyRangeSize)
	assert.Equal(t, 8, cfg.SpillQueueSize)
	assert.Equal(t, int64(1024), cfg.SpillQueueLimitBytes)
	assert.Equal(t, int64(4096), cfg.SpillIOLimitBytesPerSec)
	assert.NoError(t, cfg.Validate())

	dc := cfg.durableConfig()
	assert.Equal(t, "/var/lib/msgstore", dc.PermanentDirectory)
	assert.Equal(t, "/tmp/msgstore", dc.TemporaryDirectory)
	assert.True(t, dc.CleanStart)
}

func TestConfig_ApplyErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"UnknownKey", map[string]string{"nope": "1"}},
		{"UnknownStoreField", map[string]string{"permanent.color": "blue"}},
		{"UnknownPrefix", map[string]string{"archive.size": "1"}},
		{"BadDuration", map[string]string{"retry.timeLimit": "15m"}},
		{"BadSize", map[string]string{"log.size": "big"}},
		{"BadBool", map[string]string{"cleanStart": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			assert.ErrorIs(t, cfg.Apply(tt.values), ErrInvalidConfig)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.EngineUUID = testEngine
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadUUID", func(c *Config) { c.EngineUUID = "not-a-uuid" }},
		{"UnknownBackend", func(c *Config) { c.Backend = "tape" }},
		{"UnknownCompression", func(c *Config) { c.Compression = "snappy" }},
		{"ZeroWait", func(c *Config) { c.RetryWaitInterval = 0 }},
		{"NoLogFile", func(c *Config) { c.LogFileName = "" }},
		{"NegativeStoreSize", func(c *Config) { c.Temporary.MaxSize = -1 }},
		{"NegativeLogSize", func(c *Config) { c.LogSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("MemoryWithoutLogFile", func(t *testing.T) {
		cfg := valid()
		cfg.Backend = BackendMemory
		cfg.LogFileName = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
engine:
  uuid: 6f1d0a53-93c4-4a0e-9d0b-4a8f3e1f2c11
  name: broker-a
log:
  directory: /data
  size: 2097152
permanent:
  maxSize: 1073741824
  unlimited: false
temporary:
  unlimited: true
retry:
  timeLimit: 60000
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, testEngine, cfg.EngineUUID)
	assert.Equal(t, "broker-a", cfg.EngineName)
	assert.Equal(t, "/data", cfg.LogDirectory)
	assert.Equal(t, int64(2097152), cfg.LogSize)
	assert.Equal(t, int64(1073741824), cfg.Permanent.MaxSize)
	assert.True(t, cfg.Temporary.Unlimited)
	assert.Equal(t, time.Minute, cfg.RetryTimeLimit)
	assert.Equal(t, DefaultRetryWaitInterval, cfg.RetryWaitInterval)

	_, err = ParseConfig([]byte("log: [unclosed"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseConfig([]byte("log:\n  colour: red\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  uuid: "+testEngine+"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, testEngine, cfg.EngineUUID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
