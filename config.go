package msgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/msgstore/durable"
)

// Backend selects the durable store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
)

// Compression selects record compression for backends that support it.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

const (
	mib = 1 << 20

	DefaultRetryTimeLimit    = 15 * time.Minute
	DefaultRetryWaitInterval = 5 * time.Second
	DefaultLogSize           = 10 * mib
	DefaultStoreMinSize      = 20 * mib
	DefaultStoreMaxSize      = 500 * mib
	DefaultCacheSize         = 8 * mib
)

// StoreConfig locates and sizes one object store.
type StoreConfig struct {
	FileName string
	// Directory defaults to the log directory.
	Directory string
	MinSize   int64
	MaxSize   int64
	Unlimited bool
	CacheSize int64
}

// Config is the configuration of a Manager.
type Config struct {
	RetryTimeLimit    time.Duration
	RetryWaitInterval time.Duration

	LogFileName  string
	LogDirectory string
	LogSize      int64

	Permanent StoreConfig
	Temporary StoreConfig

	// CleanStart discards existing store content on start.
	CleanStart bool
	// DisableOwnershipCheck accepts store files written by another engine.
	// The incarnation is still refreshed.
	DisableOwnershipCheck bool

	// EngineUUID identifies the engine owning the store files. Required.
	EngineUUID string
	EngineName string

	Backend     Backend
	Compression Compression

	// UniqueKeyRangeSize is the default number of keys reserved per range.
	UniqueKeyRangeSize int64

	// SpillQueueSize bounds the jobs waiting for the default spill worker.
	SpillQueueSize int
	// SpillQueueLimitBytes bounds the bytes waiting for the default spill
	// worker. 0 means no byte limit.
	SpillQueueLimitBytes int64
	// SpillIOLimitBytesPerSec throttles spill and backup writes. 0 means
	// unlimited.
	SpillIOLimitBytesPerSec int64
}

// DefaultConfig returns the configuration with every default applied. The
// engine UUID is left empty.
func DefaultConfig() Config {
	return Config{
		RetryTimeLimit:    DefaultRetryTimeLimit,
		RetryWaitInterval: DefaultRetryWaitInterval,
		LogFileName:       "msgstore.log",
		LogDirectory:      ".",
		LogSize:           DefaultLogSize,
		Permanent: StoreConfig{
			FileName:  "permanent.store",
			MinSize:   DefaultStoreMinSize,
			MaxSize:   DefaultStoreMaxSize,
			CacheSize: DefaultCacheSize,
		},
		Temporary: StoreConfig{
			FileName:  "temporary.store",
			MinSize:   DefaultStoreMinSize,
			MaxSize:   DefaultStoreMaxSize,
			CacheSize: DefaultCacheSize,
		},
		EngineName:         "msgstore",
		Backend:            BackendFile,
		Compression:        CompressionNone,
		UniqueKeyRangeSize: 1000,
		SpillQueueSize:     1024,
	}
}

// Apply sets named values. Keys are the dotted names used in configuration
// files, for example "permanent.maxSize". Durations are in milliseconds and
// sizes in bytes.
func (c *Config) Apply(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.set(k, strings.TrimSpace(values[k])); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, k, err)
		}
	}
	return nil
}

func (c *Config) set(key, v string) error {
	switch key {
	case "retry.timeLimit":
		return setMillis(&c.RetryTimeLimit, v)
	case "retry.waitInterval":
		return setMillis(&c.RetryWaitInterval, v)
	case "log.fileName":
		c.LogFileName = v
	case "log.directory":
		c.LogDirectory = v
	case "log.size":
		return setInt(&c.LogSize, v)
	case "cleanStart":
		return setBool(&c.CleanStart, v)
	case "ownership.disableCheck":
		return setBool(&c.DisableOwnershipCheck, v)
	case "engine.uuid":
		c.EngineUUID = v
	case "engine.name":
		c.EngineName = v
	case "store.backend":
		c.Backend = Backend(strings.ToLower(v))
	case "store.compression":
		c.Compression = Compression(strings.ToLower(v))
	case "uniqueKey.rangeSize":
		return setInt(&c.UniqueKeyRangeSize, v)
	case "spill.queueSize":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.SpillQueueSize = n
	case "spill.queueLimitBytes":
		return setInt(&c.SpillQueueLimitBytes, v)
	case "spill.ioLimitBytesPerSec":
		return setInt(&c.SpillIOLimitBytesPerSec, v)
	default:
		prefix, field, ok := strings.Cut(key, ".")
		if !ok {
			return fmt.Errorf("unknown key")
		}
		var sc *StoreConfig
		switch prefix {
		case "permanent":
			sc = &c.Permanent
		case "temporary":
			sc = &c.Temporary
		default:
			return fmt.Errorf("unknown key")
		}
		return sc.set(field, v)
	}
	return nil
}

func (s *StoreConfig) set(field, v string) error {
	switch field {
	case "fileName":
		s.FileName = v
	case "directory":
		s.Directory = v
	case "minSize":
		return setInt(&s.MinSize, v)
	case "maxSize":
		return setInt(&s.MaxSize, v)
	case "unlimited":
		return setBool(&s.Unlimited, v)
	case "cacheSize":
		return setInt(&s.CacheSize, v)
	default:
		return fmt.Errorf("unknown key")
	}
	return nil
}

func setMillis(d *time.Duration, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*d = time.Duration(n) * time.Millisecond
	return nil
}

func setInt(p *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*p = n
	return nil
}

func setBool(p *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*p = b
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.EngineUUID == "" {
		return fmt.Errorf("%w: engine.uuid is required", ErrInvalidConfig)
	}
	if _, err := uuid.Parse(c.EngineUUID); err != nil {
		return fmt.Errorf("%w: engine.uuid: %w", ErrInvalidConfig, err)
	}
	switch c.Backend {
	case BackendFile, BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Backend)
	}
	switch c.Compression {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown store.compression %q", ErrInvalidConfig, c.Compression)
	}
	if c.RetryTimeLimit < 0 || c.RetryWaitInterval <= 0 {
		return fmt.Errorf("%w: retry limits must be positive", ErrInvalidConfig)
	}
	if c.Backend != BackendMemory && c.LogFileName == "" {
		return fmt.Errorf("%w: log.fileName is required", ErrInvalidConfig)
	}
	for _, s := range []struct {
		name string
		sc   StoreConfig
	}{{"permanent", c.Permanent}, {"temporary", c.Temporary}} {
		if s.sc.MinSize < 0 || s.sc.MaxSize < 0 || s.sc.CacheSize < 0 {
			return fmt.Errorf("%w: %s sizes must not be negative", ErrInvalidConfig, s.name)
		}
	}
	if c.LogSize < 0 {
		return fmt.Errorf("%w: log.size must not be negative", ErrInvalidConfig)
	}
	return nil
}

// durableConfig returns the store locations. Sizes are left to the
// reconciliation that runs after the store is open.
func (c Config) durableConfig() durable.Config {
	dir := func(d string) string {
		if d == "" {
			return c.LogDirectory
		}
		return d
	}
	return durable.Config{
		LogDirectory:       c.LogDirectory,
		LogFileName:        c.LogFileName,
		PermanentDirectory: dir(c.Permanent.Directory),
		PermanentFileName:  c.Permanent.FileName,
		TemporaryDirectory: dir(c.Temporary.Directory),
		TemporaryFileName:  c.Temporary.FileName,
		PermanentCacheSize: c.Permanent.CacheSize,
		TemporaryCacheSize: c.Temporary.CacheSize,
		CleanStart:         c.CleanStart,
	}
}

// requestedSizes returns the sizes the configuration asks for.
func (c Config) requestedSizes() durable.Sizes {
	return durable.Sizes{
		LogSize:   c.LogSize,
		Permanent: durable.StoreSize{Min: c.Permanent.MinSize, Max: c.Permanent.MaxSize, Unlimited: c.Permanent.Unlimited},
		Temporary: durable.StoreSize{Min: c.Temporary.MinSize, Max: c.Temporary.MaxSize, Unlimited: c.Temporary.Unlimited},
	}
}

// LogPath returns the full path of the log file.
func (c Config) LogPath() string {
	return filepath.Join(c.LogDirectory, c.LogFileName)
}

// LoadConfig reads a YAML file on top of DefaultConfig. Nested mappings are
// flattened into dotted keys, so
//
//	permanent:
//	  maxSize: 1073741824
//
// sets "permanent.maxSize".
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	values := make(map[string]string)
	flatten("", doc, values)
	cfg := DefaultConfig()
	if err := cfg.Apply(values); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func flatten(prefix string, doc map[string]any, out map[string]string) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]any:
			flatten(key, tv, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(tv)
		}
	}
}
