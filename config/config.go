// Package config loads runtime configuration from TOML files.
//
// A file looks like:
//
//	[arena]
//	chunk-size = 65536
//	code-chunk-size = 65536
//
//	[unload]
//	variant = "refcounted"
//	debug-retain = true
//
//	[lockorder]
//	check = true
//
//	[log]
//	level = "debug"
//	development = true
//
//	[postmortem]
//	dir = "/var/lib/alcrun/postmortem"
//
//	[wasm]
//	memory-limit-pages = 256
//
// Every key is optional. Missing values take the defaults from Default.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/arena"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/memmgr"
	"github.com/wippyai/loadctx/wasmloader"
)

// Config is the file configuration.
type Config struct {
	Arena      Arena      `toml:"arena"`
	Unload     Unload     `toml:"unload"`
	LockOrder  LockOrder  `toml:"lockorder"`
	Log        Log        `toml:"log"`
	Postmortem Postmortem `toml:"postmortem"`
	Wasm       Wasm       `toml:"wasm"`
}

// Arena sizes the memory manager arenas.
type Arena struct {
	ChunkSize     int `toml:"chunk-size"`
	CodeChunkSize int `toml:"code-chunk-size"`
}

// Unload selects the unload protocol.
type Unload struct {
	Variant     string `toml:"variant"`
	DebugRetain bool   `toml:"debug-retain"`
}

// LockOrder controls lock hierarchy checking.
type LockOrder struct {
	Check bool `toml:"check"`
}

// Log configures the process logger.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Postmortem configures retained teardown records. An empty Dir disables
// them.
type Postmortem struct {
	Dir string `toml:"dir"`
}

// Wasm configures the module loader.
type Wasm struct {
	MemoryLimitPages uint32 `toml:"memory-limit-pages"`
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseConfig, "read "+path, err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(undecoded[0].String()).
			Detail("unknown key %q", undecoded[0].String()).
			Build()
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Arena.ChunkSize == 0 {
		c.Arena.ChunkSize = arena.DefaultChunkSize
	}
	if c.Arena.CodeChunkSize == 0 {
		c.Arena.CodeChunkSize = arena.DefaultCodeChunkSize
	}
	if c.Unload.Variant == "" {
		c.Unload.Variant = alc.VariantDirect.String()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Arena.ChunkSize < 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(c.Arena.ChunkSize).
			Detail("arena.chunk-size must not be negative").
			Build()
	}
	if c.Arena.CodeChunkSize < 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(c.Arena.CodeChunkSize).
			Detail("arena.code-chunk-size must not be negative").
			Build()
	}
	if _, err := alc.ParseUnloadVariant(c.Unload.Variant); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log.level")
	}
	if c.Wasm.MemoryLimitPages > 65536 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(c.Wasm.MemoryLimitPages).
			Detail("wasm.memory-limit-pages exceeds 65536").
			Build()
	}
	return nil
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log.level")
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// DomainConfig returns the domain settings. The postmortem recorder is left
// for the caller to attach.
func (c *Config) DomainConfig() *alc.Config {
	variant, _ := alc.ParseUnloadVariant(c.Unload.Variant)
	return &alc.Config{
		Variant:     variant,
		DebugUnload: c.Unload.DebugRetain,
		Memory: &memmgr.Config{
			ChunkSize:     c.Arena.ChunkSize,
			CodeChunkSize: c.Arena.CodeChunkSize,
		},
	}
}

// LoaderConfig returns the module loader settings.
func (c *Config) LoaderConfig() *wasmloader.Config {
	return &wasmloader.Config{MemoryLimitPages: c.Wasm.MemoryLimitPages}
}
