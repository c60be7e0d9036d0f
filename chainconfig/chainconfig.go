// Package chainconfig is the process-wide configuration surface: the data
// directory, the cache watermarks C4 enforces, the dirty-node slab bound
// C3 enforces, log level and the record_tx_address runtime option C7
// reads. Loaded from TOML, the same format and library go-ethereum's
// cmd/geth uses for its own node config.
package chainconfig

import (
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/dagchain/corestore/common"
)

// Config is the full set of process knobs spec.md's components take at
// construction time.
type Config struct {
	// DataDir is the badger directory storage.Engine opens.
	DataDir string

	// LogLevel is passed straight to telemetry.New ("debug", "info",
	// "warn", "error").
	LogLevel string

	// CacheLowWatermarkBytes and CacheHighWatermarkBytes bound the
	// shared cache.Manager (spec.md §4.4): garbage collection is a
	// no-op below the high watermark and stops once size drops to the
	// low watermark.
	CacheLowWatermarkBytes  uint64
	CacheHighWatermarkBytes uint64

	// MaxDirtyNodeSlots bounds the in-memory dirty-node slab (C3). Zero
	// means unbounded.
	MaxDirtyNodeSlots uint32

	// RecordTxAddress mirrors the runtime option blockdata.Manager
	// takes: whether to index successful transactions by address at
	// all (spec.md §4.7).
	RecordTxAddress bool
}

// Default returns the configuration a fresh node starts from absent a
// config file: a generous cache window and tx-address indexing off.
func Default() *Config {
	return &Config{
		DataDir:                 "./data",
		LogLevel:                "info",
		CacheLowWatermarkBytes:  256 << 20,
		CacheHighWatermarkBytes: 512 << 20,
		MaxDirtyNodeSlots:       0,
		RecordTxAddress:         false,
	}
}

// tomlSettings matches the field-name/key mapping geth's cmd/utils config
// loader uses: struct field names pass through unchanged as toml keys,
// case-sensitively, rather than naoina/toml's default snake_case folding.
var tomlSettings = toml.Config{
	NormFieldName: func(_ reflect.Type, key string) string { return key },
	FieldToKey:    func(_ reflect.Type, field string) string { return field },
}

// LoadFile reads a TOML config at path over top of Default(), the same
// layering geth's loadConfig applies to its own gethConfig.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, common.WrapStorageCorrupt(err, "chainconfig: cannot open %s", path)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return nil, common.WrapStorageCorrupt(err, "chainconfig: malformed toml in %s", path)
	}
	return cfg, nil
}
