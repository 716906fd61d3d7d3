package syncshm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/shmsync/shmsync/pkg/shmfile"
)

// FileConfig is the on-disk, JSON-with-comments mirror of the fields of
// [Config] that make sense to persist (Logger and FS are runtime-only and
// have no file representation). It is entirely optional: [Open] never
// reads one itself, and neither do the CLI tools in cmd/; library callers
// pass a [Config] literal. It is for callers that want to boot from a
// checked-in file, accepting human-edited JSON with // comments and
// trailing commas via hujson.
type FileConfig struct {
	PathPrefix           string `json:"path_prefix"`
	StateFilePermissions uint32 `json:"state_file_permissions,omitempty"`
	DataFilePermissions  uint32 `json:"data_file_permissions,omitempty"`
	DefaultGraceMillis   int64  `json:"default_grace_millis,omitempty"`
	DisableLocking       bool   `json:"disable_locking,omitempty"`
	Writeback            string `json:"writeback,omitempty"` // "none" | "sync"
}

// ToConfig converts fc into a Config, leaving Logger and FS at their zero
// values (callers apply those separately; withDefaults fills them in if
// still unset).
func (fc FileConfig) ToConfig() (Config, error) {
	mode, err := parseWritebackMode(fc.Writeback)
	if err != nil {
		return Config{}, err
	}

	return Config{
		PathPrefix:           fc.PathPrefix,
		StateFilePermissions: os.FileMode(fc.StateFilePermissions),
		DataFilePermissions:  os.FileMode(fc.DataFilePermissions),
		DefaultGrace:         time.Duration(fc.DefaultGraceMillis) * time.Millisecond,
		DisableLocking:       fc.DisableLocking,
		Writeback:            mode,
	}, nil
}

func parseWritebackMode(s string) (WritebackMode, error) {
	switch s {
	case "", "none":
		return WritebackNone, nil
	case "sync":
		return WritebackSync, nil
	default:
		return 0, fmt.Errorf("syncshm: config: unknown writeback mode %q", s)
	}
}

// fileConfigFromConfig is the inverse of ToConfig, used by WriteConfigFile.
func fileConfigFromConfig(cfg Config) FileConfig {
	wb := "none"
	if cfg.Writeback == WritebackSync {
		wb = "sync"
	}

	return FileConfig{
		PathPrefix:           cfg.PathPrefix,
		StateFilePermissions: uint32(cfg.StateFilePermissions),
		DataFilePermissions:  uint32(cfg.DataFilePermissions),
		DefaultGraceMillis:   cfg.DefaultGrace.Milliseconds(),
		DisableLocking:       cfg.DisableLocking,
		Writeback:            wb,
	}
}

// LoadConfigFile reads and parses a FileConfig from path, tolerating
// JavaScript-style comments and trailing commas (hujson.Standardize)
// before handing the result to encoding/json.
func LoadConfigFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("%w: reading config file: %w", ErrIO, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("syncshm: config: %s: %w", path, err)
	}

	var fc FileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("syncshm: config: %s: %w", path, err)
	}

	return fc, nil
}

// WriteConfigFile atomically writes cfg's file-representable fields to
// path as indented JSON.
func WriteConfigFile(path string, cfg Config) error {
	fc := fileConfigFromConfig(cfg)

	encoded, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("syncshm: config: encoding: %w", err)
	}

	encoded = append(encoded, '\n')

	writer := shmfile.NewAtomicWriter()
	if err := writer.WriteWithDefaults(path, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("%w: writing config file: %w", ErrIO, err)
	}

	return nil
}
