package shmfile

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault-injection probabilities for [Chaos]. Each rate
// is in [0.0, 1.0]; the zero value disables injection for that operation.
type ChaosConfig struct {
	OpenFailRate   float64
	MkdirFailRate  float64
	StatFailRate   float64
	RenameFailRate float64
	SyncFailRate   float64
}

// Chaos wraps an [FS] and injects random failures, for exercising the
// mapped file store's IO error paths (spec error kind "IO") without a real
// faulty disk. It is a thin fault-injection shim, not a filesystem
// simulator: every call either passes through to the wrapped FS or returns
// an injected *fs.PathError.
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	rngMu  sync.Mutex
	config ChaosConfig

	faults atomic.Int64
}

// NewChaos wraps underlying with fault injection seeded for reproducibility.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: config,
	}
}

// Faults returns the number of faults injected so far.
func (c *Chaos) Faults() int64 { return c.faults.Load() }

func (c *Chaos) should(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.rngMu.Lock()
	v := c.rng.Float64()
	c.rngMu.Unlock()

	return v < rate
}

func (c *Chaos) inject(op, path string) error {
	c.faults.Add(1)

	return &fs.PathError{Op: op, Path: path, Err: syscall.EIO}
}

func (c *Chaos) Open(path string) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, c.inject("open", path)
	}

	return c.fs.Open(path)
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, c.inject("open", path)
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, chaos: c, path: path}, nil
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if c.should(c.config.MkdirFailRate) {
		return c.inject("mkdirall", path)
	}

	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if c.should(c.config.StatFailRate) {
		return nil, c.inject("stat", path)
	}

	return c.fs.Stat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	if c.should(c.config.StatFailRate) {
		return false, c.inject("stat", path)
	}

	return c.fs.Exists(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		return c.inject("rename", oldpath)
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) Remove(path string) error {
	return c.fs.Remove(path)
}

// chaosFile wraps an open [File] and injects Sync failures, the one
// file-handle fault the mapped file store actually checks for.
type chaosFile struct {
	File
	chaos *Chaos
	path  string
}

func (cf *chaosFile) Sync() error {
	if cf.chaos.should(cf.chaos.config.SyncFailRate) {
		return cf.chaos.inject("sync", cf.path)
	}

	return cf.File.Sync()
}

var _ FS = (*Chaos)(nil)
