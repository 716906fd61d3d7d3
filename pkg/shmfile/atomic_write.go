package shmfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// ErrAtomicWriteDirSync is returned when the containing directory could not
// be fsynced after an atomic write. The write itself already succeeded
// (natefinch/atomic writes to a sibling temp file and renames it into
// place); only the directory entry's durability is in question.
var ErrAtomicWriteDirSync = errors.New("shmfile: fsync directory after atomic write")

// AtomicWriteOptions controls [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir additionally fsyncs the containing directory after rename,
	// so the new directory entry survives a crash immediately after Write
	// returns. Best-effort: some filesystems don't support fsync on
	// directories, in which case the error is wrapped in
	// [ErrAtomicWriteDirSync] rather than failing the write.
	SyncDir bool
}

// DefaultOptions returns the recommended atomic write options.
func DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true}
}

// AtomicWriter replaces a file's contents without a reader ever observing a
// partially written file, using natefinch/atomic's temp-file-plus-rename
// under the hood.
//
// This is explicitly not how the synchronization engine itself publishes
// data (the engine uses in-place atomic stores into an mmap'd region, see
// [github.com/shmsync/shmsync/pkg/syncshm]) — it is the mechanism used for
// the ambient sidecar config file, where full-file replacement is cheap and
// readers are occasional CLI invocations rather than pinned mmap readers.
type AtomicWriter struct{}

// NewAtomicWriter creates an AtomicWriter.
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{}
}

// Write atomically replaces the file at path with the contents of reader.
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if err := atomic.WriteFile(path, reader); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	if opts.SyncDir {
		if err := w.fsyncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("%w: %w", ErrAtomicWriteDirSync, err)
		}
	}

	return nil
}

// WriteWithDefaults calls Write with [DefaultOptions].
func (w *AtomicWriter) WriteWithDefaults(path string, reader io.Reader) error {
	return w.Write(path, reader, DefaultOptions())
}

func (w *AtomicWriter) fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Sync()
}
