package syncshm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/shmsync/shmsync/pkg/shmfile"
)

// mappedFileStore owns the three files behind a path prefix P: P_state,
// P_data_0, P_data_1. It memory-maps the state file once (its size never
// changes) and remaps a data file's region whenever that file grows.
//
// mmap/munmap/msync go through golang.org/x/sys/unix rather than raw
// syscall, the portable surface for the same calls this codebase already
// depends on elsewhere; file growth goes through [shmfile.File.Truncate].
type mappedFileStore struct {
	fsys shmfile.FS

	statePath string
	stateFile shmfile.File
	stateMap  []byte

	dataPath [2]string
	data     [2]mappedBuffer

	statePerm os.FileMode
	dataPerm  os.FileMode
}

// mappedBuffer's mapped/fileSize pair is mutated by ensureCapacity (the
// writer, growing its target buffer) and by readableBuffer (any reader
// goroutine, picking up growth another process performed). mu guards
// every read and write of those two fields so a remap's
// Munmap-then-Mmap swap is never observable half-done by a concurrent
// caller, and so two readers racing into the remap branch at once don't
// both Munmap the same mapping or hand back a freed slice.
type mappedBuffer struct {
	file shmfile.File

	mu       sync.RWMutex
	mapped   []byte
	fileSize int64
}

func openMappedFileStore(fsys shmfile.FS, pathPrefix string, statePerm, dataPerm os.FileMode) (*mappedFileStore, error) {
	s := &mappedFileStore{
		fsys:      fsys,
		statePath: pathPrefix + "_state",
		dataPath:  [2]string{pathPrefix + "_data_0", pathPrefix + "_data_1"},
		statePerm: statePerm,
		dataPerm:  dataPerm,
	}

	if err := s.mapState(); err != nil {
		return nil, err
	}

	for idx := range s.data {
		if err := s.openDataFile(uint8(idx)); err != nil {
			_ = s.close()

			return nil, err
		}
	}

	return s, nil
}

// mapState ensures the state file exists with length stateCellSize
// (zero-initialized on creation) and mmaps it read-write.
func (s *mappedFileStore) mapState() error {
	existed, err := s.fsys.Exists(s.statePath)
	if err != nil {
		return fmt.Errorf("%w: stat state file: %w", ErrIO, err)
	}

	f, err := s.fsys.OpenFile(s.statePath, os.O_RDWR|os.O_CREATE, s.statePerm)
	if err != nil {
		return fmt.Errorf("%w: open state file: %w", ErrIO, err)
	}

	if !existed {
		if err := f.Truncate(stateCellSize); err != nil {
			_ = f.Close()

			return fmt.Errorf("%w: truncate state file: %w", ErrIO, err)
		}

		if err := f.Sync(); err != nil {
			_ = f.Close()

			return fmt.Errorf("%w: sync new state file: %w", ErrIO, err)
		}
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, stateCellSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("%w: mmap state file: %w", ErrIO, err)
	}

	s.stateFile = f
	s.stateMap = mapped

	return nil
}

// openDataFile opens (creating if missing) and maps data file idx at its
// current size, which may be zero.
func (s *mappedFileStore) openDataFile(idx uint8) error {
	f, err := s.fsys.OpenFile(s.dataPath[idx], os.O_RDWR|os.O_CREATE, s.dataPerm)
	if err != nil {
		return fmt.Errorf("%w: open data file %d: %w", ErrIO, idx, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("%w: stat data file %d: %w", ErrIO, idx, err)
	}

	buf := &s.data[idx]
	buf.file = f
	buf.fileSize = info.Size()

	if info.Size() > 0 {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = f.Close()

			return fmt.Errorf("%w: mmap data file %d: %w", ErrIO, idx, err)
		}

		buf.mapped = mapped
	}

	return nil
}

// ensureCapacity grows data file idx to at least length bytes and remaps
// it if it grew. Never shrinks, per the data model's growth policy (this
// store uses the simplest allowed policy: truncate to exact length).
func (s *mappedFileStore) ensureCapacity(idx uint8, length uint64) error {
	buf := &s.data[idx]

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if uint64(buf.fileSize) >= length {
		return nil
	}

	if err := buf.file.Truncate(int64(length)); err != nil {
		return fmt.Errorf("%w: grow data file %d to %d bytes: %w", ErrIO, idx, length, err)
	}

	if buf.mapped != nil {
		if err := unix.Munmap(buf.mapped); err != nil {
			return fmt.Errorf("%w: unmap data file %d before regrow: %w", ErrIO, idx, err)
		}

		buf.mapped = nil
	}

	mapped, err := unix.Mmap(int(buf.file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap data file %d after grow: %w", ErrIO, idx, err)
	}

	buf.mapped = mapped
	buf.fileSize = int64(length)

	return nil
}

// writableBuffer returns an exclusive writable view into data file idx.
// Caller must have already called ensureCapacity for the length it intends
// to write.
func (s *mappedFileStore) writableBuffer(idx uint8) []byte {
	buf := &s.data[idx]

	buf.mu.RLock()
	defer buf.mu.RUnlock()

	return buf.mapped
}

// readableBuffer re-checks the on-disk size of data file idx (another
// process, or a concurrent writer goroutine, may have grown it since our
// last read) and remaps if needed, then returns a read view.
//
// The size check and the remap it may trigger run under buf.mu: a fast
// path takes an RLock to return the current mapping when no remap is
// needed, and only promotes to a full Lock (re-checking, since another
// reader may have already remapped while this goroutine was waiting) when
// the on-disk file has grown past what's currently mapped. This keeps two
// readers from both Munmap-ing the same mapping or handing back a freed
// slice when they observe growth at the same time.
func (s *mappedFileStore) readableBuffer(idx uint8) ([]byte, error) {
	buf := &s.data[idx]

	info, err := buf.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat data file %d: %w", ErrIO, idx, err)
	}

	buf.mu.RLock()
	if info.Size() <= buf.fileSize {
		mapped := buf.mapped
		buf.mu.RUnlock()

		return mapped, nil
	}
	buf.mu.RUnlock()

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if info.Size() <= buf.fileSize {
		return buf.mapped, nil
	}

	if buf.mapped != nil {
		if err := unix.Munmap(buf.mapped); err != nil {
			return nil, fmt.Errorf("%w: unmap data file %d for remap: %w", ErrIO, idx, err)
		}

		buf.mapped = nil
	}

	if info.Size() > 0 {
		mapped, err := unix.Mmap(int(buf.file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("%w: remap data file %d: %w", ErrIO, idx, err)
		}

		buf.mapped = mapped
	}

	buf.fileSize = info.Size()

	return buf.mapped, nil
}

// msyncState flushes the state cell's dirty page to the backing file.
// Used only in WritebackSync mode.
func (s *mappedFileStore) msyncState() error {
	if len(s.stateMap) == 0 {
		return nil
	}

	if err := unix.Msync(s.stateMap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync state file: %w", ErrIO, err)
	}

	return nil
}

// msyncData flushes data file idx's mapped pages to disk.
func (s *mappedFileStore) msyncData(idx uint8) error {
	buf := &s.data[idx]

	buf.mu.RLock()
	mapped := buf.mapped
	buf.mu.RUnlock()

	if len(mapped) == 0 {
		return nil
	}

	if err := unix.Msync(mapped, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync data file %d: %w", ErrIO, idx, err)
	}

	return nil
}

func (s *mappedFileStore) close() error {
	var firstErr error

	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.stateMap != nil {
		note(unix.Munmap(s.stateMap))
		s.stateMap = nil
	}

	if s.stateFile != nil {
		note(s.stateFile.Close())
	}

	for idx := range s.data {
		buf := &s.data[idx]

		if buf.mapped != nil {
			note(unix.Munmap(buf.mapped))
			buf.mapped = nil
		}

		if buf.file != nil {
			note(buf.file.Close())
		}
	}

	return firstErr
}
