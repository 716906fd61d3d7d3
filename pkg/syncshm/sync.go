// Package syncshm implements the core synchronization engine of a
// shared-memory inter-process data-distribution library: a single writer
// publishes a typed value into shared memory and an arbitrary number of
// readers access the latest committed value in place, without copying and
// without ever blocking on the writer or on each other.
//
// The engine is a wait-free double-buffered publication protocol
// (Left-Right/RCU-style) built on a single 64-bit version word per path
// prefix, with grace-period reclamation and zero-copy reader views pinned
// to a reader counter. See [Open], [Synchronizer.Write] and
// [Synchronizer.Read].
//
// Non-goals: multi-writer coordination, cross-host transport, access
// control beyond file permissions, durability after crash, schema
// evolution, fairness between readers. These are unenforced by design; see
// doc.go for the documented caveat about non-clean writer termination.
package syncshm

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"

	"github.com/shmsync/shmsync/pkg/shmfile"
)

// Synchronizer is the public façade: it owns the state cell, the mapped
// file store, and an [Archiver] for T, and implements the write/read
// protocol described by the component design.
//
// A Synchronizer is safe for concurrent use by multiple reader goroutines.
// Concurrent Write calls from multiple goroutines in the same process are
// serialized internally, but the engine still assumes at most one writer
// *process* system-wide; see [Config.DisableLocking].
type Synchronizer[T any] struct {
	cfg      Config
	archiver Archiver[T]

	store *mappedFileStore
	cell  *stateCell

	identity fileIdentity

	writeMu        sync.Mutex
	writerLockOnce sync.Once
	writerLock     *shmfile.Lock
	writerLockErr  error

	closeOnce sync.Once
	closed    bool
	closeMu   sync.Mutex
}

// Open constructs a Synchronizer rooted at cfg.PathPrefix, creating
// P_state/P_data_0/P_data_1 if they don't already exist. This is the
// external interface's `new(path_prefix) -> Synchronizer`, generalized
// over the value type T and an explicit [Archiver].
//
// Opening a second Synchronizer for the same path prefix within this
// process returns [ErrAlreadyOpen]: multiple handles would each maintain
// their own in-memory file mapping and would corrupt each other's view of
// reader-counter state. Opening from a different OS process is the normal
// case and always permitted by the engine itself (see [Config.DisableLocking]
// for the writer-exclusion lockfile).
func Open[T any](cfg Config, archiver Archiver[T]) (*Synchronizer[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, err := openMappedFileStore(cfg.FS, cfg.PathPrefix, cfg.StateFilePermissions, cfg.DataFilePermissions)
	if err != nil {
		return nil, err
	}

	id, err := identityOf(int(store.stateFile.Fd()))
	if err != nil {
		_ = store.close()

		return nil, err
	}

	if err := registerOpen(id); err != nil {
		_ = store.close()

		return nil, err
	}

	return &Synchronizer[T]{
		cfg:      cfg,
		archiver: archiver,
		store:    store,
		cell:     newStateCell(store.stateMap),
		identity: id,
	}, nil
}

// Close releases the mapped files and the writer lock (if held). After
// Close, all methods return ErrClosed.
func (s *Synchronizer[T]) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()

		if s.writerLock != nil {
			_ = s.writerLock.Close()
		}

		releaseOpen(s.identity)

		err = s.store.close()
	})

	return err
}

func (s *Synchronizer[T]) checkOpen() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// ensureWriterLock lazily acquires the advisory cross-process writer lock
// the first time this Synchronizer is used to write. Readers never touch
// the lock, mirroring the asymmetry in the concurrency model: only writers
// need to be excluded from each other.
func (s *Synchronizer[T]) ensureWriterLock() error {
	if s.cfg.DisableLocking {
		return nil
	}

	s.writerLockOnce.Do(func() {
		lk, err := acquireWriterLock(s.cfg.FS, s.cfg.PathPrefix)
		if err != nil {
			s.writerLockErr = err

			return
		}

		s.writerLock = lk
	})

	return s.writerLockErr
}

// WriteResult is the outcome of a successful Write/WriteRaw call.
type WriteResult struct {
	// BytesWritten is the serialized payload length.
	BytesWritten int
	// WasReset is true if the grace period expired and the writer forced
	// the target buffer's reader counter to zero rather than waiting
	// indefinitely for stragglers.
	WasReset bool
}

// Write serializes value via the configured Archiver and publishes it,
// waiting up to grace for readers to drain the target buffer before
// reusing it. grace <= 0 uses Config.DefaultGrace.
//
// This implements the component design's write operation end to end:
// serialize, select target index, grace-period wait (with override on
// timeout), grow-if-needed, copy, checksum, release-store the new version.
func (s *Synchronizer[T]) Write(value T, grace time.Duration) (WriteResult, error) {
	if err := s.checkOpen(); err != nil {
		return WriteResult{}, err
	}

	payload, err := s.archiver.Serialize(value)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}

	return s.writeBytes(payload, grace)
}

// WriteRaw publishes bytes directly, bypassing Archiver.Serialize. Useful
// when the caller already has a self-describing byte image (for example
// one produced out of process).
func (s *Synchronizer[T]) WriteRaw(payload []byte, grace time.Duration) (WriteResult, error) {
	if err := s.checkOpen(); err != nil {
		return WriteResult{}, err
	}

	return s.writeBytes(payload, grace)
}

func (s *Synchronizer[T]) writeBytes(payload []byte, grace time.Duration) (WriteResult, error) {
	if uint64(len(payload)) > maxPayloadLen {
		return WriteResult{}, fmt.Errorf("%w: %d bytes exceeds %d byte ceiling", ErrBufferTooSmall, len(payload), maxPayloadLen)
	}

	if grace <= 0 {
		grace = s.cfg.DefaultGrace
	}

	if err := s.ensureWriterLock(); err != nil {
		return WriteResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.cell.loadVersion()
	activeIdx, _, _, initialized := decodeVersion(current)

	var target uint8
	if initialized {
		target = 1 - (activeIdx & 1)
	} else {
		target = 0
	}

	wasReset := s.waitForGrace(target, grace)

	if err := s.store.ensureCapacity(target, uint64(len(payload))); err != nil {
		return WriteResult{}, err
	}

	dst := s.store.writableBuffer(target)
	if len(dst) < len(payload) {
		return WriteResult{}, fmt.Errorf("%w: mapped buffer %d shorter than payload after grow", ErrIO, target)
	}

	copy(dst, payload)

	if s.cfg.Writeback == WritebackSync {
		if err := s.store.msyncData(target); err != nil {
			return WriteResult{}, err
		}
	}

	checksum := checksumOf(payload)
	newVersion := encodeVersion(target, uint64(len(payload)), checksum)
	s.cell.storeVersion(newVersion)

	if s.cfg.Writeback == WritebackSync {
		if err := s.store.msyncState(); err != nil {
			return WriteResult{}, err
		}
	}

	return WriteResult{BytesWritten: len(payload), WasReset: wasReset}, nil
}

// waitForGrace spins with bounded backoff until buffer target's reader
// count drains to zero or grace elapses, at which point it forces the
// counter to zero and returns true. This is the grace-period override the
// design notes call a deliberate, documented data race: readers still
// holding a view into target remain memory-safe (the mapping stays valid)
// but their bytes may be overwritten out from under them.
func (s *Synchronizer[T]) waitForGrace(target uint8, grace time.Duration) bool {
	if s.cell.readerCount(target) == 0 {
		return false
	}

	deadline := time.Now().Add(grace)

	for s.cell.readerCount(target) != 0 {
		if time.Now().After(deadline) {
			s.cell.resetReaderCount(target)
			level.Warn(s.cfg.Logger).Log(
				"msg", "grace period exceeded, forcing reader counter reset",
				"buffer", target, "grace", grace)

			return true
		}

		time.Sleep(graceBackoff)
	}

	return false
}

// ReadResult bundles a borrowed view with the reader-counter guard that
// must be released when the caller is done with Value. The view is only
// valid between a successful Read call and the matching Release.
type ReadResult[T any] struct {
	Value T

	release  func()
	released bool
	mu       sync.Mutex
}

// Release decrements the pinned reader counter. Idempotent; safe to call
// multiple times. The counter lives in the shared state file, so a result
// that is never released (including on process exit) leaves it incremented
// until a writer's grace period for that buffer expires and resets it.
func (r *ReadResult[T]) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return
	}

	r.released = true
	r.release()
}

// Read borrows the latest published value. validate controls whether the
// checksum and Archiver.Validate run (true) or whether the faster,
// unchecked Archiver.Access path is used (false) — the data model's
// read<validate: bool>() knob, exposed here as a parameter since Go has no
// const-generic bool.
//
// Read never blocks; its only loop is the bounded version-changed retry
// (at most one retry under a well-behaved writer, bounded further against
// a pathological one — see ErrBusy).
func (s *Synchronizer[T]) Read(validate bool) (*ReadResult[T], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= readMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readBackoff(attempt))
		}

		result, retry, err := s.tryRead(validate)
		if err != nil {
			return nil, err
		}

		if !retry {
			return result, nil
		}
	}

	return nil, ErrBusy
}

// tryRead attempts a single pass of the read protocol. retry is true only
// for the internally-recovered version-changed race (data model step 4);
// any other failure is returned as a real error.
func (s *Synchronizer[T]) tryRead(validate bool) (result *ReadResult[T], retry bool, err error) {
	v1 := s.cell.loadVersion()

	idx, length, checksum, ok := decodeVersion(v1)
	if !ok {
		return nil, false, ErrUninitialized
	}

	s.cell.acquireReader(idx)

	v2 := s.cell.loadVersion()
	if v2 != v1 {
		s.cell.releaseReader(idx)

		return nil, true, nil
	}

	released := false
	release := func() {
		if released {
			return
		}

		released = true
		s.cell.releaseReader(idx)
	}

	buf, err := s.store.readableBuffer(idx)
	if err != nil {
		release()

		return nil, false, err
	}

	if uint64(len(buf)) < length {
		release()

		return nil, false, fmt.Errorf("%w: mapped buffer %d shorter than published length", ErrIO, idx)
	}

	payload := buf[:length]

	if validate {
		actual := checksumOf(payload)
		if actual != checksum {
			release()
			level.Warn(s.cfg.Logger).Log("msg", "checksum mismatch on read", "buffer", idx)

			return nil, false, ErrChecksumMismatch
		}
	}

	value, verr := s.validateOrAccess(validate, payload)
	if verr != nil {
		release()

		return nil, false, fmt.Errorf("%w: %w", ErrValidationFailed, verr)
	}

	return &ReadResult[T]{Value: value, release: release}, false, nil
}

func (s *Synchronizer[T]) validateOrAccess(validate bool, payload []byte) (T, error) {
	if validate {
		return s.archiver.Validate(payload)
	}

	return s.archiver.Access(payload)
}
