package syncshm

import (
	"sync/atomic"
	"unsafe"
)

// stateCell is the 16-byte shared region backing one synchronizer:
//
//	offset 0..8   instance version, atomic u64 (little-endian on disk)
//	offset 8..12  reader counter for buffer 0, atomic u32
//	offset 12..16 reader counter for buffer 1, atomic u32
//
// It is a thin view over bytes owned by the mapped file store (mmap'd
// shared memory, or a plain heap slice in tests); stateCell itself performs
// no I/O. All accesses go through sync/atomic over unsafe.Pointer casts of
// the backing slice.
type stateCell struct {
	raw []byte // len == stateCellSize, shared across processes via mmap
}

const stateCellSize = 16

func newStateCell(raw []byte) *stateCell {
	if len(raw) < stateCellSize {
		panic("syncshm: state cell buffer smaller than 16 bytes")
	}

	return &stateCell{raw: raw[:stateCellSize]}
}

func (c *stateCell) versionPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.raw[0]))
}

func (c *stateCell) counterPtr(idx uint8) *uint32 {
	off := 8 + int(idx&1)*4

	return (*uint32)(unsafe.Pointer(&c.raw[off]))
}

// loadVersion is an acquire-ordered load of the instance version.
func (c *stateCell) loadVersion() instanceVersion {
	return instanceVersion(atomic.LoadUint64(c.versionPtr()))
}

// storeVersion is a release-ordered store of a new instance version.
//
// Go's sync/atomic does not expose separate acquire/release intrinsics on
// amd64/arm64; Load/Store already compile to instructions at least as
// strong as acquire/release (and on amd64, as strong as sequential
// consistency for ordinary stores/loads). This is the ordering contract the
// data model requires and no more.
func (c *stateCell) storeVersion(v instanceVersion) {
	atomic.StoreUint64(c.versionPtr(), uint64(v))
}

// acquireReader atomically increments the reader counter for idx and
// returns the prior value.
func (c *stateCell) acquireReader(idx uint8) uint32 {
	return atomic.AddUint32(c.counterPtr(idx), 1) - 1
}

// releaseReader atomically decrements the reader counter for idx.
func (c *stateCell) releaseReader(idx uint8) {
	atomic.AddUint32(c.counterPtr(idx), ^uint32(0))
}

// readerCount is a relaxed load, used only for grace-period checks and
// tests, never for read-path correctness: a reader must always re-verify
// the version word after incrementing its counter, not trust a count it
// observed before acquiring.
func (c *stateCell) readerCount(idx uint8) uint32 {
	return atomic.LoadUint32(c.counterPtr(idx))
}

// resetReaderCount forcibly zeros a reader counter. Used only by the grace-
// period override path in the writer; this is the documented data race the
// design notes accept as the cost of bounding writer liveness.
func (c *stateCell) resetReaderCount(idx uint8) {
	atomic.StoreUint32(c.counterPtr(idx), 0)
}
