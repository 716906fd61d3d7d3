package syncshm

import "errors"

// Error classification, matching the data model's error taxonomy.
//
// Callers MUST classify errors using errors.Is; wrapping with additional
// context via fmt.Errorf("...: %w", ...) is expected and does not break
// classification.
var (
	// ErrUninitialized: read attempted before any successful write.
	ErrUninitialized = errors.New("syncshm: uninitialized")

	// ErrIO: file open/create/truncate/mmap/rename failure.
	ErrIO = errors.New("syncshm: io")

	// ErrBufferTooSmall: serialized length exceeds the 39-bit ceiling.
	ErrBufferTooSmall = errors.New("syncshm: buffer too small for payload")

	// ErrChecksumMismatch: computed checksum does not match the
	// version-encoded checksum.
	ErrChecksumMismatch = errors.New("syncshm: checksum mismatch")

	// ErrValidationFailed: archiver rejected the byte image.
	ErrValidationFailed = errors.New("syncshm: validation failed")

	// ErrSerializationFailed: archiver failed to produce bytes.
	ErrSerializationFailed = errors.New("syncshm: serialization failed")

	// ErrBusy: a read exhausted its bounded retries against a writer that
	// kept publishing faster than the read could stabilize, or a write
	// found the advisory writer lockfile already held. Not part of
	// the data model's core taxonomy; see the supplemented-features note
	// on bounded read retry.
	ErrBusy = errors.New("syncshm: busy")

	// ErrAlreadyOpen: a second Synchronizer was opened in this process
	// against the same path prefix (same file identity). Two handles
	// would corrupt each other's reader-counter bookkeeping.
	ErrAlreadyOpen = errors.New("syncshm: path prefix already open in this process")

	// ErrClosed: operation attempted on a Synchronizer after Close.
	ErrClosed = errors.New("syncshm: closed")

	errConfigMissingPathPrefix = errors.New("syncshm: config: PathPrefix is required")
)
