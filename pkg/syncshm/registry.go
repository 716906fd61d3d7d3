package syncshm

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/shmsync/shmsync/pkg/shmfile"
)

// fileIdentity uniquely identifies a state file by device and inode, used
// to detect two Synchronizers in this process accidentally opening the
// same path prefix (they would otherwise corrupt each other's in-memory
// bookkeeping even though the underlying seqlock protocol is
// cross-process safe).
type fileIdentity struct {
	dev uint64
	ino uint64
}

func identityOf(fd int) (fileIdentity, error) {
	var stat unix.Stat_t

	if err := unix.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("%w: fstat: %w", ErrIO, err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}

// openPrefixes tracks path prefixes with a live Synchronizer in this
// process, keyed by the state file's identity.
var openPrefixes sync.Map // map[fileIdentity]struct{}

func registerOpen(id fileIdentity) error {
	if _, loaded := openPrefixes.LoadOrStore(id, struct{}{}); loaded {
		return ErrAlreadyOpen
	}

	return nil
}

func releaseOpen(id fileIdentity) {
	openPrefixes.Delete(id)
}

// acquireWriterLock takes the advisory cross-process lock at
// pathPrefix+"_state.lock". Returns ErrBusy if another process already
// holds it.
func acquireWriterLock(fsys shmfile.FS, pathPrefix string) (*shmfile.Lock, error) {
	locker := shmfile.NewLocker(fsys)

	lk, err := locker.TryLock(pathPrefix + "_state.lock")
	if err != nil {
		if errors.Is(err, shmfile.ErrWouldBlock) {
			return nil, ErrBusy
		}

		return nil, fmt.Errorf("%w: acquire writer lock: %w", ErrIO, err)
	}

	return lk, nil
}

// releaseWriterLock releases lk. Safe to call with nil. Does not delete the
// lock file: the file persists across writer restarts.
func releaseWriterLock(lk *shmfile.Lock) {
	if lk == nil {
		return
	}

	_ = lk.Close()
}
