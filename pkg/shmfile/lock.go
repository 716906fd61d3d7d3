package shmfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when the lock is already held by
// another process, or by LockWithTimeout when the timeout expires.
var ErrWouldBlock = errors.New("shmfile: lock would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock; callers retry.
var errInodeMismatch = errors.New("shmfile: lock file inode mismatch")

// Locker provides advisory file locking via flock(2), used to enforce the
// single-writer constraint the synchronization engine itself does not
// enforce (spec: "at most one writer process is supported... the library
// does not enforce it; prevented by the deployment, e.g. an external
// lockfile"). flock locks an inode, not a pathname, so Locker verifies the
// lock file wasn't replaced out from under it.
type Locker struct {
	fs FS
}

// NewLocker creates a Locker backed by fs.
func NewLocker(fs FS) *Locker { return &Locker{fs: fs} }

// Lock represents a held advisory lock. Call Close to release it.
type Lock struct {
	mu   sync.Mutex
	file File
}

// Close releases the lock and closes the underlying descriptor. Idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())
	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// TryLock attempts to acquire an exclusive lock on path without blocking.
// Returns ErrWouldBlock if another process already holds it. The lock file
// and its parent directories are created if missing.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, 0)
}

// LockWithTimeout retries with bounded backoff (1ms..25ms) until the lock is
// acquired or timeout elapses, at which point it returns ErrWouldBlock.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("shmfile: timeout must be > 0")
	}

	return l.lockPolling(path, timeout)
}

func (l *Locker) lockPolling(path string, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		f, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		err = l.acquire(f, path)
		if err == nil {
			return &Lock{file: f}, nil
		}

		_ = f.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

func (l *Locker) acquire(f File, path string) error {
	fd := int(f.Fd())

	if err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, f)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying lock file identity: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath guards against the lock file being replaced (rename,
// delete+recreate) between open and flock: flock locks the inode we opened,
// not the pathname, so a replaced file would let two callers both believe
// they hold "the" lock on different inodes.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	var openStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &openStat); err != nil {
		return false, fmt.Errorf("fstat open fd: %w", err)
	}

	var pathStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		return false, fmt.Errorf("stat path: %w", err)
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}

// flockRetryEINTR retries flock on EINTR, which signals can cause.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
