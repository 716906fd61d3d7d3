package syncshm

import (
	"os"
	"time"

	"github.com/go-kit/log"

	"github.com/shmsync/shmsync/pkg/shmfile"
)

// WritebackMode controls whether Write msyncs touched pages before
// returning. See the supplemented-features note on WritebackSync.
type WritebackMode uint8

const (
	// WritebackNone returns from Write as soon as the version store is
	// visible to other threads/processes in the normal cached sense; no
	// explicit msync is issued.
	WritebackNone WritebackMode = iota

	// WritebackSync msyncs the touched data buffer pages and the state
	// cell page before Write returns, narrowing (not eliminating) the
	// window described in the data model's non-clean-termination open
	// question.
	WritebackSync
)

// Config holds the options recognized by [Open]. Only PathPrefix is
// required; the zero value of everything else is replaced by
// [Config.withDefaults] with the documented defaults.
type Config struct {
	// PathPrefix is the shared prefix P; files are created at
	// P_state, P_data_0, P_data_1.
	PathPrefix string

	// StateFilePermissions are the permission bits for P_state.
	// Zero means 0660 (readers can read, writer can write).
	StateFilePermissions os.FileMode

	// DataFilePermissions are the permission bits for P_data_0/P_data_1.
	// Zero means 0640.
	DataFilePermissions os.FileMode

	// DefaultGrace is the grace_duration used by Write and WriteRaw when
	// the caller passes a grace <= 0. Zero means 50ms.
	DefaultGrace time.Duration

	// DisableLocking skips acquiring the advisory single-writer lockfile,
	// which is otherwise taken on the first Write or WriteRaw. Off by default: the deployment is expected to prevent
	// multi-writer use, and the lockfile is a free way to get that.
	DisableLocking bool

	// Writeback controls whether Write msyncs before returning.
	Writeback WritebackMode

	// Logger receives infrequent diagnostic events (grace override,
	// checksum mismatch). Defaults to a no-op logger;
	// never invoked on the read hot path.
	Logger log.Logger

	// FS overrides the filesystem implementation backing the mapped file
	// store. Defaults to [shmfile.Real]. Tests substitute
	// [shmfile.Chaos] to exercise IO error paths.
	FS shmfile.FS
}

const (
	defaultStateFilePerm = os.FileMode(0o660)
	defaultDataFilePerm  = os.FileMode(0o640)
	defaultGrace         = 50 * time.Millisecond
)

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// their documented defaults.
func (cfg Config) withDefaults() Config {
	if cfg.StateFilePermissions == 0 {
		cfg.StateFilePermissions = defaultStateFilePerm
	}

	if cfg.DataFilePermissions == 0 {
		cfg.DataFilePermissions = defaultDataFilePerm
	}

	if cfg.DefaultGrace == 0 {
		cfg.DefaultGrace = defaultGrace
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	if cfg.FS == nil {
		cfg.FS = shmfile.NewReal()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.PathPrefix == "" {
		return errConfigMissingPathPrefix
	}

	return nil
}
