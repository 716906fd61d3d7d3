package syncshm

import "time"

// Bounded retry parameters for the reader's version-changed race (data
// model §4.E step 4) against a writer that publishes unusually fast.
// Under a well-behaved writer the race resolves on the first retry; these
// bounds only exist to turn "retry forever" into ErrBusy against a
// pathological one, per the supplemented-features note on bounded read
// retry.
const (
	readMaxRetries     = 10
	readInitialBackoff = 50 * time.Microsecond
	readMaxBackoff     = 1 * time.Millisecond
)

// readBackoff returns how long Read sleeps before pass number attempt.
// Attempt 0 is the initial pass and returns 0; the first retry (attempt 1)
// sleeps readInitialBackoff, doubling per retry up to readMaxBackoff.
func readBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := readInitialBackoff << uint(attempt-1)
	if backoff > readMaxBackoff || backoff <= 0 {
		return readMaxBackoff
	}

	return backoff
}

// graceBackoff is the spin interval the writer polls a draining reader
// counter at while waiting out a grace period. Deliberately shorter than
// the read-retry backoff: the writer is blocking a caller, not racing a
// concurrent publish.
const graceBackoff = 20 * time.Microsecond
