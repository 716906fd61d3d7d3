package syncshm

// This file collects the design caveats that don't attach naturally to any
// single type; see the package doc comment in sync.go for the protocol
// overview.
//
// Non-clean writer termination. If the writer process is killed (SIGKILL,
// power loss, OOM) between storeVersion and the matching writeback, a
// reader may observe a version word whose checksum was computed over a
// payload that a crash-truncated write never fully reached disk (under
// WritebackNone this can also happen under ordinary cached writes that
// haven't reached the page cache's durable state yet — msync narrows this,
// it does not eliminate it, since the version store and the payload copy
// are still two separate stores). The checksum gate (ErrChecksumMismatch)
// catches a torn data buffer; it cannot catch a state cell that was itself
// torn mid-store, though a 64-bit aligned store is written atomically by
// the CPU on every platform this package targets. No component in this
// package attempts to recover a writer's in-flight write after a crash:
// the next writer to open the same path prefix simply continues
// publishing from whatever version word it finds, exactly as if the prior
// writer had cleanly exited after its last complete Write.
//
// Grace-period override is a deliberate, documented data race, not a bug:
// see stateCell.resetReaderCount and Synchronizer.waitForGrace.
//
// Multi-writer: never detected or prevented by the core protocol itself.
// [Config.DisableLocking] controls only the advisory flock-based guard this
// package adds on top; set it true and run two writers against the same
// path prefix and the result is undefined (most likely: readers
// intermittently observe torn buffers from whichever writer lost the race
// to storeVersion).
