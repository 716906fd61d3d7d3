// shmwrite publishes a single Message into the shared-memory files rooted
// at a path prefix, creating them if necessary.
//
// Usage:
//
//	shmwrite --prefix /tmp/t1 --counter 7 Hello World !
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/shmsync/shmsync/pkg/framed"
	"github.com/shmsync/shmsync/pkg/syncshm"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "shmwrite: error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out *os.File) error {
	fs := flag.NewFlagSet("shmwrite", flag.ContinueOnError)

	prefix := fs.StringP("prefix", "p", "", "shared-memory path prefix (required)")
	counter := fs.Uint64P("counter", "c", 0, "Message.Version counter to publish")
	grace := fs.DurationP("grace", "g", 0, "grace period before forcing reclamation (0 = engine default)")
	writeback := fs.StringP("writeback", "w", "none", "writeback mode: none|sync")
	disableLock := fs.Bool("no-lock", false, "skip the advisory single-writer lockfile")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *prefix == "" {
		return fmt.Errorf("--prefix is required")
	}

	mode, err := parseWriteback(*writeback)
	if err != nil {
		return err
	}

	cfg := syncshm.Config{
		PathPrefix:     *prefix,
		Writeback:      mode,
		DisableLocking: *disableLock,
	}

	sync, err := syncshm.Open(cfg, framed.Archiver{})
	if err != nil {
		return fmt.Errorf("opening %s: %w", *prefix, err)
	}
	defer func() { _ = sync.Close() }()

	msg := framed.Message{Version: *counter, Messages: fs.Args()}

	result, err := sync.Write(msg, *grace)
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	fmt.Fprintf(out, "wrote %d bytes, reset=%v\n", result.BytesWritten, result.WasReset)

	return nil
}

func parseWriteback(s string) (syncshm.WritebackMode, error) {
	switch s {
	case "none", "":
		return syncshm.WritebackNone, nil
	case "sync":
		return syncshm.WritebackSync, nil
	default:
		return 0, fmt.Errorf("unknown writeback mode %q, want none|sync", s)
	}
}
