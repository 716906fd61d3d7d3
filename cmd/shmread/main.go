// shmread reads the latest published Message from a shared-memory path
// prefix and prints it.
//
// Usage:
//
//	shmread --prefix /tmp/t1
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/shmsync/shmsync/pkg/framed"
	"github.com/shmsync/shmsync/pkg/syncshm"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "shmread: error: %v\n", err)

		if errors.Is(err, syncshm.ErrUninitialized) {
			os.Exit(2)
		}

		os.Exit(1)
	}
}

func run(args []string, out *os.File) error {
	fs := flag.NewFlagSet("shmread", flag.ContinueOnError)

	prefix := fs.StringP("prefix", "p", "", "shared-memory path prefix (required)")
	validate := fs.BoolP("validate", "v", true, "run checksum + structural validation before returning")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *prefix == "" {
		return fmt.Errorf("--prefix is required")
	}

	cfg := syncshm.Config{PathPrefix: *prefix}

	sync, err := syncshm.Open(cfg, framed.Archiver{})
	if err != nil {
		return fmt.Errorf("opening %s: %w", *prefix, err)
	}
	defer func() { _ = sync.Close() }()

	result, err := sync.Read(*validate)
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}
	defer result.Release()

	fmt.Fprintf(out, "counter=%d\n", result.Value.Version)

	for i, m := range result.Value.Messages {
		fmt.Fprintf(out, "[%d] %s\n", i, m)
	}

	return nil
}
