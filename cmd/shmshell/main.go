// shmshell is an interactive REPL for exercising a shared-memory path
// prefix: publish messages and read them back. It has no command for
// inspecting the version word or the reader counters directly.
//
// Usage:
//
//	shmshell <path-prefix>
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/shmsync/shmsync/pkg/framed"
	"github.com/shmsync/shmsync/pkg/syncshm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shmshell: error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println("usage: shmshell <path-prefix>")

		return fmt.Errorf("missing path prefix")
	}

	prefix := os.Args[1]

	sync, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, framed.Archiver{})
	if err != nil {
		return fmt.Errorf("opening %s: %w", prefix, err)
	}
	defer func() { _ = sync.Close() }()

	repl := &REPL{sync: sync, prefix: prefix}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	sync   *syncshm.Synchronizer[framed.Message]
	prefix string
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmshell_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("shmshell - %s\n", r.prefix)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("shmshell> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "write", "w":
			r.cmdWrite(args)

		case "read", "r":
			r.cmdRead(args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"write", "read", "help", "exit", "quit", "clear"}

	var matches []string

	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			matches = append(matches, c)
		}
	}

	return matches
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  write <counter> <msg> [msg...]   Publish a Message with the given counter
  read [raw]                       Read the latest Message (raw skips validation)
  help                              Show this help
  exit / quit / q                   Exit`)
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: write <counter> <msg> [msg...]")

		return
	}

	counter, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("bad counter %q: %v\n", args[0], err)

		return
	}

	msg := framed.Message{Version: counter, Messages: args[1:]}

	result, err := r.sync.Write(msg, time.Duration(0))
	if err != nil {
		fmt.Printf("write error: %v\n", err)

		return
	}

	fmt.Printf("wrote %d bytes, reset=%v\n", result.BytesWritten, result.WasReset)
}

func (r *REPL) cmdRead(args []string) {
	validate := true
	if len(args) > 0 && args[0] == "raw" {
		validate = false
	}

	result, err := r.sync.Read(validate)
	if err != nil {
		fmt.Printf("read error: %v\n", err)

		return
	}
	defer result.Release()

	fmt.Printf("counter=%d\n", result.Value.Version)

	for i, m := range result.Value.Messages {
		fmt.Printf("[%d] %s\n", i, m)
	}
}
