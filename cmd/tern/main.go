// Command tern runs the agent server and its maintenance commands.
//
// The serve command assembles the full runtime from layered config
// (model provider, durable store, sandbox manager, middleware stack,
// telemetry) and exposes the HTTP/SSE API. The run command executes one
// message against the same runtime without a server, printing the
// answer to stdout. The thread command administers stored threads.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Exit codes. Runtime failures that fit no listed code exit 1.
const (
	exitOK    = 0
	exitUsage = 10
	// exitReadError covers unreadable input: stdin, config files.
	exitReadError = 11
	// exitEmptyInput means the message was blank after trimming.
	exitEmptyInput = 12
	// Validation failures get distinct codes from 20 up.
	exitConfigInvalid = 20
	exitBadMessage    = 21
	exitBadModel      = 22
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitUsage
	}
	logger := newLogger()
	switch args[0] {
	case "serve":
		return runServe(args[1:], logger)
	case "run":
		return runOnce(args[1:], logger)
	case "thread":
		return runThread(args[1:], logger)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "tern: unknown command %q\n\n", args[0])
		usage(os.Stderr)
		return exitUsage
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `Usage: tern <command> [flags]

Commands:
  serve    start the agent server (HTTP/SSE API)
  run      execute one message and print the answer
  thread   list, show, or delete stored threads
  help     show this help

Common flags:
  -config <path>   explicit config file (skips tier probing)

Configuration merges ~/.tern/config.*, the project .tern directory, and
TERN_* environment variables. See tern.toml for the recognized keys.
`)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("TERN_LOG_LEVEL"); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			level = l
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
