package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/internal/config"
)

// runOnce executes a single message against the assembled runtime and
// prints the agent's text output to stdout. The message comes from the
// positional arguments, or from stdin when absent or "-".
func runOnce(args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "explicit config file")
	threadID := fs.String("thread", "", "existing thread to continue (default: new thread)")
	verbose := fs.Bool("verbose", false, "print tool calls to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	message, code := readMessage(fs.Args(), os.Stdin)
	if code != exitOK {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return configExit(err, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("runtime assembly", "error", err)
		if strings.Contains(err.Error(), "virtual model") || strings.Contains(err.Error(), "unknown virtual model") {
			return exitBadModel
		}
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.close(closeCtx)
	}()

	id := *threadID
	if id == "" {
		id = tern.NewID()
	}

	active, err := rt.engine.StartRun(ctx, id, message)
	if err != nil {
		logger.Error("run start", "thread", id, "error", err)
		return exitBadMessage
	}

	return streamRun(ctx, active, os.Stdout, os.Stderr, *verbose)
}

// readMessage returns the message text from argv, or from stdin when no
// argument was given (or the argument is "-"). Empty input after
// trimming is an error.
func readMessage(args []string, stdin io.Reader) (string, int) {
	var message string
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		message = strings.Join(args, " ")
	} else {
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tern: reading stdin: %v\n", err)
			return "", exitReadError
		}
		message = string(data)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		fmt.Fprintln(os.Stderr, "tern: empty message")
		return "", exitEmptyInput
	}
	return message, exitOK
}

// streamRun copies run events to the terminal until the stream ends.
func streamRun(ctx context.Context, r *tern.Run, out, errOut io.Writer, verbose bool) int {
	events := r.Subscribe(ctx, 0)
	for ev := range events {
		switch ev.Type {
		case tern.EventText:
			fmt.Fprint(out, ev.Delta)
		case tern.EventToolCall:
			if verbose {
				fmt.Fprintf(errOut, "\n[tool] %s %s\n", ev.ToolName, ev.Args)
			}
		case tern.EventToolResult:
			if verbose && ev.IsError {
				fmt.Fprintf(errOut, "[tool error] %s\n", ev.Content)
			}
		case tern.EventDone:
			fmt.Fprintln(out)
			return exitOK
		case tern.EventCancelled:
			fmt.Fprintln(errOut, "\ntern: cancelled")
			return 1
		case tern.EventError:
			fmt.Fprintf(errOut, "\ntern: %s: %s\n", ev.ErrorKind, ev.Message)
			return 1
		}
	}
	// Subscription ended without a terminal event: the context expired.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(errOut, "\ntern: %v\n", err)
	}
	return 1
}
