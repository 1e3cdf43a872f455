package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/internal/config"
)

// runThread administers stored threads without starting the agent:
// list, show, and delete work directly against the durable store.
func runThread(args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("thread", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "explicit config file")
	limit := fs.Int("limit", 50, "maximum threads to list")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "tern: thread needs a subcommand: list, show <id>, delete <id>")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return configExit(err, logger)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store", "error", err)
		return exitReadError
	}
	defer store.Close()

	switch rest[0] {
	case "list":
		return threadList(ctx, store, *limit)
	case "show":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "tern: thread show needs exactly one thread id")
			return exitUsage
		}
		return threadShow(ctx, store, rest[1])
	case "delete":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "tern: thread delete needs exactly one thread id")
			return exitUsage
		}
		return threadDelete(ctx, store, rest[1])
	default:
		fmt.Fprintf(os.Stderr, "tern: unknown thread subcommand %q\n", rest[0])
		return exitUsage
	}
}

func threadList(ctx context.Context, store tern.Store, limit int) int {
	threads, err := store.ListThreads(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tern: listing threads: %v\n", err)
		return 1
	}
	for _, t := range threads {
		updated := time.Unix(t.UpdatedAt, 0).Format(time.RFC3339)
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", t.ID, updated, title)
	}
	return exitOK
}

func threadShow(ctx context.Context, store tern.Store, id string) int {
	t, err := store.GetThread(ctx, id)
	if err != nil {
		if errors.Is(err, tern.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "tern: thread %s not found\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "tern: loading thread: %v\n", err)
		}
		return 1
	}
	fmt.Printf("thread %s\ntitle: %s\nqueue mode: %s\ncreated: %s\n\n",
		t.ID, t.Title, t.QueueMode, time.Unix(t.CreatedAt, 0).Format(time.RFC3339))

	msgs, err := store.Messages(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tern: loading messages: %v\n", err)
		return 1
	}
	for _, m := range msgs {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Printf("[%s] %s\n", m.Role, content)
	}
	return exitOK
}

func threadDelete(ctx context.Context, store tern.Store, id string) int {
	if err := store.DeleteThread(ctx, id); err != nil {
		if errors.Is(err, tern.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "tern: thread %s not found\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "tern: deleting thread: %v\n", err)
		}
		return 1
	}
	fmt.Printf("deleted %s\n", id)
	return exitOK
}
