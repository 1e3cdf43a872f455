package command

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ternhq/tern"
)

// Hook vets a command before execution. Check receives the command
// normalized to NFKC and lowercased; a non-nil error denies the command
// and the error message is surfaced to the model. Hooks run in priority
// order (higher first); the first denial wins.
type Hook interface {
	Name() string
	Priority() int // 1..10, higher runs first
	Check(ctx context.Context, command string) error
}

type hookFunc struct {
	name     string
	priority int
	check    func(ctx context.Context, command string) error
}

func (h hookFunc) Name() string  { return h.name }
func (h hookFunc) Priority() int { return h.priority }
func (h hookFunc) Check(ctx context.Context, command string) error {
	return h.check(ctx, command)
}

// NewHook wraps a function as a Hook. Priority is clamped to [1, 10].
func NewHook(name string, priority int, check func(ctx context.Context, command string) error) Hook {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return hookFunc{name: name, priority: priority, check: check}
}

// DangerousCommands blocks destructive host operations. Runs at the
// highest priority so nothing can shadow it.
func DangerousCommands() Hook {
	blocked := []string{
		"rm -rf /",
		"sudo ",
		"mkfs",
		"> /dev/",
		"dd if=",
		":(){",
		"shutdown",
		"reboot",
	}
	return NewHook("dangerous-commands", 10, func(_ context.Context, command string) error {
		for _, b := range blocked {
			if strings.Contains(command, b) {
				return tern.Errorf(tern.KindPolicyDenied, "command blocked for safety: %s", b)
			}
		}
		return nil
	})
}

// NetworkBlocker denies commands that reach the network, for workloads
// that must stay offline.
func NetworkBlocker() Hook {
	blocked := []string{"curl ", "wget ", "nc ", "ncat ", "ssh ", "scp ", "ftp "}
	return NewHook("network-blocker", 9, func(_ context.Context, command string) error {
		for _, b := range blocked {
			if strings.Contains(command, b) {
				return tern.Errorf(tern.KindPolicyDenied, "network access blocked: %s", strings.TrimSpace(b))
			}
		}
		return nil
	})
}

// normalizeCommand applies NFKC normalization and lowercasing so pattern
// hooks cannot be evaded with compatibility codepoints or case tricks.
func normalizeCommand(command string) string {
	return strings.ToLower(norm.NFKC.String(command))
}

// sortHooks orders hooks higher-priority-first, stably.
func sortHooks(hooks []Hook) []Hook {
	out := make([]Hook, len(hooks))
	copy(out, hooks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

// runHooks evaluates the chain against the normalized command. The first
// denial is returned; ErrorKind defaults to PolicyDenied for untyped
// hook errors.
func runHooks(ctx context.Context, hooks []Hook, command string) error {
	normalized := normalizeCommand(command)
	for _, h := range hooks {
		if err := h.Check(ctx, normalized); err != nil {
			var te *tern.Error
			if !errors.As(err, &te) {
				err = tern.WrapError(tern.KindPolicyDenied, err, "command blocked by "+h.Name())
			}
			return err
		}
	}
	return nil
}
