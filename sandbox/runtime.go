package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternhq/tern"
)

// DefaultExecTimeout bounds a command when the caller does not set one.
const DefaultExecTimeout = 30 * time.Second

// Runtime is the ephemeral execution surface bound to one terminal. It
// hydrates persisted terminal state, executes, and writes state back. A
// runtime is created on demand and dropped when its session ends; all
// durable state lives in the Terminal and Lease.
type Runtime interface {
	Exec(ctx context.Context, command string, timeout time.Duration) (tern.ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]tern.DirEntry, error)
	Close()
}

// cwdMarker tags the working-directory probe appended to every command.
// The marker is printed after the command so the last occurrence in stdout
// is always ours.
const cwdMarker = "__TERN_CWD__"

// probeWrap appends the cwd probe to command, preserving the command's
// exit code. The probe prints on its own line so parsing survives commands
// whose output lacks a trailing newline.
func probeWrap(command string) string {
	return command + "\n__tern_status=$?\nprintf '\\n" + cwdMarker + "%s\\n' \"$PWD\"\nexit $__tern_status"
}

// splitProbe strips the cwd probe line from stdout and returns the cleaned
// output plus the captured cwd. Returns cwd == "" when the probe never ran
// (timeout, kill) or produced nothing.
func splitProbe(stdout string) (clean, cwd string) {
	idx := strings.LastIndex(stdout, cwdMarker)
	if idx < 0 {
		return stdout, ""
	}
	rest := stdout[idx+len(cwdMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		cwd = rest[:nl]
	} else {
		cwd = rest
	}
	clean = stdout[:idx]
	// Drop the newline the probe printed before the marker.
	clean = strings.TrimSuffix(clean, "\n")
	return clean, strings.TrimSpace(cwd)
}

// exportRe finds export statements at a command boundary. Group 1 is the
// raw assignment list up to the next separator.
var exportRe = regexp.MustCompile(`(?m)(?:^|[;&|(]\s*)\s*export\s+([^;&|\n)]+)`)

// identRe validates shell identifier names.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// parseExports extracts KEY=VALUE pairs from export statements in command.
// Values keep their literal text with surrounding quotes stripped; no
// variable expansion is performed. Tracking exports from the command text
// keeps the runtime from having to diff the full environment after every
// command.
func parseExports(command string) map[string]string {
	var out map[string]string
	for _, m := range exportRe.FindAllStringSubmatch(command, -1) {
		for _, word := range splitShellWords(m[1]) {
			eq := strings.IndexByte(word, '=')
			if eq <= 0 {
				continue
			}
			key, val := word[:eq], word[eq+1:]
			if !identRe.MatchString(key) {
				continue
			}
			if out == nil {
				out = make(map[string]string)
			}
			out[key] = unquote(val)
		}
	}
	return out
}

// splitShellWords splits s on unquoted whitespace, honoring single and
// double quotes without escape handling.
func splitShellWords(s string) []string {
	var (
		words []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return words
}

// unquote strips one matching pair of surrounding quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// hydrationPrefix rebuilds the terminal's cwd and exports as a command
// prefix, used by the remote runtime on its first execution.
func hydrationPrefix(state TerminalState) string {
	var b strings.Builder
	if state.Cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(state.Cwd))
	}
	keys := make([]string, 0, len(state.EnvDelta))
	for k := range state.EnvDelta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s && ", k, shellQuote(state.EnvDelta[k]))
	}
	return b.String()
}

// applyExecState folds the probe result and any exports from the command
// text back into the terminal, persisting only when something changed.
func applyExecState(ctx context.Context, term *Terminal, command, probedCwd string, logger *slog.Logger) {
	exports := parseExports(command)
	before := term.State()
	changed := false
	if probedCwd != "" && filepath.IsAbs(probedCwd) && probedCwd != before.Cwd {
		changed = true
	}
	for k, v := range exports {
		if before.EnvDelta[k] != v {
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	err := term.Mutate(ctx, func(s TerminalState) TerminalState {
		if probedCwd != "" && filepath.IsAbs(probedCwd) {
			s.Cwd = probedCwd
		}
		if len(exports) > 0 && s.EnvDelta == nil {
			s.EnvDelta = make(map[string]string, len(exports))
		}
		for k, v := range exports {
			s.EnvDelta[k] = v
		}
		return s
	})
	if err != nil {
		logger.Warn("persisting terminal state failed",
			"terminal_id", term.ID(), "error", err)
	}
}

// --- Local runtime ---

// LocalRuntime executes commands as host processes in the terminal's cwd.
// No instance is involved; the lease stays empty. File operations act on
// the host filesystem directly.
type LocalRuntime struct {
	terminal *Terminal
	shell    string
	logger   *slog.Logger
}

// NewLocalRuntime builds a host-process runtime over the given terminal.
func NewLocalRuntime(terminal *Terminal, logger *slog.Logger) *LocalRuntime {
	if logger == nil {
		logger = tern.NopLogger()
	}
	return &LocalRuntime{terminal: terminal, shell: "sh", logger: logger}
}

// Exec runs command through the shell in the terminal's cwd with its env
// delta applied, then captures the resulting cwd and exports back into
// the terminal state. A timeout produces exit code 124 with the partial
// output rather than an error; only caller cancellation is an error.
func (r *LocalRuntime) Exec(ctx context.Context, command string, timeout time.Duration) (tern.ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	state := r.terminal.State()
	cwd := state.Cwd
	if cwd == "" {
		cwd = os.TempDir()
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		return tern.ExecResult{}, fmt.Errorf("workspace %q: %w", cwd, err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, r.shell, "-c", probeWrap(command))
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), flattenEnv(state.EnvDelta)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	clean, probedCwd := splitProbe(stdout.String())
	res := tern.ExecResult{
		Stdout:   clean,
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.ExitCode = 124
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("command timed out after %s", timeout)
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		if ee, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			return res, fmt.Errorf("exec: %w", runErr)
		}
	}

	applyExecState(ctx, r.terminal, command, probedCwd, r.logger)
	return res, nil
}

// ReadFile reads a host file.
func (r *LocalRuntime) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes a host file, creating parent directories.
func (r *LocalRuntime) WriteFile(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ListDir lists a host directory.
func (r *LocalRuntime) ListDir(_ context.Context, path string) ([]tern.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]tern.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := tern.DirEntry{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			IsDir: e.IsDir(),
		}
		if info, err := e.Info(); err == nil {
			de.Size = info.Size()
			de.ModTime = info.ModTime().Unix()
		}
		out = append(out, de)
	}
	return out, nil
}

// Close implements Runtime. Local runtimes hold no resources.
func (r *LocalRuntime) Close() {}

// flattenEnv renders an env delta as KEY=VALUE pairs in sorted order.
func flattenEnv(delta map[string]string) []string {
	if len(delta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+delta[k])
	}
	return out
}

// --- Remote runtime ---

// RemoteRuntime executes through the lease's provider. On the first
// execution after construction it hydrates by prefixing the command with
// cd and export statements rebuilt from terminal state; afterwards the
// provider session is assumed to carry state forward. The persisted cwd
// and env delta are still passed on every request and written back after
// every command, so providers that start a fresh shell per exec stay
// correct too.
type RemoteRuntime struct {
	terminal *Terminal
	lease    *Lease
	logger   *slog.Logger

	mu       sync.Mutex
	hydrated bool
}

// NewRemoteRuntime builds a provider-backed runtime over the terminal and
// lease.
func NewRemoteRuntime(terminal *Terminal, lease *Lease, logger *slog.Logger) *RemoteRuntime {
	if logger == nil {
		logger = tern.NopLogger()
	}
	return &RemoteRuntime{terminal: terminal, lease: lease, logger: logger}
}

// Exec ensures a running instance and executes command on it.
func (r *RemoteRuntime) Exec(ctx context.Context, command string, timeout time.Duration) (tern.ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	inst, err := r.lease.EnsureActiveInstance(ctx)
	if err != nil {
		return tern.ExecResult{}, err
	}
	state := r.terminal.State()

	r.mu.Lock()
	first := !r.hydrated
	r.mu.Unlock()

	wire := command
	if first {
		wire = hydrationPrefix(state) + command
	}

	res, err := r.lease.Provider().Exec(ctx, inst.ID, tern.ExecRequest{
		Command: probeWrap(wire),
		Cwd:     state.Cwd,
		Env:     state.EnvDelta,
		Timeout: timeout,
	})
	if err != nil {
		return tern.ExecResult{}, err
	}

	// The command reached the instance; state is established there now.
	r.mu.Lock()
	r.hydrated = true
	r.mu.Unlock()

	clean, probedCwd := splitProbe(res.Stdout)
	res.Stdout = clean
	applyExecState(ctx, r.terminal, command, probedCwd, r.logger)
	return res, nil
}

// ReadFile reads a file from the instance.
func (r *RemoteRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	inst, err := r.lease.EnsureActiveInstance(ctx)
	if err != nil {
		return nil, err
	}
	return r.lease.Provider().ReadFile(ctx, inst.ID, path)
}

// WriteFile writes a file on the instance.
func (r *RemoteRuntime) WriteFile(ctx context.Context, path string, data []byte) error {
	inst, err := r.lease.EnsureActiveInstance(ctx)
	if err != nil {
		return err
	}
	return r.lease.Provider().WriteFile(ctx, inst.ID, path, data)
}

// ListDir lists a directory on the instance.
func (r *RemoteRuntime) ListDir(ctx context.Context, path string) ([]tern.DirEntry, error) {
	inst, err := r.lease.EnsureActiveInstance(ctx)
	if err != nil {
		return nil, err
	}
	return r.lease.Provider().ListDir(ctx, inst.ID, path)
}

// Close implements Runtime. The instance stays with the lease.
func (r *RemoteRuntime) Close() {
	r.mu.Lock()
	r.hydrated = false
	r.mu.Unlock()
}
