package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/sandbox"
)

// Backend executes one command on behalf of a thread. The sandbox backend
// routes through the thread's session so cwd and env persist between
// commands; the local backend runs stateless host processes.
type Backend interface {
	Exec(ctx context.Context, threadID, command string, timeout time.Duration) (tern.ExecResult, error)
}

// LocalBackend runs commands as host processes in a fixed directory with
// no terminal continuity. Suitable for tests and trusted single-user use.
type LocalBackend struct {
	Dir   string
	Shell string
}

var _ Backend = (*LocalBackend)(nil)

func (b *LocalBackend) Exec(ctx context.Context, _, command string, timeout time.Duration) (tern.ExecResult, error) {
	if timeout <= 0 {
		timeout = sandbox.DefaultExecTimeout
	}
	shell := b.Shell
	if shell == "" {
		shell = "sh"
	}
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, shell, "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	res := tern.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
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
	return res, nil
}

// SandboxBackend routes commands through the thread's sandbox session,
// creating one on first use. Terminal state (cwd, exports) carries over
// between commands and survives restarts.
type SandboxBackend struct {
	mgr *sandbox.Manager
}

var _ Backend = (*SandboxBackend)(nil)

// NewSandboxBackend builds a backend over the given session manager.
func NewSandboxBackend(mgr *sandbox.Manager) *SandboxBackend {
	return &SandboxBackend{mgr: mgr}
}

func (b *SandboxBackend) Exec(ctx context.Context, threadID, command string, timeout time.Duration) (tern.ExecResult, error) {
	sb, err := b.mgr.GetSandbox(ctx, threadID)
	if err != nil {
		return tern.ExecResult{}, err
	}
	return sb.Exec(ctx, command, timeout)
}
