package sandbox

import (
	"context"
	"time"

	"github.com/ternhq/tern"
)

// Retry policy for sandbox operations. Providers are at-most-once, the
// retry responsibility sits here.
const (
	opAttempts  = 3
	opRetryBase = 500 * time.Millisecond
)

// Capability is the handle tool middlewares execute through. Every
// successful operation touches the session; a fatal provider error tears
// the session down so the next tool call starts over with fresh compute.
type Capability struct {
	mgr       *Manager
	threadID  string
	sessionID string
	terminal  *Terminal
	lease     *Lease
	runtime   Runtime
}

// ThreadID returns the owning thread.
func (c *Capability) ThreadID() string { return c.threadID }

// SessionID returns the session this capability was issued for.
func (c *Capability) SessionID() string { return c.sessionID }

// Terminal returns the thread's durable terminal.
func (c *Capability) Terminal() *Terminal { return c.terminal }

// Lease returns the lease behind the terminal.
func (c *Capability) Lease() *Lease { return c.lease }

// Exec runs a command through the runtime. Transient provider failures
// are retried with backoff; a command that ran and failed is not an
// error, its exit code and output come back in the result.
func (c *Capability) Exec(ctx context.Context, command string, timeout time.Duration) (tern.ExecResult, error) {
	var res tern.ExecResult
	err := tern.RetryDo(ctx, opAttempts, opRetryBase, "sandbox exec", c.mgr.logger, func() error {
		var execErr error
		res, execErr = c.runtime.Exec(ctx, command, timeout)
		return execErr
	})
	return res, c.finish(ctx, err)
}

// ReadFile reads a file through the runtime.
func (c *Capability) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := tern.RetryDo(ctx, opAttempts, opRetryBase, "sandbox read", c.mgr.logger, func() error {
		var opErr error
		data, opErr = c.runtime.ReadFile(ctx, path)
		return opErr
	})
	return data, c.finish(ctx, err)
}

// WriteFile writes a file through the runtime.
func (c *Capability) WriteFile(ctx context.Context, path string, data []byte) error {
	err := tern.RetryDo(ctx, opAttempts, opRetryBase, "sandbox write", c.mgr.logger, func() error {
		return c.runtime.WriteFile(ctx, path, data)
	})
	return c.finish(ctx, err)
}

// ListDir lists a directory through the runtime.
func (c *Capability) ListDir(ctx context.Context, path string) ([]tern.DirEntry, error) {
	var entries []tern.DirEntry
	err := tern.RetryDo(ctx, opAttempts, opRetryBase, "sandbox list", c.mgr.logger, func() error {
		var opErr error
		entries, opErr = c.runtime.ListDir(ctx, path)
		return opErr
	})
	return entries, c.finish(ctx, err)
}

// Metrics reports resource usage for the lease's instance. Host leases
// have no instance and report zeroes.
func (c *Capability) Metrics(ctx context.Context) (tern.InstanceMetrics, error) {
	provider := c.lease.Provider()
	inst := c.lease.Instance()
	if provider == nil || inst == nil {
		return tern.InstanceMetrics{}, nil
	}
	return provider.Metrics(ctx, inst.ID)
}

// finish settles an operation: success touches the session, a fatal
// provider failure closes it.
func (c *Capability) finish(ctx context.Context, err error) error {
	if err == nil {
		c.mgr.touchSession(ctx, c.threadID)
		return nil
	}
	if tern.KindOf(err) == tern.KindProviderFatal {
		c.mgr.failSession(ctx, c.threadID)
	}
	return err
}
