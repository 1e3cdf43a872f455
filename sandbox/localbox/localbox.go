// Package localbox is a sandbox provider backed by plain host
// processes. Each instance owns one directory under the provider root;
// exec spawns a short-lived shell per command inside it. Pause and
// resume only flip bookkeeping state, there is no long-lived process to
// freeze, but a paused instance refuses work until resumed.
package localbox

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ternhq/tern"
)

// ProviderName is the name instances created here carry.
const ProviderName = "local"

// DefaultMaxOutput caps captured bytes per stream for one exec.
const DefaultMaxOutput = 1 << 20

// DefaultExecTimeout bounds a command when the request does not.
const DefaultExecTimeout = 30 * time.Second

// Provider implements tern.SandboxProvider with host processes.
type Provider struct {
	root      string
	shell     string
	maxOutput int
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	dir     string
	env     map[string]string
	state   tern.InstanceState
	created time.Time
}

var _ tern.SandboxProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// WithShell overrides the shell binary. Defaults to sh.
func WithShell(path string) Option { return func(p *Provider) { p.shell = path } }

// WithMaxOutput caps captured stdout and stderr per exec.
func WithMaxOutput(n int) Option { return func(p *Provider) { p.maxOutput = n } }

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option { return func(p *Provider) { p.now = now } }

// New builds a provider whose instances live under root.
func New(root string, opts ...Option) *Provider {
	p := &Provider{
		root:      root,
		shell:     "sh",
		maxOutput: DefaultMaxOutput,
		now:       time.Now,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = tern.NopLogger()
	}
	return p
}

func (p *Provider) Name() string { return ProviderName }

// CreateInstance makes the instance directory and registers the handle.
func (p *Provider) CreateInstance(ctx context.Context, cfg tern.InstanceConfig) (tern.Instance, error) {
	id := tern.NewID()
	dir := filepath.Join(p.root, id)
	if cfg.WorkDir != "" && !filepath.IsAbs(cfg.WorkDir) {
		dir = filepath.Join(dir, cfg.WorkDir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return tern.Instance{}, tern.NewProviderError(ProviderName, "create", tern.ProviderErrPermanent, err)
	}
	created := p.now()

	p.mu.Lock()
	p.instances[id] = &instance{
		dir:     dir,
		env:     cfg.Env,
		state:   tern.InstanceRunning,
		created: created,
	}
	p.mu.Unlock()

	p.logger.Debug("local instance created", "instance_id", id, "dir", dir)
	return tern.Instance{
		ID:        id,
		Provider:  ProviderName,
		State:     tern.InstanceRunning,
		Endpoint:  dir,
		Labels:    cfg.Labels,
		CreatedAt: created.Unix(),
	}, nil
}

// Pause marks the instance paused. There is no process to freeze.
func (p *Provider) Pause(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return p.notFound("pause", instanceID)
	}
	inst.state = tern.InstancePaused
	return nil
}

// Resume marks the instance running again.
func (p *Provider) Resume(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return p.notFound("resume", instanceID)
	}
	inst.state = tern.InstanceRunning
	return nil
}

// Destroy removes the instance directory. Destroying an unknown
// instance is a no-op so reconciliation after a crash stays quiet.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	delete(p.instances, instanceID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(inst.dir); err != nil {
		return tern.NewProviderError(ProviderName, "destroy", tern.ProviderErrPermanent, err)
	}
	p.logger.Debug("local instance destroyed", "instance_id", instanceID)
	return nil
}

// Status reports the bookkeeping state. Unknown instances are dead.
func (p *Provider) Status(ctx context.Context, instanceID string) (tern.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return tern.InstanceDead, nil
	}
	return inst.state, nil
}

// Exec runs one shell command in the instance directory. A timeout
// yields exit code 124 with the partial output rather than an error;
// only caller cancellation surfaces as one.
func (p *Provider) Exec(ctx context.Context, instanceID string, req tern.ExecRequest) (tern.ExecResult, error) {
	inst, err := p.running("exec", instanceID)
	if err != nil {
		return tern.ExecResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := inst.dir
	switch {
	case req.Cwd == "":
	case filepath.IsAbs(req.Cwd):
		cwd = req.Cwd
	default:
		cwd = filepath.Join(inst.dir, req.Cwd)
	}

	cmd := exec.CommandContext(cmdCtx, p.shell, "-c", req.Command)
	cmd.Dir = cwd
	cmd.Env = p.buildEnv(inst, req.Env)

	stdout := &cappedBuffer{max: p.maxOutput}
	stderr := &cappedBuffer{max: p.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

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
		return res, tern.NewProviderError(ProviderName, "exec", tern.ProviderErrTransient, ctx.Err())
	default:
		if ee, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			return res, tern.NewProviderError(ProviderName, "exec", tern.ProviderErrPermanent, runErr)
		}
	}
	return res, nil
}

// ReadFile reads a file, relative paths resolving under the instance dir.
func (p *Provider) ReadFile(ctx context.Context, instanceID, path string) ([]byte, error) {
	inst, err := p.running("read_file", instanceID)
	if err != nil {
		return nil, err
	}
	data, rerr := os.ReadFile(p.resolve(inst, path))
	if rerr != nil {
		return nil, tern.NewProviderError(ProviderName, "read_file", tern.ProviderErrPermanent, rerr)
	}
	return data, nil
}

// WriteFile writes a file, creating parent directories.
func (p *Provider) WriteFile(ctx context.Context, instanceID, path string, data []byte) error {
	inst, err := p.running("write_file", instanceID)
	if err != nil {
		return err
	}
	full := p.resolve(inst, path)
	if merr := os.MkdirAll(filepath.Dir(full), 0o750); merr != nil {
		return tern.NewProviderError(ProviderName, "write_file", tern.ProviderErrPermanent, merr)
	}
	if werr := os.WriteFile(full, data, 0o644); werr != nil {
		return tern.NewProviderError(ProviderName, "write_file", tern.ProviderErrPermanent, werr)
	}
	return nil
}

// ListDir lists a directory inside the instance.
func (p *Provider) ListDir(ctx context.Context, instanceID, path string) ([]tern.DirEntry, error) {
	inst, err := p.running("list_dir", instanceID)
	if err != nil {
		return nil, err
	}
	full := p.resolve(inst, path)
	entries, rerr := os.ReadDir(full)
	if rerr != nil {
		return nil, tern.NewProviderError(ProviderName, "list_dir", tern.ProviderErrPermanent, rerr)
	}
	out := make([]tern.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := tern.DirEntry{
			Name:  e.Name(),
			Path:  filepath.Join(full, e.Name()),
			IsDir: e.IsDir(),
		}
		if info, ierr := e.Info(); ierr == nil {
			de.Size = info.Size()
			de.ModTime = info.ModTime().Unix()
		}
		out = append(out, de)
	}
	return out, nil
}

// Metrics reports directory usage and uptime. CPU and memory stay zero,
// there is no long-lived process to sample.
func (p *Provider) Metrics(ctx context.Context, instanceID string) (tern.InstanceMetrics, error) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return tern.InstanceMetrics{}, p.notFound("metrics", instanceID)
	}
	var disk int64
	_ = filepath.WalkDir(inst.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			disk += info.Size()
		}
		return nil
	})
	return tern.InstanceMetrics{
		DiskBytes:     disk,
		UptimeSeconds: int64(p.now().Sub(inst.created) / time.Second),
	}, nil
}

// running returns the instance when it exists and is not paused.
func (p *Provider) running(op, instanceID string) (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return nil, p.notFound(op, instanceID)
	}
	if inst.state != tern.InstanceRunning {
		return nil, tern.NewProviderError(ProviderName, op, tern.ProviderErrPermanent,
			fmt.Errorf("instance %s is %s", instanceID, inst.state))
	}
	return inst, nil
}

func (p *Provider) notFound(op, instanceID string) error {
	return tern.NewProviderError(ProviderName, op, tern.ProviderErrPermanent,
		fmt.Errorf("instance %s not found", instanceID))
}

func (p *Provider) resolve(inst *instance, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(inst.dir, path)
}

// buildEnv starts from a minimal host environment and layers the
// instance env and the per-exec env on top.
func (p *Provider) buildEnv(inst *instance, reqEnv map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + inst.dir,
		"LANG=en_US.UTF-8",
	}
	env = append(env, flatten(inst.env)...)
	env = append(env, flatten(reqEnv)...)
	return env
}

func flatten(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// cappedBuffer keeps at most max bytes and swallows the rest, so a
// runaway command cannot balloon the result.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() < b.max {
		remaining := b.max - b.buf.Len()
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
			return len(p), nil
		}
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
