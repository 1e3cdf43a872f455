package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternhq/tern"
)

// fakeProvider is a scriptable in-memory sandbox provider. Calls are
// counted and commands captured for assertions; per-method errors can be
// injected.
type fakeProvider struct {
	name string

	mu        sync.Mutex
	seq       int
	instances map[string]tern.InstanceState
	commands  []tern.ExecRequest

	createErr  error
	resumeErr  error
	pauseErr   error
	destroyErr error
	execErr    error
	execFn     func(req tern.ExecRequest) tern.ExecResult

	creates, resumes, pauses, destroys, execs int
}

func newFakeProvider(name string) *fakeProvider {
	if name == "" {
		name = "fake"
	}
	return &fakeProvider{name: name, instances: make(map[string]tern.InstanceState)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CreateInstance(_ context.Context, cfg tern.InstanceConfig) (tern.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		return tern.Instance{}, p.createErr
	}
	p.seq++
	id := fmt.Sprintf("inst-%d", p.seq)
	p.instances[id] = tern.InstanceRunning
	return tern.Instance{
		ID:        id,
		Provider:  p.name,
		State:     tern.InstanceRunning,
		Labels:    cfg.Labels,
		CreatedAt: tern.NowUnix(),
	}, nil
}

func (p *fakeProvider) Pause(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
	if p.pauseErr != nil {
		return p.pauseErr
	}
	p.instances[instanceID] = tern.InstancePaused
	return nil
}

func (p *fakeProvider) Resume(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	if p.resumeErr != nil {
		return p.resumeErr
	}
	p.instances[instanceID] = tern.InstanceRunning
	return nil
}

func (p *fakeProvider) Destroy(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys++
	if p.destroyErr != nil {
		return p.destroyErr
	}
	delete(p.instances, instanceID)
	return nil
}

func (p *fakeProvider) Status(_ context.Context, instanceID string) (tern.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.instances[instanceID]
	if !ok {
		return tern.InstanceDead, nil
	}
	return state, nil
}

func (p *fakeProvider) Exec(_ context.Context, instanceID string, req tern.ExecRequest) (tern.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs++
	p.commands = append(p.commands, req)
	if p.execErr != nil {
		return tern.ExecResult{}, p.execErr
	}
	if p.execFn != nil {
		return p.execFn(req), nil
	}
	return tern.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (p *fakeProvider) ReadFile(_ context.Context, _, path string) ([]byte, error) {
	return []byte("content of " + path), nil
}

func (p *fakeProvider) WriteFile(_ context.Context, _, _ string, _ []byte) error { return nil }

func (p *fakeProvider) ListDir(_ context.Context, _, path string) ([]tern.DirEntry, error) {
	return []tern.DirEntry{{Name: "a.txt", Path: path + "/a.txt"}}, nil
}

func (p *fakeProvider) Metrics(_ context.Context, _ string) (tern.InstanceMetrics, error) {
	return tern.InstanceMetrics{CPUPercent: 1.5, MemoryBytes: 1 << 20}, nil
}

// captured returns a copy of all exec requests seen so far.
func (p *fakeProvider) captured() []tern.ExecRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tern.ExecRequest(nil), p.commands...)
}

// counts returns the per-method call counters.
func (p *fakeProvider) counts() (creates, resumes, pauses, destroys, execs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates, p.resumes, p.pauses, p.destroys, p.execs
}

var _ tern.SandboxProvider = (*fakeProvider)(nil)

// transientErr builds a provider error the retry layer considers retryable.
func transientErr(op string) error {
	return tern.NewProviderError("fake", op, tern.ProviderErrTransient, fmt.Errorf("flaky"))
}

// authErr builds a fatal provider error.
func authErr(op string) error {
	return tern.NewProviderError("fake", op, tern.ProviderErrAuth, fmt.Errorf("bad credentials"))
}
