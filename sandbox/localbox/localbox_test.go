package localbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ternhq/tern"
)

func newTestProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	return New(t.TempDir(), opts...)
}

func TestCreateInstance(t *testing.T) {
	p := newTestProvider(t)
	inst, err := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Provider != ProviderName {
		t.Errorf("Provider = %q, want %q", inst.Provider, ProviderName)
	}
	if inst.State != tern.InstanceRunning {
		t.Errorf("State = %q, want running", inst.State)
	}
	if fi, err := os.Stat(inst.Endpoint); err != nil || !fi.IsDir() {
		t.Errorf("instance dir %q missing: %v", inst.Endpoint, err)
	}
}

func TestExec(t *testing.T) {
	p := newTestProvider(t)
	inst, err := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
}

func TestExec_ExitCode(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestExec_Timeout(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 124 {
		t.Errorf("ExitCode = %d, want 124", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want timeout note", res.Stderr)
	}
}

func TestExec_Env(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{
		Env: map[string]string{"FROM_INSTANCE": "a"},
	})
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{
		Command: "echo $FROM_INSTANCE $FROM_REQUEST",
		Env:     map[string]string{"FROM_REQUEST": "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "a b" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "a b")
	}
}

func TestExec_RelativeCwd(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err := os.MkdirAll(filepath.Join(inst.Endpoint, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "pwd", Cwd: "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Stdout), "/sub") {
		t.Errorf("pwd = %q, want .../sub", res.Stdout)
	}
}

func TestExec_PausedRefuses(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err := p.Pause(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	_, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "echo hi"})
	var pe *tern.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("want ProviderError, got %v", err)
	}
	if pe.Kind != tern.ProviderErrPermanent {
		t.Errorf("Kind = %q, want permanent", pe.Kind)
	}

	if err := p.Resume(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "echo hi"}); err != nil {
		t.Errorf("exec after resume failed: %v", err)
	}
}

func TestExec_MaxOutput(t *testing.T) {
	p := newTestProvider(t, WithMaxOutput(5))
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	res, err := p.Exec(context.Background(), inst.ID, tern.ExecRequest{Command: "echo 0123456789"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "01234" {
		t.Errorf("Stdout = %q, want capped %q", res.Stdout, "01234")
	}
}

func TestFiles(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	ctx := context.Background()

	if err := p.WriteFile(ctx, inst.ID, "notes/todo.txt", []byte("ship it")); err != nil {
		t.Fatal(err)
	}
	data, err := p.ReadFile(ctx, inst.ID, "notes/todo.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ship it" {
		t.Errorf("content = %q, want %q", data, "ship it")
	}

	entries, err := p.ListDir(ctx, inst.ID, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "todo.txt" {
		t.Fatalf("entries = %+v, want one todo.txt", entries)
	}
	if entries[0].IsDir {
		t.Error("todo.txt reported as a directory")
	}
	if entries[0].Size != int64(len("ship it")) {
		t.Errorf("Size = %d, want %d", entries[0].Size, len("ship it"))
	}
}

func TestDestroy(t *testing.T) {
	p := newTestProvider(t)
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err := p.Destroy(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(inst.Endpoint); !os.IsNotExist(err) {
		t.Error("instance dir should be removed")
	}
	state, err := p.Status(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != tern.InstanceDead {
		t.Errorf("Status = %q, want dead", state)
	}
	// Destroying again stays quiet.
	if err := p.Destroy(context.Background(), inst.ID); err != nil {
		t.Errorf("second destroy: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	base := time.Now()
	clock := base
	p := newTestProvider(t, WithNow(func() time.Time { return clock }))
	inst, _ := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err := p.WriteFile(context.Background(), inst.ID, "f.txt", []byte("12345")); err != nil {
		t.Fatal(err)
	}

	clock = base.Add(90 * time.Second)
	m, err := p.Metrics(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.DiskBytes != 5 {
		t.Errorf("DiskBytes = %d, want 5", m.DiskBytes)
	}
	if m.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds = %d, want 90", m.UptimeSeconds)
	}
}
