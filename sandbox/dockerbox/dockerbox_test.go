package dockerbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ternhq/tern"
)

type fakeDocker struct {
	created    []container.Config
	hostCfgs   []container.HostConfig
	createErrs []error
	startErr   error
	started    []string
	pauseErr   error
	paused     []string
	unpaused   []string
	removed    []string
	removeErr  error
	pulled     []string
	inspect    container.InspectResponse
	inspectErr error
	execs      []container.ExecOptions
	attachOut  []byte
	attachHang bool
	execExit   int
	copiedTo   map[string][]byte
	copyFrom   []byte
	statsBody  []byte
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created = append(f.created, *cfg)
	f.hostCfgs = append(f.hostCfgs, *hostCfg)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	return container.CreateResponse{ID: "ctr-1"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerPause(_ context.Context, id string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeDocker) ContainerUnpause(_ context.Context, id string) error {
	f.unpaused = append(f.unpaused, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeDocker) ContainerInspectWithRaw(_ context.Context, _ string, _ bool) (container.InspectResponse, []byte, error) {
	return f.inspect, nil, f.inspectErr
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.execs = append(f.execs, opts)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	server, conn := net.Pipe()
	go func() {
		if len(f.attachOut) > 0 {
			server.Write(f.attachOut)
		}
		if !f.attachHang {
			server.Close()
		}
	}()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExit}, nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _ string, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if f.copiedTo == nil {
		f.copiedTo = map[string][]byte{}
	}
	f.copiedTo[dstPath] = data
	return nil
}

func (f *fakeDocker) CopyFromContainer(_ context.Context, _ string, _ string) (io.ReadCloser, container.PathStat, error) {
	return io.NopCloser(bytes.NewReader(f.copyFrom)), container.PathStat{}, nil
}

func (f *fakeDocker) ContainerStatsOneShot(_ context.Context, _ string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(f.statsBody))}, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func newTestProvider(t *testing.T, fake *fakeDocker, opts ...Option) *Provider {
	t.Helper()
	p, err := New(append([]Option{WithClient(fake)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// muxOutput frames stdout and stderr the way the engine multiplexes an
// exec attach stream.
func muxOutput(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if stdout != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout)); err != nil {
			t.Fatalf("frame stdout: %v", err)
		}
	}
	if stderr != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr)); err != nil {
			t.Fatalf("frame stderr: %v", err)
		}
	}
	return buf.Bytes()
}

func TestCreateInstance(t *testing.T) {
	fake := &fakeDocker{}
	p := newTestProvider(t, fake, WithImage("python:3.12-slim"))

	inst, err := p.CreateInstance(context.Background(), tern.InstanceConfig{
		Env:    map[string]string{"FOO": "bar"},
		Labels: map[string]string{"thread_id": "th-1"},
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.ID != "ctr-1" {
		t.Errorf("ID = %q, want %q", inst.ID, "ctr-1")
	}
	if inst.Provider != ProviderName {
		t.Errorf("Provider = %q, want %q", inst.Provider, ProviderName)
	}
	if inst.State != tern.InstanceRunning {
		t.Errorf("State = %q, want %q", inst.State, tern.InstanceRunning)
	}
	if inst.Labels["thread_id"] != "th-1" || inst.Labels["tern.managed"] != "true" {
		t.Errorf("Labels = %v, want thread_id and tern.managed set", inst.Labels)
	}
	if len(fake.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(fake.created))
	}
	cfg := fake.created[0]
	if cfg.Image != "python:3.12-slim" {
		t.Errorf("Image = %q, want %q", cfg.Image, "python:3.12-slim")
	}
	if got := strings.Join(cfg.Cmd, " "); got != "sleep infinity" {
		t.Errorf("Cmd = %q, want %q", got, "sleep infinity")
	}
	if cfg.WorkingDir != DefaultWorkDir {
		t.Errorf("WorkingDir = %q, want %q", cfg.WorkingDir, DefaultWorkDir)
	}
	found := false
	for _, e := range cfg.Env {
		if e == "FOO=bar" {
			found = true
		}
	}
	if !found {
		t.Errorf("Env = %v, want FOO=bar present", cfg.Env)
	}
	if len(fake.started) != 1 || fake.started[0] != "ctr-1" {
		t.Errorf("started = %v, want [ctr-1]", fake.started)
	}
}

func TestCreateInstance_PullsMissingImage(t *testing.T) {
	fake := &fakeDocker{createErrs: []error{cerrdefs.ErrNotFound}}
	p := newTestProvider(t, fake)

	if _, err := p.CreateInstance(context.Background(), tern.InstanceConfig{Image: "golang:1.25"}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != "golang:1.25" {
		t.Errorf("pulled = %v, want [golang:1.25]", fake.pulled)
	}
	if len(fake.created) != 2 {
		t.Errorf("created called %d times, want 2", len(fake.created))
	}
}

func TestCreateInstance_StartFailureCleansUp(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("boom")}
	p := newTestProvider(t, fake)

	if _, err := p.CreateInstance(context.Background(), tern.InstanceConfig{}); err == nil {
		t.Fatal("CreateInstance succeeded, want error")
	}
	if len(fake.removed) != 1 || fake.removed[0] != "ctr-1" {
		t.Errorf("removed = %v, want [ctr-1]", fake.removed)
	}
}

func TestCreateInstance_PortBinding(t *testing.T) {
	fake := &fakeDocker{}
	p := newTestProvider(t, fake, WithPortBinding("8000/tcp", "127.0.0.1", "18000"))

	inst, err := p.CreateInstance(context.Background(), tern.InstanceConfig{})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.Endpoint != "127.0.0.1:18000" {
		t.Errorf("Endpoint = %q, want %q", inst.Endpoint, "127.0.0.1:18000")
	}
	if len(fake.hostCfgs[0].PortBindings) != 1 {
		t.Errorf("PortBindings = %v, want one port", fake.hostCfgs[0].PortBindings)
	}
	if _, ok := fake.created[0].ExposedPorts["8000/tcp"]; !ok {
		t.Errorf("ExposedPorts = %v, want 8000/tcp", fake.created[0].ExposedPorts)
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		name  string
		state *container.State
		err   error
		want  tern.InstanceState
	}{
		{"running", &container.State{Running: true}, nil, tern.InstanceRunning},
		{"paused", &container.State{Running: true, Paused: true}, nil, tern.InstancePaused},
		{"exited", &container.State{}, nil, tern.InstanceDead},
		{"missing", nil, cerrdefs.ErrNotFound, tern.InstanceDead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeDocker{inspectErr: tc.err}
			if tc.state != nil {
				fake.inspect = container.InspectResponse{
					ContainerJSONBase: &container.ContainerJSONBase{State: tc.state},
				}
			}
			p := newTestProvider(t, fake)
			got, err := p.Status(context.Background(), "ctr-1")
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if got != tc.want {
				t.Errorf("Status = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExec(t *testing.T) {
	fake := &fakeDocker{execExit: 3}
	fake.attachOut = muxOutput(t, "hello\n", "warning\n")
	p := newTestProvider(t, fake)

	res, err := p.Exec(context.Background(), "ctr-1", tern.ExecRequest{Command: "greet"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.Stderr != "warning\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "warning\n")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	opts := fake.execs[0]
	if got := strings.Join(opts.Cmd, " "); got != "sh -c greet" {
		t.Errorf("Cmd = %q, want %q", got, "sh -c greet")
	}
	if !opts.AttachStdout || !opts.AttachStderr {
		t.Error("exec must attach stdout and stderr")
	}
}

func TestExec_Timeout(t *testing.T) {
	fake := &fakeDocker{attachHang: true}
	p := newTestProvider(t, fake)

	res, err := p.Exec(context.Background(), "ctr-1", tern.ExecRequest{
		Command: "sleep 60",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 124 {
		t.Errorf("ExitCode = %d, want 124", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want timeout note", res.Stderr)
	}
}

func TestExec_CwdAndEnv(t *testing.T) {
	fake := &fakeDocker{}
	p := newTestProvider(t, fake)

	_, err := p.Exec(context.Background(), "ctr-1", tern.ExecRequest{
		Command: "pwd",
		Cwd:     "sub",
		Env:     map[string]string{"A": "b"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	opts := fake.execs[0]
	if opts.WorkingDir != "/workspace/sub" {
		t.Errorf("WorkingDir = %q, want %q", opts.WorkingDir, "/workspace/sub")
	}
	if len(opts.Env) != 1 || opts.Env[0] != "A=b" {
		t.Errorf("Env = %v, want [A=b]", opts.Env)
	}
}

func TestWriteFile(t *testing.T) {
	fake := &fakeDocker{}
	p := newTestProvider(t, fake)

	if err := p.WriteFile(context.Background(), "ctr-1", "notes/todo.txt", []byte("ship it")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if len(fake.execs) != 1 || !strings.Contains(fake.execs[0].Cmd[2], "mkdir -p '/workspace/notes'") {
		t.Fatalf("execs = %v, want mkdir for parent dir", fake.execs)
	}
	raw, ok := fake.copiedTo["/workspace/notes"]
	if !ok {
		t.Fatalf("copiedTo = %v, want /workspace/notes", fake.copiedTo)
	}
	tr := tar.NewReader(bytes.NewReader(raw))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar.Next: %v", err)
	}
	if hdr.Name != "todo.txt" {
		t.Errorf("tar name = %q, want %q", hdr.Name, "todo.txt")
	}
	data, _ := io.ReadAll(tr)
	if string(data) != "ship it" {
		t.Errorf("tar content = %q, want %q", data, "ship it")
	}
}

func TestReadFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("package main\n")
	tw.WriteHeader(&tar.Header{Name: "main.go", Mode: 0o644, Size: int64(len(content))})
	tw.Write(content)
	tw.Close()

	fake := &fakeDocker{copyFrom: buf.Bytes()}
	p := newTestProvider(t, fake)

	got, err := p.ReadFile(context.Background(), "ctr-1", "main.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ReadFile = %q, want %q", got, content)
	}
}

func TestListDir(t *testing.T) {
	fake := &fakeDocker{}
	fake.attachOut = muxOutput(t,
		"directory|4096|1700000000|/workspace/sub\nregular file|12|1700000001|/workspace/a.txt\n", "")
	p := newTestProvider(t, fake)

	entries, err := p.ListDir(context.Background(), "ctr-1", ".")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListDir returned %d entries, want 2", len(entries))
	}
	if entries[0].Name != "sub" || !entries[0].IsDir {
		t.Errorf("entries[0] = %+v, want dir sub", entries[0])
	}
	if entries[1].Name != "a.txt" || entries[1].IsDir || entries[1].Size != 12 || entries[1].ModTime != 1700000001 {
		t.Errorf("entries[1] = %+v, want file a.txt size 12", entries[1])
	}
}

func TestMetrics(t *testing.T) {
	stats := container.StatsResponse{}
	stats.CPUStats.CPUUsage.TotalUsage = 400
	stats.CPUStats.SystemUsage = 2000
	stats.CPUStats.OnlineCPUs = 2
	stats.PreCPUStats.CPUUsage.TotalUsage = 200
	stats.PreCPUStats.SystemUsage = 1000
	stats.MemoryStats.Usage = 1 << 20
	body, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal stats: %v", err)
	}

	size := int64(2048)
	fake := &fakeDocker{
		statsBody: body,
		inspect: container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				SizeRw: &size,
				State:  &container.State{StartedAt: time.Now().Add(-90 * time.Second).Format(time.RFC3339Nano)},
			},
		},
	}
	p := newTestProvider(t, fake)

	m, err := p.Metrics(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.CPUPercent != 40.0 {
		t.Errorf("CPUPercent = %v, want 40", m.CPUPercent)
	}
	if m.MemoryBytes != 1<<20 {
		t.Errorf("MemoryBytes = %d, want %d", m.MemoryBytes, 1<<20)
	}
	if m.DiskBytes != 2048 {
		t.Errorf("DiskBytes = %d, want 2048", m.DiskBytes)
	}
	if m.UptimeSeconds < 89 || m.UptimeSeconds > 92 {
		t.Errorf("UptimeSeconds = %d, want about 90", m.UptimeSeconds)
	}
}

func TestDestroy_IgnoresMissing(t *testing.T) {
	fake := &fakeDocker{removeErr: cerrdefs.ErrNotFound}
	p := newTestProvider(t, fake)

	if err := p.Destroy(context.Background(), "ctr-gone"); err != nil {
		t.Errorf("Destroy = %v, want nil for missing container", err)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want tern.ProviderErrorKind
	}{
		{"unauthenticated", cerrdefs.ErrUnauthenticated, tern.ProviderErrAuth},
		{"exhausted", cerrdefs.ErrResourceExhausted, tern.ProviderErrQuota},
		{"daemon down", client.ErrorConnectionFailed("unix:///var/run/docker.sock"), tern.ProviderErrTransient},
		{"invalid", cerrdefs.ErrInvalidArgument, tern.ProviderErrPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeDocker{pauseErr: tc.err}
			p := newTestProvider(t, fake)
			err := p.Pause(context.Background(), "ctr-1")
			var perr *tern.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("Pause error = %T, want *tern.ProviderError", err)
			}
			if perr.Kind != tc.want {
				t.Errorf("Kind = %q, want %q", perr.Kind, tc.want)
			}
			if perr.Provider != ProviderName {
				t.Errorf("Provider = %q, want %q", perr.Provider, ProviderName)
			}
		})
	}
}
