// Package dockerbox is a sandbox provider backed by Docker containers.
// Each instance is one container kept alive by a sleep process; exec
// runs through the engine's exec API, files move as tar archives, and
// pause maps to the engine's cgroup freezer.
package dockerbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ternhq/tern"
)

// ProviderName is the name instances created here carry.
const ProviderName = "docker"

// DefaultImage is used when neither the provider nor the instance
// config names one.
const DefaultImage = "debian:bookworm-slim"

// DefaultWorkDir is the in-container workspace directory.
const DefaultWorkDir = "/workspace"

// DefaultMaxOutput caps captured bytes per stream for one exec.
const DefaultMaxOutput = 1 << 20

// DefaultExecTimeout bounds a command when the request does not.
const DefaultExecTimeout = 30 * time.Second

// dockerAPI is the slice of the Docker engine client this provider
// uses. *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerInspectWithRaw(ctx context.Context, containerID string, getSize bool) (container.InspectResponse, []byte, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Provider implements tern.SandboxProvider on the Docker engine.
type Provider struct {
	cli       dockerAPI
	image     string
	workDir   string
	shell     string
	maxOutput int
	memLimit  int64
	exposed   nat.PortSet
	bindings  nat.PortMap
	endpoint  string
	logger    *slog.Logger
}

var _ tern.SandboxProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithClient injects the engine client, for tests.
func WithClient(cli dockerAPI) Option { return func(p *Provider) { p.cli = cli } }

// WithImage sets the default container image.
func WithImage(ref string) Option { return func(p *Provider) { p.image = ref } }

// WithWorkDir sets the in-container workspace directory.
func WithWorkDir(dir string) Option { return func(p *Provider) { p.workDir = dir } }

// WithShell overrides the shell binary used for exec. Defaults to sh.
func WithShell(shell string) Option { return func(p *Provider) { p.shell = shell } }

// WithMaxOutput caps captured stdout and stderr per exec.
func WithMaxOutput(n int) Option { return func(p *Provider) { p.maxOutput = n } }

// WithMemoryLimit bounds container memory in bytes.
func WithMemoryLimit(bytes int64) Option { return func(p *Provider) { p.memLimit = bytes } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// WithPortBinding publishes containerPort (e.g. "8000/tcp") on the host
// at hostIP:hostPort for every instance. The first binding becomes the
// instance endpoint.
func WithPortBinding(containerPort, hostIP, hostPort string) Option {
	return func(p *Provider) {
		if p.exposed == nil {
			p.exposed = nat.PortSet{}
			p.bindings = nat.PortMap{}
		}
		port := nat.Port(containerPort)
		p.exposed[port] = struct{}{}
		p.bindings[port] = append(p.bindings[port], nat.PortBinding{HostIP: hostIP, HostPort: hostPort})
		if p.endpoint == "" {
			p.endpoint = net.JoinHostPort(hostIP, hostPort)
		}
	}
}

// New builds a provider. Without WithClient it connects to the engine
// from the environment (DOCKER_HOST etc.) with version negotiation.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		image:     DefaultImage,
		workDir:   DefaultWorkDir,
		shell:     "sh",
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = tern.NopLogger()
	}
	if p.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("dockerbox: connect: %w", err)
		}
		p.cli = cli
	}
	return p, nil
}

func (p *Provider) Name() string { return ProviderName }

// Ping probes the Docker engine, for the sandbox types endpoint. Clients
// without a ping (test doubles) report available.
func (p *Provider) Ping(ctx context.Context) error {
	pinger, ok := p.cli.(interface {
		Ping(ctx context.Context) (types.Ping, error)
	})
	if !ok {
		return nil
	}
	if _, err := pinger.Ping(ctx); err != nil {
		return p.wrap("ping", err)
	}
	return nil
}

// CreateInstance creates and starts a container held open by sleep. A
// missing image is pulled once and creation retried.
func (p *Provider) CreateInstance(ctx context.Context, cfg tern.InstanceConfig) (tern.Instance, error) {
	img := cfg.Image
	if img == "" {
		img = p.image
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = p.workDir
	}
	labels := map[string]string{"tern.managed": "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	conCfg := &container.Config{
		Image:        img,
		Cmd:          strslice.StrSlice{"sleep", "infinity"},
		Env:          flatten(cfg.Env),
		WorkingDir:   workDir,
		Labels:       labels,
		ExposedPorts: p.exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: p.bindings,
		Resources:    container.Resources{Memory: p.memLimit},
	}

	created, err := p.cli.ContainerCreate(ctx, conCfg, hostCfg, nil, nil, "")
	if cerrdefs.IsNotFound(err) {
		if perr := p.pullImage(ctx, img); perr != nil {
			return tern.Instance{}, perr
		}
		created, err = p.cli.ContainerCreate(ctx, conCfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return tern.Instance{}, p.wrap("create", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return tern.Instance{}, p.wrap("create", err)
	}

	p.logger.Debug("container created", "instance_id", created.ID, "image", img)
	return tern.Instance{
		ID:        created.ID,
		Provider:  ProviderName,
		State:     tern.InstanceRunning,
		Endpoint:  p.endpoint,
		Labels:    labels,
		CreatedAt: time.Now().Unix(),
	}, nil
}

func (p *Provider) pullImage(ctx context.Context, ref string) error {
	p.logger.Info("pulling image", "image", ref)
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return p.wrap("pull", err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return p.wrap("pull", err)
	}
	return nil
}

// Pause freezes the container.
func (p *Provider) Pause(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerPause(ctx, instanceID); err != nil {
		return p.wrap("pause", err)
	}
	return nil
}

// Resume unfreezes the container.
func (p *Provider) Resume(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerUnpause(ctx, instanceID); err != nil {
		return p.wrap("resume", err)
	}
	return nil
}

// Destroy force-removes the container and its volumes. A container that
// is already gone counts as destroyed.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	err := p.cli.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return p.wrap("destroy", err)
	}
	return nil
}

// Status maps the container state. Missing containers are dead.
func (p *Provider) Status(ctx context.Context, instanceID string) (tern.InstanceState, error) {
	insp, err := p.cli.ContainerInspect(ctx, instanceID)
	if cerrdefs.IsNotFound(err) {
		return tern.InstanceDead, nil
	}
	if err != nil {
		return tern.InstanceDead, p.wrap("status", err)
	}
	switch {
	case insp.State == nil:
		return tern.InstanceDead, nil
	case insp.State.Paused:
		return tern.InstancePaused, nil
	case insp.State.Running:
		return tern.InstanceRunning, nil
	default:
		return tern.InstanceDead, nil
	}
}

// Exec runs one shell command through the engine's exec API. A timeout
// yields exit code 124 with the partial output; the in-container
// process is left to the engine.
func (p *Provider) Exec(ctx context.Context, instanceID string, req tern.ExecRequest) (tern.ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := p.cli.ContainerExecCreate(execCtx, instanceID, container.ExecOptions{
		Cmd:          []string{p.shell, "-c", req.Command},
		WorkingDir:   p.resolveCwd(req.Cwd),
		Env:          flatten(req.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return tern.ExecResult{}, p.wrap("exec", err)
	}
	attach, err := p.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return tern.ExecResult{}, p.wrap("exec", err)
	}

	stdout := &cappedBuffer{max: p.maxOutput}
	stderr := &cappedBuffer{max: p.maxOutput}
	copyDone := make(chan error, 1)
	go func() {
		_, cerr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- cerr
	}()

	start := time.Now()
	var copyErr error
	select {
	case copyErr = <-copyDone:
		attach.Close()
	case <-execCtx.Done():
		attach.Close()
		<-copyDone
		res := tern.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if ctx.Err() != nil {
			return res, tern.NewProviderError(ProviderName, "exec", tern.ProviderErrTransient, ctx.Err())
		}
		res.ExitCode = 124
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("command timed out after %s", timeout)
		return res, nil
	}

	res := tern.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if copyErr != nil {
		return res, tern.NewProviderError(ProviderName, "exec", tern.ProviderErrTransient, copyErr)
	}
	insp, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return res, p.wrap("exec", err)
	}
	res.ExitCode = insp.ExitCode
	return res, nil
}

// ReadFile copies one file out of the container as a tar stream.
func (p *Provider) ReadFile(ctx context.Context, instanceID, filePath string) ([]byte, error) {
	rc, _, err := p.cli.CopyFromContainer(ctx, instanceID, p.resolvePath(filePath))
	if err != nil {
		return nil, p.wrap("read_file", err)
	}
	defer rc.Close()
	data, err := untarFile(rc)
	if err != nil {
		return nil, tern.NewProviderError(ProviderName, "read_file", tern.ProviderErrPermanent, err)
	}
	return data, nil
}

// WriteFile copies one file into the container as a tar stream,
// creating the parent directory first.
func (p *Provider) WriteFile(ctx context.Context, instanceID, filePath string, data []byte) error {
	full := p.resolvePath(filePath)
	dir := path.Dir(full)
	if _, err := p.Exec(ctx, instanceID, tern.ExecRequest{Command: "mkdir -p " + shellQuote(dir)}); err != nil {
		return err
	}
	archive, err := tarFile(path.Base(full), data)
	if err != nil {
		return tern.NewProviderError(ProviderName, "write_file", tern.ProviderErrPermanent, err)
	}
	if err := p.cli.CopyToContainer(ctx, instanceID, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return p.wrap("write_file", err)
	}
	return nil
}

// ListDir lists a directory via an in-container stat sweep, one line
// per entry as type|size|mtime|path.
func (p *Provider) ListDir(ctx context.Context, instanceID, dirPath string) ([]tern.DirEntry, error) {
	full := p.resolvePath(dirPath)
	cmd := fmt.Sprintf(`find %s -maxdepth 1 -mindepth 1 -exec stat -c '%%F|%%s|%%Y|%%n' {} +`, shellQuote(full))
	res, err := p.Exec(ctx, instanceID, tern.ExecRequest{Command: cmd})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, tern.NewProviderError(ProviderName, "list_dir", tern.ProviderErrPermanent,
			fmt.Errorf("stat %s: %s", full, strings.TrimSpace(res.Stderr)))
	}
	var out []tern.DirEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		var size, mod int64
		fmt.Sscanf(parts[1], "%d", &size)
		fmt.Sscanf(parts[2], "%d", &mod)
		out = append(out, tern.DirEntry{
			Name:    path.Base(parts[3]),
			Path:    parts[3],
			IsDir:   strings.HasPrefix(parts[0], "directory"),
			Size:    size,
			ModTime: mod,
		})
	}
	return out, nil
}

// Metrics samples one-shot engine stats plus the inspect size.
func (p *Provider) Metrics(ctx context.Context, instanceID string) (tern.InstanceMetrics, error) {
	var m tern.InstanceMetrics

	reader, err := p.cli.ContainerStatsOneShot(ctx, instanceID)
	if err != nil {
		return m, p.wrap("metrics", err)
	}
	var stats container.StatsResponse
	decodeErr := json.NewDecoder(reader.Body).Decode(&stats)
	reader.Body.Close()
	if decodeErr != nil {
		return m, tern.NewProviderError(ProviderName, "metrics", tern.ProviderErrTransient, decodeErr)
	}
	m.MemoryBytes = int64(stats.MemoryStats.Usage)
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(stats.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		m.CPUPercent = cpuDelta / sysDelta * online * 100
	}

	insp, _, err := p.cli.ContainerInspectWithRaw(ctx, instanceID, true)
	if err != nil {
		return m, p.wrap("metrics", err)
	}
	if insp.SizeRw != nil {
		m.DiskBytes = *insp.SizeRw
	}
	if insp.State != nil && insp.State.StartedAt != "" {
		if started, perr := time.Parse(time.RFC3339Nano, insp.State.StartedAt); perr == nil {
			m.UptimeSeconds = int64(time.Since(started) / time.Second)
		}
	}
	return m, nil
}

// resolveCwd keeps absolute paths and roots relative ones in the
// instance work dir.
func (p *Provider) resolveCwd(cwd string) string {
	if cwd == "" {
		return p.workDir
	}
	if path.IsAbs(cwd) {
		return cwd
	}
	return path.Join(p.workDir, cwd)
}

func (p *Provider) resolvePath(fp string) string {
	if path.IsAbs(fp) {
		return fp
	}
	return path.Join(p.workDir, fp)
}

// wrap classifies an engine error into a provider error kind.
func (p *Provider) wrap(op string, err error) error {
	kind := tern.ProviderErrPermanent
	switch {
	case cerrdefs.IsUnauthorized(err) || cerrdefs.IsPermissionDenied(err):
		kind = tern.ProviderErrAuth
	case cerrdefs.IsResourceExhausted(err):
		kind = tern.ProviderErrQuota
	case cerrdefs.IsUnavailable(err) || client.IsErrConnectionFailed(err):
		kind = tern.ProviderErrTransient
	case ctxTimeout(err):
		kind = tern.ProviderErrTransient
	}
	return tern.NewProviderError(ProviderName, op, kind, err)
}

func ctxTimeout(err error) bool {
	return err == context.DeadlineExceeded || err == context.Canceled ||
		strings.Contains(err.Error(), "context deadline exceeded")
}

func flatten(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func tarFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func untarFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive holds no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		return io.ReadAll(tr)
	}
}

// cappedBuffer keeps at most max bytes and swallows the rest.
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
