// Package httpbox is a sandbox provider that drives a remote sandboxd
// service over JSON HTTP. Instances, exec, files, and metrics all map
// to one endpoint each; failures carry the server's classification so
// the session layer can tell a flaky daemon from a bad request.
//
// The provider never retries. It reports 5xx and network failures as
// transient and leaves the retry decision to the caller.
package httpbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-connections/sockets"

	"github.com/ternhq/tern"
)

// ProviderName is the name instances created here carry.
const ProviderName = "http"

// maxResponseBytes caps how much of a sandboxd response is read.
const maxResponseBytes = 50 << 20

// Provider implements tern.SandboxProvider against a sandboxd host.
type Provider struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

var _ tern.SandboxProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// New builds a provider for the sandboxd at host. Plain host:port and
// http(s) URLs dial TCP; unix:///path/sandboxd.sock dials the socket.
func New(host string, opts ...Option) (*Provider, error) {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = tern.NopLogger()
	}

	base := strings.TrimRight(host, "/")
	if p.client == nil {
		tr := &http.Transport{}
		if proto, addr, ok := strings.Cut(base, "://"); ok && (proto == "unix" || proto == "npipe") {
			if err := sockets.ConfigureTransport(tr, proto, addr); err != nil {
				return nil, fmt.Errorf("httpbox: configure %s transport: %w", proto, err)
			}
			base = "http://localhost"
		}
		p.client = &http.Client{Transport: tr}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	p.base = base
	return p, nil
}

func (p *Provider) Name() string { return ProviderName }

// Ping probes the sandboxd health endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	return p.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil)
}

// CreateInstance asks sandboxd for a fresh instance.
func (p *Provider) CreateInstance(ctx context.Context, cfg tern.InstanceConfig) (tern.Instance, error) {
	var info InstanceInfo
	err := p.do(ctx, "create", http.MethodPost, "/v1/instances", CreateRequest{
		Image:   cfg.Image,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
		Labels:  cfg.Labels,
	}, &info)
	if err != nil {
		return tern.Instance{}, err
	}
	p.logger.Debug("remote instance created", "instance_id", info.ID, "host", p.base)
	return tern.Instance{
		ID:        info.ID,
		Provider:  ProviderName,
		State:     tern.InstanceState(info.State),
		Endpoint:  info.Endpoint,
		Labels:    info.Labels,
		CreatedAt: info.CreatedAt,
	}, nil
}

// Pause freezes the remote instance.
func (p *Provider) Pause(ctx context.Context, instanceID string) error {
	return p.do(ctx, "pause", http.MethodPost, p.instancePath(instanceID, "pause"), nil, nil)
}

// Resume thaws the remote instance.
func (p *Provider) Resume(ctx context.Context, instanceID string) error {
	return p.do(ctx, "resume", http.MethodPost, p.instancePath(instanceID, "resume"), nil, nil)
}

// Destroy removes the remote instance. An instance sandboxd no longer
// knows counts as destroyed.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	err := p.do(ctx, "destroy", http.MethodDelete, p.instancePath(instanceID, ""), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// Status reports the remote state. Unknown instances are dead, not an
// error, so the lease recreates them.
func (p *Provider) Status(ctx context.Context, instanceID string) (tern.InstanceState, error) {
	var info InstanceInfo
	err := p.do(ctx, "status", http.MethodGet, p.instancePath(instanceID, ""), nil, &info)
	if isStatus(err, http.StatusNotFound) {
		return tern.InstanceDead, nil
	}
	if err != nil {
		return tern.InstanceDead, err
	}
	return tern.InstanceState(info.State), nil
}

// Exec runs one command remotely. The timeout rides the wire in whole
// seconds; sub-second values round up so a short budget is never lost.
func (p *Provider) Exec(ctx context.Context, instanceID string, req tern.ExecRequest) (tern.ExecResult, error) {
	secs := int(req.Timeout / time.Second)
	if req.Timeout > 0 && req.Timeout%time.Second != 0 {
		secs++
	}
	var resp ExecResponse
	err := p.do(ctx, "exec", http.MethodPost, p.instancePath(instanceID, "exec"), ExecRequest{
		Command:     req.Command,
		Cwd:         req.Cwd,
		Env:         req.Env,
		TimeoutSecs: secs,
	}, &resp)
	if err != nil {
		return tern.ExecResult{}, err
	}
	return tern.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Duration(resp.DurationMS) * time.Millisecond,
	}, nil
}

// ReadFile fetches one file, base64 on the wire.
func (p *Provider) ReadFile(ctx context.Context, instanceID, filePath string) ([]byte, error) {
	var resp FileResponse
	err := p.do(ctx, "read_file", http.MethodGet,
		p.instancePath(instanceID, "file")+"?path="+url.QueryEscape(filePath), nil, &resp)
	if err != nil {
		return nil, err
	}
	data, derr := base64.StdEncoding.DecodeString(resp.Data)
	if derr != nil {
		return nil, tern.NewProviderError(ProviderName, "read_file", tern.ProviderErrPermanent,
			fmt.Errorf("decode file data: %w", derr))
	}
	return data, nil
}

// WriteFile uploads one file, base64 on the wire.
func (p *Provider) WriteFile(ctx context.Context, instanceID, filePath string, data []byte) error {
	return p.do(ctx, "write_file", http.MethodPut, p.instancePath(instanceID, "file"), FileRequest{
		Path: filePath,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil)
}

// ListDir lists a remote directory.
func (p *Provider) ListDir(ctx context.Context, instanceID, dirPath string) ([]tern.DirEntry, error) {
	var resp DirResponse
	err := p.do(ctx, "list_dir", http.MethodGet,
		p.instancePath(instanceID, "dir")+"?path="+url.QueryEscape(dirPath), nil, &resp)
	if err != nil {
		return nil, err
	}
	entries := make([]tern.DirEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		entries = append(entries, tern.DirEntry{
			Name:    e.Name,
			Path:    e.Path,
			IsDir:   e.IsDir,
			Size:    e.Size,
			ModTime: e.ModTime,
		})
	}
	return entries, nil
}

// Metrics fetches the remote resource snapshot.
func (p *Provider) Metrics(ctx context.Context, instanceID string) (tern.InstanceMetrics, error) {
	var resp MetricsResponse
	err := p.do(ctx, "metrics", http.MethodGet, p.instancePath(instanceID, "metrics"), nil, &resp)
	if err != nil {
		return tern.InstanceMetrics{}, err
	}
	return tern.InstanceMetrics{
		CPUPercent:    resp.CPUPercent,
		MemoryBytes:   resp.MemoryBytes,
		DiskBytes:     resp.DiskBytes,
		UptimeSeconds: resp.UptimeSeconds,
	}, nil
}

func (p *Provider) instancePath(id, sub string) string {
	path := "/v1/instances/" + url.PathEscape(id)
	if sub != "" {
		path += "/" + sub
	}
	return path
}

// do performs one request and maps failures to provider errors. HTTP
// error statuses keep their code reachable through statusError.
func (p *Provider) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return tern.NewProviderError(ProviderName, op, tern.ProviderErrPermanent,
				fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.base+path, body)
	if err != nil {
		return tern.NewProviderError(ProviderName, op, tern.ProviderErrPermanent, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		kind := tern.ProviderErrPermanent
		if isTransientNet(err) || ctx.Err() != nil {
			kind = tern.ProviderErrTransient
		}
		return tern.NewProviderError(ProviderName, op, kind, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tern.NewProviderError(ProviderName, op, tern.ProviderErrTransient,
			fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var wire ErrorResponse
		_ = json.Unmarshal(respBody, &wire)
		msg := wire.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		kind := kindFromWire(wire.Kind, resp.StatusCode)
		return tern.NewProviderError(ProviderName, op, kind, &statusError{status: resp.StatusCode, msg: msg})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return tern.NewProviderError(ProviderName, op, tern.ProviderErrPermanent,
				fmt.Errorf("parse response: %w", err))
		}
	}
	return nil
}

// statusError preserves the HTTP status for callers that special-case
// 404s.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sandboxd returned %d: %s", e.status, e.msg)
}

func isStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

// kindFromWire trusts the server's classification when it sends one and
// falls back to the HTTP status.
func kindFromWire(kind string, status int) tern.ProviderErrorKind {
	switch k := tern.ProviderErrorKind(kind); k {
	case tern.ProviderErrTransient, tern.ProviderErrAuth, tern.ProviderErrQuota, tern.ProviderErrPermanent:
		return k
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return tern.ProviderErrAuth
	case status == http.StatusTooManyRequests:
		return tern.ProviderErrQuota
	case status >= 500:
		return tern.ProviderErrTransient
	default:
		return tern.ProviderErrPermanent
	}
}

// isTransientNet reports whether err looks like a network blip rather
// than a misconfigured host.
func isTransientNet(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
