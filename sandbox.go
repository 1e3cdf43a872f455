package tern

import (
	"context"
	"fmt"
	"time"
)

// InstanceState is a provider-reported sandbox instance state.
type InstanceState string

const (
	InstanceRunning InstanceState = "running"
	InstancePaused  InstanceState = "paused"
	InstanceDead    InstanceState = "dead"
)

// InstanceConfig carries creation parameters for a sandbox instance.
type InstanceConfig struct {
	Image   string            `json:"image,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Instance is a provider-issued handle to a concrete sandbox.
type Instance struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	State     InstanceState     `json:"state"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// ExecRequest is one command execution inside an instance.
type ExecRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// DirEntry describes one entry from a sandbox directory listing.
type DirEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// InstanceMetrics is a point-in-time resource snapshot for an instance.
type InstanceMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
	DiskBytes     int64   `json:"disk_bytes"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// ProviderErrorKind classifies sandbox provider failures.
type ProviderErrorKind string

const (
	ProviderErrTransient ProviderErrorKind = "transient"
	ProviderErrAuth      ProviderErrorKind = "auth"
	ProviderErrQuota     ProviderErrorKind = "quota"
	ProviderErrPermanent ProviderErrorKind = "permanent"
)

// ProviderError wraps a failure from a sandbox provider with its kind.
// Transient failures are retried by the core; auth, quota, and permanent
// failures mark the lease dead.
type ProviderError struct {
	Provider string
	Op       string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a classified provider failure.
func NewProviderError(provider, op string, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Err: err}
}

// SandboxProvider is implemented by concrete sandbox backends (local
// processes, Docker containers, remote HTTP daemons). Methods are
// at-most-once: the core owns retries, providers must not retry
// internally. Implementations return *ProviderError for classifiable
// failures.
type SandboxProvider interface {
	Name() string
	CreateInstance(ctx context.Context, cfg InstanceConfig) (Instance, error)
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Destroy(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (InstanceState, error)
	Exec(ctx context.Context, instanceID string, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, instanceID, path string) ([]byte, error)
	WriteFile(ctx context.Context, instanceID, path string, data []byte) error
	ListDir(ctx context.Context, instanceID, path string) ([]DirEntry, error)
	Metrics(ctx context.Context, instanceID string) (InstanceMetrics, error)
}
