package httpbox

// Wire types for the sandboxd JSON protocol. The provider marshals
// these; cmd/sandboxd serves them.

// CreateRequest is the body of POST /v1/instances.
type CreateRequest struct {
	Image   string            `json:"image,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// InstanceInfo describes one instance, returned by create and status.
type InstanceInfo struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// ExecRequest is the body of POST /v1/instances/{id}/exec. Timeout is
// whole seconds on the wire.
type ExecRequest struct {
	Command     string            `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TimeoutSecs int               `json:"timeout,omitempty"`
}

// ExecResponse is the result of one exec.
type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// FileRequest is the body of PUT /v1/instances/{id}/file. Data is
// base64.
type FileRequest struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// FileResponse is the body returned by GET /v1/instances/{id}/file.
type FileResponse struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// DirResponse is the body returned by GET /v1/instances/{id}/dir.
type DirResponse struct {
	Entries []DirEntry `json:"entries"`
}

// DirEntry is one directory listing row. ModTime is epoch seconds.
type DirEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// MetricsResponse is the body returned by GET /v1/instances/{id}/metrics.
type MetricsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
	DiskBytes     int64   `json:"disk_bytes"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// ErrorResponse is the error envelope for every non-2xx status. Kind,
// when present, carries the provider error classification.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
