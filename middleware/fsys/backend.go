package fsys

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/sandbox"
)

// Backend is the storage surface the filesystem tools operate on. The
// thread id selects the owning sandbox for proxied backends; the local
// backend ignores it.
type Backend interface {
	ReadFile(ctx context.Context, threadID, path string) ([]byte, error)
	WriteFile(ctx context.Context, threadID, path string, data []byte) error
	ListDir(ctx context.Context, threadID, path string) ([]tern.DirEntry, error)
}

// LocalBackend reads and writes the host filesystem directly.
type LocalBackend struct{}

var _ Backend = LocalBackend{}

func (LocalBackend) ReadFile(_ context.Context, _, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (LocalBackend) WriteFile(_ context.Context, _, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (LocalBackend) ListDir(_ context.Context, _, path string) ([]tern.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]tern.DirEntry, 0, len(entries))
	for _, e := range entries {
		var size, mod int64
		if info, ierr := e.Info(); ierr == nil {
			size = info.Size()
			mod = info.ModTime().Unix()
		}
		out = append(out, tern.DirEntry{
			Name:    e.Name(),
			Path:    filepath.Join(path, e.Name()),
			IsDir:   e.IsDir(),
			Size:    size,
			ModTime: mod,
		})
	}
	return out, nil
}

// SandboxBackend proxies file operations into the thread's sandbox
// session, creating one on first use. Successful operations touch the
// session; provider failures propagate with their kind intact.
type SandboxBackend struct {
	mgr *sandbox.Manager
}

var _ Backend = (*SandboxBackend)(nil)

// NewSandboxBackend builds a backend over the given session manager.
func NewSandboxBackend(mgr *sandbox.Manager) *SandboxBackend {
	return &SandboxBackend{mgr: mgr}
}

func (b *SandboxBackend) ReadFile(ctx context.Context, threadID, path string) ([]byte, error) {
	sb, err := b.mgr.GetSandbox(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return sb.ReadFile(ctx, path)
}

func (b *SandboxBackend) WriteFile(ctx context.Context, threadID, path string, data []byte) error {
	sb, err := b.mgr.GetSandbox(ctx, threadID)
	if err != nil {
		return err
	}
	return sb.WriteFile(ctx, path, data)
}

func (b *SandboxBackend) ListDir(ctx context.Context, threadID, path string) ([]tern.DirEntry, error) {
	sb, err := b.mgr.GetSandbox(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return sb.ListDir(ctx, path)
}
