package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/sandbox"
	"github.com/ternhq/tern/store/memstore"
)

// scriptedProvider returns canned responses in order and repeats the
// last-resort answer once the script runs out. A non-nil block channel
// holds every call until the channel is closed.
type scriptedProvider struct {
	err   error
	block chan struct{}

	mu        sync.Mutex
	responses []tern.ModelResponse
	idx       int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next() tern.ModelResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.responses) {
		return tern.ModelResponse{Content: "exhausted", StopReason: "end_turn"}
	}
	resp := p.responses[p.idx]
	p.idx++
	return resp
}

func (p *scriptedProvider) wait(ctx context.Context) error {
	if p.block == nil {
		return nil
	}
	select {
	case <-p.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *scriptedProvider) Chat(ctx context.Context, req tern.ModelRequest) (tern.ModelResponse, error) {
	if err := p.wait(ctx); err != nil {
		return tern.ModelResponse{}, err
	}
	if p.err != nil {
		return tern.ModelResponse{}, p.err
	}
	return p.next(), nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req tern.ModelRequest, ch chan<- string) (tern.ModelResponse, error) {
	defer close(ch)
	if err := p.wait(ctx); err != nil {
		return tern.ModelResponse{}, err
	}
	if p.err != nil {
		return tern.ModelResponse{}, p.err
	}
	resp := p.next()
	if resp.Content != "" {
		select {
		case ch <- resp.Content:
		case <-ctx.Done():
			return tern.ModelResponse{}, ctx.Err()
		}
	}
	return resp, nil
}

// fakeSandbox records administrative calls and serves canned statuses.
type fakeSandbox struct {
	types     []sandbox.TypeStatus
	createErr error

	mu        sync.Mutex
	statuses  map[string]sandbox.Status
	created   []string // threadID|provider|cwd
	paused    []string
	resumed   []string
	destroyed []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{statuses: make(map[string]sandbox.Status)}
}

func (f *fakeSandbox) setStatus(threadID string, st sandbox.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[threadID] = st
}

func (f *fakeSandbox) TypeStatuses(context.Context) []sandbox.TypeStatus { return f.types }

func (f *fakeSandbox) CreateSession(_ context.Context, threadID, provider, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, threadID+"|"+provider+"|"+cwd)
	return nil
}

func (f *fakeSandbox) SessionStatus(_ context.Context, threadID string) (sandbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[threadID]
	if !ok {
		return sandbox.Status{}, tern.ErrNotFound
	}
	return st, nil
}

func (f *fakeSandbox) TerminalStatus(ctx context.Context, threadID string) (tern.TerminalRecord, error) {
	st, err := f.SessionStatus(ctx, threadID)
	if err != nil {
		return tern.TerminalRecord{}, err
	}
	return st.Terminal, nil
}

func (f *fakeSandbox) LeaseStatus(ctx context.Context, threadID string) (tern.LeaseRecord, error) {
	st, err := f.SessionStatus(ctx, threadID)
	if err != nil {
		return tern.LeaseRecord{}, err
	}
	return st.Lease, nil
}

func (f *fakeSandbox) PauseSession(_ context.Context, threadID string) error {
	return f.record(threadID, &f.paused)
}

func (f *fakeSandbox) ResumeSession(_ context.Context, threadID string) error {
	return f.record(threadID, &f.resumed)
}

func (f *fakeSandbox) DestroySession(_ context.Context, threadID string) error {
	return f.record(threadID, &f.destroyed)
}

func (f *fakeSandbox) record(threadID string, into *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[threadID]; !ok {
		return tern.ErrNotFound
	}
	*into = append(*into, threadID)
	return nil
}

// fakeRuntime serves a fixed monitor snapshot.
type fakeRuntime struct {
	snap tern.StatusSnapshot
}

func (f *fakeRuntime) Snapshot() tern.StatusSnapshot { return f.snap }

// testEnv is an API server over a real engine and in-memory store.
type testEnv struct {
	engine *tern.Engine
	store  *memstore.Store
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, provider tern.ModelProvider, opts ...Option) *testEnv {
	t.Helper()
	st := memstore.New()
	eng := tern.New(provider, tern.WithStore(st), tern.WithModel("test-model"))
	srv := httptest.NewServer(NewServer(eng, opts...).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			t.Errorf("engine close: %v", err)
		}
		srv.Close()
	})
	return &testEnv{engine: eng, store: st, srv: srv}
}

func (e *testEnv) url(path string) string { return e.srv.URL + path }

// do performs one request with an optional JSON body.
func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// decodeResp unmarshals the response body into v and closes it.
func decodeResp(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// createThread makes a bare thread through the API and returns its id.
func createThread(t *testing.T, env *testEnv) string {
	t.Helper()
	resp := do(t, http.MethodPost, env.url("/api/threads"), `{}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create thread status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created createThreadResponse
	decodeResp(t, resp, &created)
	if created.ThreadID == "" {
		t.Fatal("create thread returned empty thread_id")
	}
	return created.ThreadID
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	resp := do(t, http.MethodGet, env.url("/healthz"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeResp(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("healthz status field = %q, want %q", body["status"], "ok")
	}
}

func TestMetricsRoute(t *testing.T) {
	stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# HELP stub\n")
	})
	env := newTestEnv(t, &scriptedProvider{}, WithMetrics(stub))
	resp := do(t, http.MethodGet, env.url("/metrics"), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "# HELP stub") {
		t.Errorf("metrics body = %q, want the stub exposition", body)
	}
}

func TestMetricsRouteAbsentByDefault(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	resp := do(t, http.MethodGet, env.url("/metrics"), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics status = %d, want 404 without a handler", resp.StatusCode)
	}
}
