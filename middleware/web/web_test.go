package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternhq/tern"
)

type fakeProvider struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Search(_ context.Context, _ string, _ int) ([]Result, error) {
	p.calls++
	return p.results, p.err
}

func callTool(t *testing.T, m *Middleware, name string, args map[string]any) (*tern.ToolResult, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	call := &tern.ToolCallRequest{ID: "tc1", Name: name, Args: raw, ThreadID: "th1", RunID: "r1"}
	return m.WrapToolCall(context.Background(), call, tern.UnknownTool)
}

func TestSearchUsesPrimaryProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: []Result{{Title: "Go", URL: "https://go.dev", Snippet: "The Go site"}}}
	secondary := &fakeProvider{name: "secondary"}
	m := New([]SearchProvider{primary, secondary})

	res, err := callTool(t, m, "web_search", map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("web_search: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "[1] Go") || !strings.Contains(res.Content, "https://go.dev") {
		t.Errorf("content = %q, want formatted hit", res.Content)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary.calls = %d, want 0", secondary.calls)
	}
}

func TestSearchFallsBackInOrder(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("quota exceeded")}
	secondary := &fakeProvider{name: "secondary", results: []Result{{Title: "Hit", URL: "https://x"}}}
	tertiary := &fakeProvider{name: "tertiary"}
	m := New([]SearchProvider{primary, secondary, tertiary})

	res, err := callTool(t, m, "web_search", map[string]any{"query": "q"})
	if err != nil {
		t.Fatalf("web_search: %v", err)
	}
	if !strings.Contains(res.Content, "Hit") {
		t.Errorf("content = %q, want secondary's hit", res.Content)
	}
	if primary.calls != 1 || secondary.calls != 1 || tertiary.calls != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", primary.calls, secondary.calls, tertiary.calls)
	}
}

func TestSearchFailsOnlyWhenAllFail(t *testing.T) {
	m := New([]SearchProvider{
		&fakeProvider{name: "primary", err: errors.New("down")},
		&fakeProvider{name: "secondary", err: errors.New("also down")},
	})

	_, err := callTool(t, m, "web_search", map[string]any{"query": "q"})
	if err == nil {
		t.Fatal("want error when every provider fails")
	}
	if tern.KindOf(err) != tern.KindTransient {
		t.Errorf("KindOf(err) = %v, want transient", tern.KindOf(err))
	}
	if !strings.Contains(err.Error(), "primary: down") || !strings.Contains(err.Error(), "secondary: also down") {
		t.Errorf("err = %q, want both failures listed", err)
	}
}

func TestSearchEmptyQueryIsInvalidInput(t *testing.T) {
	m := New([]SearchProvider{&fakeProvider{name: "p"}})
	res, err := callTool(t, m, "web_search", map[string]any{"query": "  "})
	if err != nil {
		t.Fatalf("web_search: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "query is required") {
		t.Errorf("result = %+v, want query guidance", res)
	}
}

func TestSearchNoResults(t *testing.T) {
	m := New([]SearchProvider{&fakeProvider{name: "p"}})
	res, err := callTool(t, m, "web_search", map[string]any{"query": "obscure"})
	if err != nil {
		t.Fatalf("web_search: %v", err)
	}
	if res.Content != `No results found for "obscure".` {
		t.Errorf("content = %q", res.Content)
	}
}

func TestFetchExtractsReadableText(t *testing.T) {
	const page = `<html><head><title>T</title><style>p{color:red}</style></head>
<body><script>var x = 1;</script><article><h1>Title</h1>
<p>The quick brown fox jumps over the lazy dog. This paragraph carries the
actual article content that a reader cares about, repeated once more: the
quick brown fox jumps over the lazy dog.</p></article></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	m := New(nil, WithHTTPClient(srv.Client()))
	res, err := callTool(t, m, "web_fetch", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("web_fetch: %v", err)
	}
	if !strings.Contains(res.Content, "quick brown fox") {
		t.Errorf("content = %q, want article text", res.Content)
	}
	if strings.Contains(res.Content, "<p>") || strings.Contains(res.Content, "var x") {
		t.Errorf("content = %q, want markup and script stripped", res.Content)
	}
}

func TestFetchRejectsNonHTTPURL(t *testing.T) {
	m := New(nil)
	res, err := callTool(t, m, "web_fetch", map[string]any{"url": "file:///etc/passwd"})
	if err != nil {
		t.Fatalf("web_fetch: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "http(s)") {
		t.Errorf("result = %+v, want scheme rejection", res)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	m := New(nil, WithHTTPClient(srv.Client()))

	_, err := callTool(t, m, "web_fetch", map[string]any{"url": srv.URL})
	if tern.KindOf(err) != tern.KindInvalidInput {
		t.Errorf("404 KindOf(err) = %v, want invalid_input", tern.KindOf(err))
	}

	status = http.StatusBadGateway
	_, err = callTool(t, m, "web_fetch", map[string]any{"url": srv.URL})
	if tern.KindOf(err) != tern.KindTransient {
		t.Errorf("502 KindOf(err) = %v, want transient", tern.KindOf(err))
	}
}

func TestFetchTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<p>" + strings.Repeat("words and more words. ", 100) + "</p>"))
	}))
	defer srv.Close()
	m := New(nil, WithHTTPClient(srv.Client()), WithMaxResultChars(50))

	res, err := callTool(t, m, "web_fetch", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("web_fetch: %v", err)
	}
	if !strings.HasSuffix(res.Content, "\n... (truncated)") {
		t.Errorf("content = %q, want truncation marker", res.Content)
	}
	if len(res.Content) > 50+len("\n... (truncated)") {
		t.Errorf("len(content) = %d, want capped", len(res.Content))
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><style>body{}</style><script>ignore();</script>
<h1>Head</h1><p>One &amp; two&nbsp;three</p><div>four</div></html>`
	got := stripHTML(in)
	for _, want := range []string{"Head", "One & two", "three", "four"} {
		if !strings.Contains(got, want) {
			t.Errorf("stripHTML = %q, missing %q", got, want)
		}
	}
	for _, banned := range []string{"ignore", "body{}", "<"} {
		if strings.Contains(got, banned) {
			t.Errorf("stripHTML = %q, want %q removed", got, banned)
		}
	}
}

func TestBraveParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key123" {
			t.Errorf("X-Subscription-Token = %q, want key123", got)
		}
		if got := r.URL.Query().Get("q"); got != "go agents" {
			t.Errorf("q = %q, want %q", got, "go agents")
		}
		if got := r.URL.Query().Get("count"); got != "5" {
			t.Errorf("count = %q, want 5", got)
		}
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"A","url":"https://a","description":"da"},{"title":"B","url":"https://b","description":"db"}]}}`))
	}))
	defer srv.Close()

	b := &Brave{apiKey: "key123", endpoint: srv.URL, client: srv.Client()}
	results, err := b.Search(context.Background(), "go agents", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].Title != "A" || results[1].Snippet != "db" {
		t.Errorf("results = %+v", results)
	}
}

func TestBraveErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	b := &Brave{apiKey: "k", endpoint: srv.URL, client: srv.Client()}
	_, err := b.Search(context.Background(), "q", 3)
	if err == nil || !strings.Contains(err.Error(), "brave API 429") {
		t.Errorf("err = %v, want brave API 429", err)
	}
}

func TestUnownedToolForwards(t *testing.T) {
	m := New(nil)
	res, err := callTool(t, m, "other_tool", map[string]any{})
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("result = %+v, want unknown-tool rejection from base", res)
	}
}
