package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/debuglog"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.UsageEvent
	err    error
}

func (s *recordingSink) Send(_ context.Context, e models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Checkpoint(context.Context, models.Cursor) error { return nil }

func (s *recordingSink) snapshot() []models.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageEvent(nil), s.events...)
}

type testProxy struct {
	srv     *Server
	sink    *recordingSink
	metrics *metrics.Collector
	front   *httptest.Server
}

// do sends a request through the proxy and returns the status and body once
// the proxy has finished handling it.
func (tp *testProxy) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, tp.front.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	tp.srv.inflight.Wait()
	return resp, string(data)
}

func setupProxy(t *testing.T, upstreamURL string, mutate func(*config.ProxyConfig), opts ...Option) *testProxy {
	t.Helper()
	cfg := config.Default().Proxy
	cfg.UpstreamBaseURL = upstreamURL
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	opts = append([]Option{WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))}, opts...)
	srv, err := New(cfg, m, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &recordingSink{}
	front := httptest.NewServer(srv.Handler(context.Background(), sink))
	t.Cleanup(front.Close)
	return &testProxy{srv: srv, sink: sink, metrics: m, front: front}
}

func TestJSONUsageRecorded(t *testing.T) {
	const respBody = `{"id":"chatcmpl-1","model":"gpt-4.1","choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500,"prompt_tokens_details":{"cached_tokens":200}}}`
	var gotAuth, gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "up-1")
		_, _ = io.WriteString(w, respBody)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	resp, body := tp.do(t, http.MethodPost, "/v1/chat/completions?stream=false",
		`{"model":"gpt-4.1","messages":[]}`, http.Header{"Authorization": {"Bearer sk-user"}})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != respBody {
		t.Errorf("expected body forwarded unchanged, got %s", body)
	}
	if resp.Header.Get("X-Request-Id") != "up-1" {
		t.Errorf("expected upstream header forwarded, got %q", resp.Header.Get("X-Request-Id"))
	}
	if gotAuth != "Bearer sk-user" {
		t.Errorf("expected client auth forwarded, got %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" || gotQuery != "stream=false" {
		t.Errorf("unexpected upstream target %s?%s", gotPath, gotQuery)
	}

	events := tp.sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if !strings.HasPrefix(e.SourceID, "proxy:") {
		t.Errorf("expected proxy source id, got %s", e.SourceID)
	}
	if e.Model != "gpt-4.1" || e.PromptTokens != 1000 || e.CachedPromptTokens != 200 || e.CompletionTokens != 500 {
		t.Errorf("unexpected event %+v", e)
	}
	if e.LatencyMs == nil || *e.LatencyMs < 0 {
		t.Errorf("expected latency, got %v", e.LatencyMs)
	}
	if got := testutil.ToFloat64(tp.metrics.UsageExtractions.WithLabelValues(outcomeOK)); got != 1 {
		t.Errorf("expected 1 ok extraction, got %v", got)
	}
	if got := testutil.ToFloat64(tp.metrics.ProxyRequests.WithLabelValues(http.MethodPost, "2xx")); got != 1 {
		t.Errorf("expected 1 proxied request, got %v", got)
	}
}

func TestSSEResponsesCompleted(t *testing.T) {
	events := []string{
		`{"type":"response.created","response":{"id":"resp_1","model":"o4-mini"}}`,
		`{"type":"response.output_text.delta","delta":"Hi"}`,
		`{"type":"response.completed","response":{"id":"resp_1","model":"o4-mini","usage":{"input_tokens":300,"input_tokens_details":{"cached_tokens":100},"output_tokens":40}}}`,
	}
	var want strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&want, "event: message\ndata: %s\n\n", ev)
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", ev)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	_, body := tp.do(t, http.MethodPost, "/v1/responses", `{"model":"o4-mini","stream":true}`, nil)
	if body != want.String() {
		t.Errorf("expected stream forwarded unchanged, got %q", body)
	}

	got := tp.sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Model != "o4-mini" || got[0].PromptTokens != 300 || got[0].CachedPromptTokens != 100 || got[0].CompletionTokens != 40 {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestSSEChatChunksUseRequestModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3}}\r\n\r\n")
		_, _ = io.WriteString(w, "data: [DONE]\r\n\r\n")
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL, func(c *config.ProxyConfig) { c.PublicBasePath = "/" })
	tp.do(t, http.MethodPost, "/chat/completions", `{"model":"gpt-4o-mini","stream":true}`, nil)

	got := tp.sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Model != "gpt-4o-mini" {
		t.Errorf("expected model from request, got %q", got[0].Model)
	}
	if got[0].PromptTokens != 12 || got[0].CompletionTokens != 3 {
		t.Errorf("unexpected counts %+v", got[0])
	}
}

func TestUpstreamErrorForwardedWithoutEvent(t *testing.T) {
	const errBody = `{"error":{"message":"slow down"},"usage":{"prompt_tokens":5,"completion_tokens":1}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, errBody)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	resp, body := tp.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4.1"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if body != errBody || resp.Header.Get("Retry-After") != "3" {
		t.Errorf("expected error response forwarded unchanged, got %q", body)
	}
	if n := len(tp.sink.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if got := testutil.ToFloat64(tp.metrics.UsageExtractions.WithLabelValues(outcomeStatus)); got != 1 {
		t.Errorf("expected non_2xx outcome, got %v", got)
	}
}

func TestResponseWithoutUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":"gpt-4.1"}]}`)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	resp, _ := tp.do(t, http.MethodGet, "/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if n := len(tp.sink.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if got := testutil.ToFloat64(tp.metrics.UsageExtractions.WithLabelValues(outcomeNoUsage)); got != 1 {
		t.Errorf("expected no_usage outcome, got %v", got)
	}
}

func TestCaptureOverflowStillForwards(t *testing.T) {
	respBody := `{"model":"gpt-4.1","pad":"` + strings.Repeat("x", 500) + `","usage":{"prompt_tokens":1,"completion_tokens":1}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respBody)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", func(c *config.ProxyConfig) { c.MaxCaptureBytes = 64 })
	_, body := tp.do(t, http.MethodPost, "/v1/chat/completions", `{}`, nil)
	if body != respBody {
		t.Errorf("expected full body forwarded, got %d bytes", len(body))
	}
	if n := len(tp.sink.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if got := testutil.ToFloat64(tp.metrics.UsageExtractions.WithLabelValues(outcomeOverflow)); got != 1 {
		t.Errorf("expected overflow outcome, got %v", got)
	}
}

func TestHopByHopHeadersDropped(t *testing.T) {
	var got http.Header
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotHost = r.Header.Clone(), r.Host
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	tp.do(t, http.MethodPost, "/v1/files", "", http.Header{
		"Connection":   {"X-Private"},
		"X-Private":    {"1"},
		"Keep-Alive":   {"timeout=5"},
		"X-Custom":     {"kept"},
		"Openai-Beta":  {"assistants=v2"},
		"Content-Type": {"application/json"},
	})

	if got == nil {
		t.Fatal("upstream not called")
	}
	for _, h := range []string{"X-Private", "Keep-Alive", "X-Forwarded-For"} {
		if v := got.Get(h); v != "" {
			t.Errorf("expected %s dropped, got %q", h, v)
		}
	}
	if got.Get("X-Custom") != "kept" || got.Get("Openai-Beta") != "assistants=v2" {
		t.Errorf("expected end-to-end headers forwarded, got %v", got)
	}
	if want := strings.TrimPrefix(upstream.URL, "http://"); gotHost != want {
		t.Errorf("expected upstream host %s, got %s", want, gotHost)
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	tp := setupProxy(t, addr+"/v1", nil)
	resp, body := tp.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4.1"}`, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream request failed") {
		t.Errorf("unexpected body %s", body)
	}
	if n := len(tp.sink.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestSinkErrorDoesNotAffectResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"gpt-4.1","usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	tp.sink.err = errors.New("aggregator closed")
	resp, _ := tp.do(t, http.MethodPost, "/v1/chat/completions", `{}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// blockingSink accepts events only once release is closed.
type blockingSink struct {
	release chan struct{}
	recordingSink
}

func (s *blockingSink) Send(ctx context.Context, e models.UsageEvent) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingSink.Send(ctx, e)
}

func TestSaturatedSinkDoesNotDelayResponse(t *testing.T) {
	const respBody = `{"model":"gpt-4.1","usage":{"prompt_tokens":7,"completion_tokens":3}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respBody[:20])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, respBody[20:])
	}))
	defer upstream.Close()

	cfg := config.Default().Proxy
	cfg.UpstreamBaseURL = upstream.URL + "/v1"
	srv, err := New(cfg, metrics.NewWithRegistry(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &blockingSink{release: make(chan struct{})}
	front := httptest.NewServer(srv.Handler(context.Background(), sink))
	defer front.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(front.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("response not delivered while the sink is blocked: %v", err)
	}
	if string(data) != respBody {
		t.Errorf("unexpected body %s", data)
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Errorf("expected event still pending, got %d", n)
	}

	close(sink.release)
	srv.inflight.Wait()
	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("expected event delivered after release, got %d", n)
	}
}

func TestLargeRequestBodyStreamed(t *testing.T) {
	var gotLen int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotLen = len(data)
		_, _ = io.WriteString(w, `{"usage":{"prompt_tokens":9000,"completion_tokens":1}}`)
	}))
	defer upstream.Close()

	reqBody := `{"model":"gpt-4.1","input":"` + strings.Repeat("y", 64<<10) + `"}`
	tp := setupProxy(t, upstream.URL+"/v1", func(c *config.ProxyConfig) { c.MaxCaptureBytes = 1024 })
	resp, _ := tp.do(t, http.MethodPost, "/v1/responses", reqBody, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotLen != len(reqBody) {
		t.Errorf("expected %d request bytes upstream, got %d", len(reqBody), gotLen)
	}
	events := tp.sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Model != "unknown" || events[0].PromptTokens != 9000 {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestGzipCaptureBoundedAfterDecompression(t *testing.T) {
	plain := `{"model":"gpt-4.1","pad":"` + strings.Repeat("z", 64<<10) + `","usage":{"prompt_tokens":1,"completion_tokens":1}}`
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = io.WriteString(zw, plain)
	_ = zw.Close()
	if gz.Len() >= 1024 {
		t.Fatalf("compressed fixture too large: %d bytes", gz.Len())
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz.Bytes())
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", func(c *config.ProxyConfig) { c.MaxCaptureBytes = 1024 })
	_, body := tp.do(t, http.MethodPost, "/v1/chat/completions", `{}`, http.Header{"Accept-Encoding": {"gzip"}})

	if body != gz.String() {
		t.Errorf("expected compressed body forwarded unchanged, got %d bytes", len(body))
	}
	if n := len(tp.sink.snapshot()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if got := testutil.ToFloat64(tp.metrics.UsageExtractions.WithLabelValues(outcomeOverflow)); got != 1 {
		t.Errorf("expected overflow outcome, got %v", got)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call to %s", r.URL.Path)
	}))
	defer upstream.Close()

	tp := setupProxy(t, upstream.URL+"/v1", nil)
	tp.metrics.FilesTailed.Set(3)

	resp, body := tp.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(body) != "ok" {
		t.Errorf("unexpected healthz response %d %q", resp.StatusCode, body)
	}
	_, body = tp.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(body, "tokmeter_files_tailed 3") {
		t.Errorf("expected metrics exposition, got %s", body)
	}
}

func TestDebugLogCapture(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"gpt-4.1","usage":{"prompt_tokens":2,"completion_tokens":2}}`)
	}))
	defer upstream.Close()

	dcfg := config.Default().Debug
	dcfg.Enabled = true
	dcfg.Dir = filepath.Join(t.TempDir(), "debug")
	dl, err := debuglog.New(dcfg, metrics.NewWithRegistry(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	tp := setupProxy(t, upstream.URL+"/v1", nil, WithDebugLogger(dl))
	tp.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4.1"}`,
		http.Header{"Authorization": {"Bearer sk-user"}})
	if err := dl.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := dl.Query(context.Background(), models.DebugQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 debug entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Path != "/v1/chat/completions" || e.StatusCode != 200 || e.Model != "gpt-4.1" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.RequestHeaders["Authorization"] != "[REDACTED]" {
		t.Errorf("expected authorization redacted, got %q", e.RequestHeaders["Authorization"])
	}
	if ev := tp.sink.snapshot(); len(ev) != 1 || ev[0].SourceID != "proxy:"+e.RequestID {
		t.Errorf("expected debug entry to share the event id, got %+v", ev)
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"/v1", "/v1", "/"},
		{"/v1", "/v1/chat/completions", "/chat/completions"},
		{"/v1", "/v12/chat", "/v12/chat"},
		{"/v1", "/other", "/other"},
		{"/", "/v1/chat", "/v1/chat"},
	}
	for _, tt := range tests {
		if got := relativePath(tt.base, tt.path); got != tt.want {
			t.Errorf("relativePath(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestNormalizeBasePath(t *testing.T) {
	tests := map[string]string{
		"":       "/",
		"/":      "/",
		"v1":     "/v1",
		"/v1/":   "/v1",
		" /v1 ":  "/v1",
		"/a/b//": "/a/b",
	}
	for in, want := range tests {
		if got := normalizeBasePath(in); got != want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinURLPath(t *testing.T) {
	tests := []struct {
		base, rel, want string
	}{
		{"", "/chat", "/chat"},
		{"/v1", "/chat", "/v1/chat"},
		{"/v1/", "/chat", "/v1/chat"},
		{"/v1", "/", "/v1/"},
	}
	for _, tt := range tests {
		if got := joinURLPath(tt.base, tt.rel); got != tt.want {
			t.Errorf("joinURLPath(%q, %q) = %q, want %q", tt.base, tt.rel, got, tt.want)
		}
	}
}

func TestNewRejectsRelativeUpstream(t *testing.T) {
	cfg := config.Default().Proxy
	cfg.UpstreamBaseURL = "api.openai.com/v1"
	if _, err := New(cfg, metrics.NewWithRegistry(prometheus.NewRegistry()), zerolog.Nop()); err == nil {
		t.Error("expected error for relative upstream url")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default().Proxy
	cfg.Listen = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	srv, err := New(cfg, metrics.NewWithRegistry(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, &recordingSink{}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
