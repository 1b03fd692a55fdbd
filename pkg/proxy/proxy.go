// Package proxy is an intercepting reverse proxy in front of an OpenAI
// compatible API. Responses are streamed to the client unchanged while a
// bounded copy is inspected for token usage once the body completes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/collector"
	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/debuglog"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

// Server is the tokmeter intercepting proxy.
type Server struct {
	cfg      config.ProxyConfig
	upstream *url.URL
	basePath string

	metrics        *metrics.Collector
	metricsHandler http.Handler
	debug          *debuglog.Logger
	log            zerolog.Logger
	newID          func() string
	now            func() time.Time

	sink     collector.Sink
	emitCtx  context.Context
	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics instead of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithDebugLogger captures every request/response pair to l.
func WithDebugLogger(l *debuglog.Logger) Option {
	return func(s *Server) { s.debug = l }
}

// New creates a proxy for cfg.
func New(cfg config.ProxyConfig, m *metrics.Collector, logger zerolog.Logger, opts ...Option) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", cfg.UpstreamBaseURL)
	}
	if cfg.MaxCaptureBytes <= 0 {
		cfg.MaxCaptureBytes = 4 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:            cfg,
		upstream:       upstream,
		basePath:       normalizeBasePath(cfg.PublicBasePath),
		metrics:        m,
		metricsHandler: promhttp.Handler(),
		log:            logger.With().Str("component", "proxy").Logger(),
		newID:          uuid.NewString,
		now:            time.Now,
		emitCtx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements collector.Collector.
func (s *Server) Name() string { return "proxy" }

// Handler returns the router. Usage events go to sink and are sent with ctx,
// so a cancelled ctx applies the sink's shutdown policy.
func (s *Server) Handler(ctx context.Context, sink collector.Sink) http.Handler {
	s.sink, s.emitCtx = sink, ctx

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Handle("/metrics", s.metricsHandler)
	r.Handle("/*", http.HandlerFunc(s.forward))
	return r
}

// Run serves until ctx is done, then stops accepting connections and waits up
// to the shutdown timeout for in-flight requests to finish and emit.
func (s *Server) Run(ctx context.Context, sink collector.Sink) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(ctx, sink),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.New(s.log, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Str("upstream", s.upstream.String()).
			Str("base_path", s.basePath).Msg("proxy listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn().Err(err).Msg("proxy shutdown timed out; closing connections")
			_ = srv.Close()
		}
		s.inflight.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// exchange is the per-request state needed once the response body completes.
type exchange struct {
	id    string
	in    *http.Request
	req   *requestTee
	start time.Time
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	s.inflight.Add(1)
	defer s.inflight.Done()
	s.metrics.ProxyInFlight.Inc()
	defer s.metrics.ProxyInFlight.Dec()

	// The request body streams upstream; only its head is kept for the model
	// hint and the debug log.
	x := &exchange{id: s.newID(), in: r, req: &requestTee{limit: s.cfg.MaxCaptureBytes}, start: s.now()}
	if r.Body != nil && r.Body != http.NoBody {
		x.req.rc = r.Body
		r.Body = x.req
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = s.target(pr.In.URL)
			pr.Out.Host = ""
		},
		FlushInterval: -1,
		ModifyResponse: func(res *http.Response) error {
			res.Body = &captureBody{
				rc:      res.Body,
				limit:   s.cfg.MaxCaptureBytes,
				onClose: func(c *captureBody) {
					// Emission must not hold up the end of the response.
					s.inflight.Add(1)
					go func() {
						defer s.inflight.Done()
						s.complete(x, res, c)
					}()
				},
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.metrics.ProxyRequests.WithLabelValues(r.Method, metrics.StatusClass(http.StatusBadGateway)).Inc()
			if errors.Is(err, context.Canceled) {
				s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("client went away")
			} else {
				s.log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			}
			writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		},
		ErrorLog: log.New(s.log, "", 0),
	}
	rp.ServeHTTP(w, r)
}

// complete runs once the response body has been copied and closed.
func (s *Server) complete(x *exchange, res *http.Response, c *captureBody) {
	end := s.now()
	class := metrics.StatusClass(res.StatusCode)
	s.metrics.ProxyRequests.WithLabelValues(x.in.Method, class).Inc()
	s.metrics.UpstreamDuration.WithLabelValues(class).Observe(end.Sub(x.start).Seconds())

	hint := x.req.modelHint()
	u, outcome := s.extract(res, c)
	if outcome == outcomeOK {
		if u.model == "" {
			u.model = hint
		}
		if u.model == "" {
			u.model = "unknown"
		}
		latency := end.Sub(x.start).Milliseconds()
		e := models.UsageEvent{
			SourceID:           "proxy:" + x.id,
			Timestamp:          end.UTC(),
			Model:              u.model,
			PromptTokens:       u.prompt,
			CachedPromptTokens: u.cached,
			CompletionTokens:   u.completion,
			LatencyMs:          &latency,
		}
		if err := s.sink.Send(s.emitCtx, e); err != nil {
			s.log.Warn().Err(err).Str("source_id", e.SourceID).Msg("usage event not delivered")
		}
	} else {
		s.log.Debug().Str("request_id", x.id).Str("path", x.in.URL.Path).Int("status", res.StatusCode).
			Str("outcome", outcome).Msg("no usage recorded")
	}
	s.metrics.UsageExtractions.WithLabelValues(outcome).Inc()

	if s.debug != nil {
		if u.model == "" {
			u.model = hint
		}
		s.logDebug(x, res, c, u.model, end)
	}
}

func (s *Server) extract(res *http.Response, c *captureBody) (usage, string) {
	switch {
	case res.StatusCode < 200 || res.StatusCode > 299:
		return usage{}, outcomeStatus
	case c.overflow:
		return usage{}, outcomeOverflow
	case !c.eof || c.readErr != nil:
		return usage{}, outcomeIncomplete
	}
	return extractUsage(c.buf.Bytes(), res.Header.Get("Content-Type"), res.Header.Get("Content-Encoding"), c.limit)
}

func (s *Server) logDebug(x *exchange, res *http.Response, c *captureBody, model string, end time.Time) {
	head, reqOverflow := x.req.snapshot()
	reqBody, reqCut := s.debug.Body(head)
	respBody, respCut := s.debug.Body(c.buf.Bytes())
	s.debug.Log(models.DebugEntry{
		RequestID:       x.id,
		Method:          x.in.Method,
		Path:            x.in.URL.Path,
		Model:           model,
		StatusCode:      res.StatusCode,
		RequestHeaders:  s.debug.Headers(x.in.Header),
		ResponseHeaders: s.debug.Headers(res.Header),
		RequestBody:     reqBody,
		ResponseBody:    respBody,
		Truncated:       reqCut || respCut || reqOverflow || c.overflow,
		LatencyMs:       end.Sub(x.start).Milliseconds(),
		CreatedAt:       end.UTC(),
	})
}

// target maps an inbound URL onto the upstream base.
func (s *Server) target(in *url.URL) *url.URL {
	u := *s.upstream
	u.Path = joinURLPath(s.upstream.Path, relativePath(s.basePath, in.Path))
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return &u
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// relativePath strips base from path on a segment boundary: with base /v1,
// /v1/chat becomes /chat while /v12/chat is left alone.
func relativePath(base, path string) string {
	if base == "/" {
		return path
	}
	if path == base {
		return "/"
	}
	if strings.HasPrefix(path, base) && path[len(base)] == '/' {
		return path[len(base):]
	}
	return path
}

func joinURLPath(base, rel string) string {
	if rel == "" {
		return base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(rel, "/")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"tokmeter_error","code":%d}}`, message, code)
}
