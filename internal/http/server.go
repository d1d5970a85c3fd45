// Package http exposes the parser over HTTP together with health and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ncmparse/internal/core"
	"ncmparse/internal/flood"
	"ncmparse/pkg/ncmerr"
	"ncmparse/pkg/ncmlink"
)

const (
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 10 * time.Second
)

// Parser is the part of ncmlink.Parser the server needs.
type Parser interface {
	Parse(ctx context.Context, rawURL string) (ncmlink.Model, error)
	ParseText(ctx context.Context, message string) (ncmlink.Model, error)
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
	parser  Parser
	gate    *flood.Floodgate
}

// NewServer creates the HTTP surface. A nil gate disables flood limiting.
func NewServer(config *core.ServerConfig, parser Parser, metrics *Metrics, gate *flood.Floodgate, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		config:  config,
		logger:  logger,
		metrics: metrics,
		parser:  parser,
		gate:    gate,
	}
	s.server = createHTTPServer(config, s.withRequestID(s.setupRoutes()))
	return s
}

func createHTTPServer(config *core.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              config.Addr(),
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"ncmparse"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.parser == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","service":"ncmparse"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"ncmparse"}`))
	})

	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/parse", s.handleParse)
	mux.HandleFunc("/", homeHandler(s.logger))

	return mux
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(homePage)); err != nil {
			logger.Debug("Failed to write home page", zap.Error(err))
		}
	}
}

const homePage = `<!DOCTYPE html>
<html>
<head>
    <title>ncmparse</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
        code { background: #f4f4f4; padding: 2px 4px; }
    </style>
</head>
<body>
    <h1 class="header">ncmparse</h1>
    <p>NetEase Cloud Music link parser</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><code>GET /parse?url=...</code> or <code>GET /parse?text=...</code> - Parse a link or a shared message</div>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>
</body>
</html>`

type parseResponse struct {
	Kind ncmlink.Kind  `json:"kind"`
	Data ncmlink.Model `json:"data"`
}

type errorResponse struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind"`
	Context   map[string]string `json:"context,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		s.writeJSON(w, r, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "bad_request"})
		return
	}

	if s.gate != nil {
		if ok, retryAfter := s.gate.Allow(clientAddress(r)); !ok {
			s.metrics.RecordFloodRejection()
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			s.writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "too many requests", Kind: "flood"})
			return
		}
	}

	rawURL := r.FormValue("url")
	message := r.FormValue("text")

	ctx := r.Context()
	if s.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()
	}

	var (
		model ncmlink.Model
		err   error
	)
	switch {
	case rawURL != "":
		model, err = s.parser.Parse(ctx, rawURL)
	case message != "":
		model, err = s.parser.ParseText(ctx, message)
	default:
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "missing url or text parameter", Kind: "bad_request"})
		return
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, parseResponse{Kind: model.Kind(), Data: model})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if retryAfter, ok := ncmerr.RetryAfter(err); ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}

	response := errorResponse{
		Error:     err.Error(),
		Kind:      kindName(ncmerr.KindOf(err)),
		RequestID: w.Header().Get(requestIDHeader),
	}
	var typed *ncmerr.Error
	if errors.As(err, &typed) && len(typed.Context) > 0 {
		response.Context = typed.Context
	}

	s.writeJSON(w, r, status, response)
}

// statusFor maps the error taxonomy onto HTTP statuses. Rate limiting and context errors are
// checked across the whole chain since fetch failures wrap them.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ncmerr.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ncmerr.ErrURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ncmerr.ErrNetwork), errors.Is(err, ncmerr.ErrResource):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var kindNames = map[error]string{
	ncmerr.ErrURLParse:       "url_parse",
	ncmerr.ErrUnsupportedURL: "unsupported_url",
	ncmerr.ErrShortLink:      "short_link",
	ncmerr.ErrRequest:        "request",
	ncmerr.ErrResponse:       "response",
	ncmerr.ErrRateLimit:      "rate_limit",
	ncmerr.ErrResourceFetch:  "resource_fetch",
	ncmerr.ErrMapping:        "mapping",
}

func kindName(kind error) string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "internal"
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestID tags every request with an id, logs it and counts it.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.metrics.RecordHTTPRequest(routeLabel(r.URL.Path), recorder.status)
		s.logger.Debug("Served request",
			zap.String("requestId", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// routeLabel keeps the metrics path label bounded.
func routeLabel(path string) string {
	switch path {
	case "/", "/parse", "/healthz", "/readyz", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}
