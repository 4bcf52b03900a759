package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/szaher/agentfront/internal/auth"
	"github.com/szaher/agentfront/internal/identity"
	"github.com/szaher/agentfront/internal/invocation"
	"github.com/szaher/agentfront/internal/telemetry"
)

// Headers set by the managed agent runtime in front of the container.
const (
	HeaderSessionID = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"
	HeaderUserID    = "X-Amzn-Bedrock-AgentCore-Runtime-User-Id"
)

const maxRequestBody = 1 << 20

// statusClientClosed is reported when the caller went away before the
// invocation finished.
const statusClientClosed = 499

// Invoker runs one invocation. *invocation.Orchestrator satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, p invocation.Payload, t identity.Transport) (*invocation.Result, error)
}

// Server is the HTTP front door for invocations.
type Server struct {
	invoker    Invoker
	mux        *http.ServeMux
	server     *http.Server
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	apiKey     string
	guard      *auth.Guard
	proxies    auth.Proxies
	slots      *semaphore.Weighted
	lastUpdate atomic.Int64
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every invocation. Empty disables auth.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAuthGuard blocks clients after repeated authentication failures.
func WithAuthGuard(g *auth.Guard) ServerOption {
	return func(s *Server) { s.guard = g }
}

// WithTrustedProxies honours X-Forwarded-For from these peers when
// identifying clients for the auth guard.
func WithTrustedProxies(p auth.Proxies) ServerOption {
	return func(s *Server) { s.proxies = p }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithMaxConcurrent sheds invocations beyond n in flight. Zero means no limit.
func WithMaxConcurrent(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewServer creates the HTTP server around inv.
func NewServer(inv Invoker, opts ...ServerOption) *Server {
	s := &Server{
		invoker: inv,
		logger:  zerolog.Nop(),
	}
	s.lastUpdate.Store(time.Now().Unix())
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /invocations", s.handleInvocations)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	authed := auth.Middleware(s.apiKey, []string{"/ping", "/metrics"}, s.guard, s.proxies)(s.mux)
	return correlationMiddleware(authed)
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.apiKey != "").Msg("invocation server starting")
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting for in-flight invocations.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(telemetry.CorrelationHeader))
		w.Header().Set(telemetry.CorrelationHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "Healthy",
		"time_of_last_update": s.lastUpdate.Load(),
	})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			if s.metrics != nil {
				s.metrics.RecordShed(telemetry.StatusBusy)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "busy", "Too many invocations in flight")
			return
		}
		defer s.slots.Release(1)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "Could not read request body")
		return
	}
	payload, err := invocation.DecodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	transport := identity.Transport{
		SessionID: r.Header.Get(HeaderSessionID),
		UserID:    r.Header.Get(HeaderUserID),
	}
	res, err := s.invoker.Invoke(r.Context(), payload, transport)
	s.lastUpdate.Store(time.Now().Unix())
	if err != nil {
		status, code, message := errorStatus(err)
		corrID := telemetry.CorrelationID(r.Context())
		switch {
		case status == statusClientClosed:
			s.logger.Info().Err(err).Str("correlation_id", corrID).Msg("invocation canceled by caller")
		case status >= http.StatusInternalServerError:
			s.logger.Error().Err(err).Str("correlation_id", corrID).Msg("invocation failed")
			message += " (correlation id " + corrID + ")"
		}
		writeError(w, status, code, message)
		return
	}

	w.Header().Set(HeaderSessionID, res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

// errorStatus maps an invocation error to a response. Only malformed
// request errors carry their own text back to the caller.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, invocation.ErrMalformedRequest):
		return http.StatusBadRequest, "malformed_request", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "Invocation timed out"
	case errors.Is(err, context.Canceled):
		return statusClientClosed, "canceled", "Invocation canceled"
	case errors.Is(err, invocation.ErrMalformedEngineResponse):
		return http.StatusInternalServerError, "internal_error", "Agent returned an unusable response"
	default:
		return http.StatusInternalServerError, "invocation_failed", "Invocation failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
