package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/agentfront/internal/auth"
	"github.com/szaher/agentfront/internal/identity"
	"github.com/szaher/agentfront/internal/invocation"
	"github.com/szaher/agentfront/internal/llm"
	"github.com/szaher/agentfront/internal/telemetry"
)

type invokerFunc func(ctx context.Context, p invocation.Payload, t identity.Transport) (*invocation.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, p invocation.Payload, t identity.Transport) (*invocation.Result, error) {
	return f(ctx, p, t)
}

func echoInvoker() invokerFunc {
	return func(_ context.Context, p invocation.Payload, t identity.Transport) (*invocation.Result, error) {
		session := t.SessionID
		if session == "" {
			session = p.SessionID
		}
		return &invocation.Result{
			Content:   invocation.Content{llm.TextBlock("echo: " + p.Input)},
			SessionID: session,
		}, nil
	}
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invocations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvocationsSuccess(t *testing.T) {
	h := NewServer(echoInvoker()).Handler()

	rec := post(t, h, `{"input":"hi","session_id":"s1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":"echo: hi","session_id":"s1"}`, rec.Body.String())
	assert.Equal(t, "s1", rec.Header().Get(HeaderSessionID))
	assert.NotEmpty(t, rec.Header().Get(telemetry.CorrelationHeader))
}

func TestInvocationsTransportHeaders(t *testing.T) {
	var got identity.Transport
	h := NewServer(invokerFunc(func(_ context.Context, _ invocation.Payload, tr identity.Transport) (*invocation.Result, error) {
		got = tr
		return &invocation.Result{Content: invocation.Content{llm.TextBlock("ok")}, SessionID: tr.SessionID}, nil
	})).Handler()

	rec := post(t, h, `{"input":"hi","session_id":"payload"}`, map[string]string{
		HeaderSessionID:             "header-session",
		HeaderUserID:                "header-user",
		telemetry.CorrelationHeader: "corr-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, identity.Transport{SessionID: "header-session", UserID: "header-user"}, got)
	assert.Equal(t, "header-session", rec.Header().Get(HeaderSessionID))
	assert.Equal(t, "corr-1", rec.Header().Get(telemetry.CorrelationHeader))
}

func TestInvocationsErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"empty body", ``, nil, http.StatusBadRequest, "malformed_request"},
		{"not json", `{`, nil, http.StatusBadRequest, "malformed_request"},
		{"missing input", `{"user_id":"u"}`, nil, http.StatusBadRequest, "malformed_request"},
		{"rejected identity", `{"input":"x"}`, fmt.Errorf("%w: %w", invocation.ErrMalformedRequest, identity.ErrUserIDRequired), http.StatusBadRequest, "malformed_request"},
		{"deadline", `{"input":"x"}`, fmt.Errorf("invoke engine: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"malformed engine response", `{"input":"x"}`, invocation.ErrMalformedEngineResponse, http.StatusInternalServerError, "internal_error"},
		{"engine failure", `{"input":"x"}`, fmt.Errorf("invoke engine: %w", llm.ErrBudgetExceeded), http.StatusInternalServerError, "invocation_failed"},
		{"caller went away", `{"input":"x"}`, fmt.Errorf("invoke engine: %w", context.Canceled), statusClientClosed, "canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := NewServer(invokerFunc(func(context.Context, invocation.Payload, identity.Transport) (*invocation.Result, error) {
				called = true
				return nil, tt.err
			})).Handler()

			rec := post(t, h, tt.body, nil)
			require.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
			if tt.status >= http.StatusInternalServerError {
				assert.NotContains(t, body["message"], tt.err.Error())
			}
			if tt.err == nil {
				assert.False(t, called, "invalid payloads never reach the orchestrator")
			}
		})
	}
}

func TestInvocationsHideBackendDetail(t *testing.T) {
	var logs bytes.Buffer
	backendErr := errors.New("save checkpoint: dial tcp 10.2.3.4:5432: connect: connection refused")
	h := NewServer(invokerFunc(func(context.Context, invocation.Payload, identity.Transport) (*invocation.Result, error) {
		return nil, fmt.Errorf("invoke engine: %w", backendErr)
	}), WithLogger(zerolog.New(&logs))).Handler()

	rec := post(t, h, `{"input":"x"}`, map[string]string{telemetry.CorrelationHeader: "corr-500"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.2.3.4")
	assert.Contains(t, rec.Body.String(), "corr-500")

	assert.Contains(t, logs.String(), "10.2.3.4:5432")
	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), `"correlation_id":"corr-500"`)
}

func TestInvocationsCanceledIsNotAnError(t *testing.T) {
	var logs bytes.Buffer
	h := NewServer(invokerFunc(func(context.Context, invocation.Payload, identity.Transport) (*invocation.Result, error) {
		return nil, fmt.Errorf("wait for thread %q: %w", "t", context.Canceled)
	}), WithLogger(zerolog.New(&logs))).Handler()

	rec := post(t, h, `{"input":"x"}`, nil)
	assert.Equal(t, statusClientClosed, rec.Code)
	assert.NotContains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), "canceled by caller")
}

func TestInvocationsRequireAPIKey(t *testing.T) {
	h := NewServer(echoInvoker(), WithAPIKey("secret")).Handler()

	rec := post(t, h, `{"input":"hi"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, `{"input":"hi"}`, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	ping := httptest.NewRecorder()
	h.ServeHTTP(ping, req)
	assert.Equal(t, http.StatusOK, ping.Code, "ping is unauthenticated")
}

func TestInvocationsLoadShedding(t *testing.T) {
	m := telemetry.NewMetrics()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := NewServer(invokerFunc(func(context.Context, invocation.Payload, identity.Transport) (*invocation.Result, error) {
		entered <- struct{}{}
		<-release
		return &invocation.Result{Content: invocation.Content{llm.TextBlock("ok")}, SessionID: "s"}, nil
	}), WithMaxConcurrent(1), WithMetrics(m)).Handler()

	done := make(chan int, 1)
	go func() { done <- post(t, h, `{"input":"first"}`, nil).Code }()
	<-entered

	rec := post(t, h, `{"input":"second"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"busy"`)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)

	scrape := httptest.NewRecorder()
	h.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `agentfront_invocations_total{status="busy"} 1`)
	assert.Contains(t, scrape.Body.String(), "agentfront_invocation_duration_seconds_count 0",
		"shed requests add no duration samples")
}

func TestInvocationsTrustedProxyGuard(t *testing.T) {
	proxies, err := auth.ParseProxies([]string{"172.16.0.1"})
	require.NoError(t, err)
	h := NewServer(echoInvoker(),
		WithAPIKey("secret"),
		WithAuthGuard(auth.NewGuard(2, time.Minute, time.Minute)),
		WithTrustedProxies(proxies),
	).Handler()

	send := func(forwarded, key string) int {
		req := httptest.NewRequest(http.MethodPost, "/invocations", strings.NewReader(`{"input":"hi"}`))
		req.RemoteAddr = "172.16.0.1:443"
		req.Header.Set("X-Forwarded-For", forwarded)
		req.Header.Set(auth.HeaderAPIKey, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("203.0.113.7", "bad"))
	assert.Equal(t, http.StatusUnauthorized, send("203.0.113.7", "bad"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7", "secret"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2", "secret"))
}

func TestPing(t *testing.T) {
	before := time.Now().Unix()
	h := NewServer(echoInvoker()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Time   int64  `json:"time_of_last_update"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Healthy", body.Status)
	assert.GreaterOrEqual(t, body.Time, before)
}

func TestMetricsEndpoint(t *testing.T) {
	m := telemetry.NewMetrics()
	h := NewServer(echoInvoker(), WithMetrics(m), WithAPIKey("secret")).Handler()

	m.RecordInvocation(telemetry.StatusOK, time.Second)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentfront_invocations_total")
}

func TestUnknownRoute(t *testing.T) {
	h := NewServer(echoInvoker()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invocations", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
