package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	return serveFrom(h, "10.0.0.1:1234", path, headers)
}

func serveFrom(h http.Handler, remote, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	const apiKey = "test-api-key"
	h := Middleware(apiKey, []string{"/ping"}, nil, nil)(okHandler())

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"valid bearer", "/invocations", map[string]string{"Authorization": "Bearer " + apiKey}, http.StatusOK},
		{"valid x-api-key", "/invocations", map[string]string{"X-API-Key": apiKey}, http.StatusOK},
		{"wrong key", "/invocations", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing key", "/invocations", nil, http.StatusUnauthorized},
		{"skip path", "/ping", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.path, tt.headers)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized","message":"Missing or invalid API key"}`, rec.Body.String())
			}
		})
	}
}

func TestMiddlewareDisabledWithoutKey(t *testing.T) {
	h := Middleware("", nil, DefaultGuard(), nil)(okHandler())
	rec := serve(h, "/invocations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareBlocksRepeatedFailures(t *testing.T) {
	t.Run("same client", func(t *testing.T) {
		guard := NewGuard(3, time.Minute, 5*time.Minute)
		h := Middleware("secret", nil, guard, nil)(okHandler())

		for range 3 {
			assert.Equal(t, http.StatusUnauthorized, serve(h, "/invocations", nil).Code)
		}
		rec := serve(h, "/invocations", map[string]string{"X-API-Key": "secret"})
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("new source port per request", func(t *testing.T) {
		guard := NewGuard(10, time.Minute, 5*time.Minute)
		h := Middleware("secret", nil, guard, nil)(okHandler())

		codes := map[int]int{}
		for i := range 30 {
			rec := serveFrom(h, fmt.Sprintf("10.0.0.9:%d", 40000+i), "/invocations", map[string]string{"X-API-Key": "bad"})
			codes[rec.Code]++
		}
		assert.Equal(t, 10, codes[http.StatusUnauthorized])
		assert.Equal(t, 20, codes[http.StatusTooManyRequests])
	})

	t.Run("spoofed forwarded-for", func(t *testing.T) {
		guard := NewGuard(3, time.Minute, 5*time.Minute)
		h := Middleware("secret", nil, guard, nil)(okHandler())

		for range 10 {
			serveFrom(h, "6.6.6.6:5000", "/invocations", map[string]string{
				"X-API-Key":       "bad",
				"X-Forwarded-For": "10.1.1.1",
			})
		}
		rec := serveFrom(h, "10.1.1.1:5000", "/invocations", map[string]string{"X-API-Key": "secret"})
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = serveFrom(h, "6.6.6.6:5001", "/invocations", map[string]string{"X-API-Key": "secret"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the sender is blocked, not the forged address")
	})

	t.Run("behind trusted proxy", func(t *testing.T) {
		proxies, err := ParseProxies([]string{"172.16.0.0/12"})
		require.NoError(t, err)
		guard := NewGuard(3, time.Minute, 5*time.Minute)
		h := Middleware("secret", nil, guard, proxies)(okHandler())

		for range 3 {
			serveFrom(h, "172.16.0.2:443", "/invocations", map[string]string{
				"X-API-Key":       "bad",
				"X-Forwarded-For": "10.1.1.1, 8.8.8.8",
			})
		}
		rec := serveFrom(h, "172.16.0.2:443", "/invocations", map[string]string{
			"X-API-Key":       "secret",
			"X-Forwarded-For": "8.8.8.8",
		})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)

		rec = serveFrom(h, "172.16.0.2:443", "/invocations", map[string]string{
			"X-API-Key":       "secret",
			"X-Forwarded-For": "10.1.1.1",
		})
		assert.Equal(t, http.StatusOK, rec.Code, "other clients behind the proxy are unaffected")
	})
}

func TestGuard(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewGuard(2, time.Minute, 5*time.Minute)
	g.now = func() time.Time { return now }

	assert.False(t, g.Fail("a"))
	blocked, _ := g.Blocked("a")
	assert.False(t, blocked)

	assert.True(t, g.Fail("a"))
	blocked, retry := g.Blocked("a")
	assert.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retry)

	now = now.Add(6 * time.Minute)
	blocked, _ = g.Blocked("a")
	assert.False(t, blocked, "block expires")

	assert.False(t, g.Fail("b"))
	now = now.Add(2 * time.Minute)
	assert.False(t, g.Fail("b"), "failure window resets")

	g.Succeed("b")
	assert.False(t, g.Fail("b"))
}
