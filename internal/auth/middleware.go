package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware rejects requests that do not carry apiKey. Paths in skipPaths
// pass through unauthenticated. An empty apiKey disables the check. A nil
// guard disables failure tracking. Failures are counted per client address
// as resolved by proxies.
func Middleware(apiKey string, skipPaths []string, guard *Guard, proxies Proxies) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := proxies.ClientIP(r)
			if guard != nil {
				if blocked, retry := guard.Blocked(client); blocked {
					w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
					writeError(w, http.StatusTooManyRequests, "too_many_attempts",
						"Too many failed authentication attempts. Try again later.")
					return
				}
			}

			if !ValidateKey(KeyFromRequest(r), apiKey) {
				if guard != nil {
					guard.Fail(client)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
				return
			}
			if guard != nil {
				guard.Succeed(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
