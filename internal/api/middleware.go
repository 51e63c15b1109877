package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"parley/internal/auth"
	"parley/internal/ratelimit"
)

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

// Authenticate attaches the verified identity to the request context.
func Authenticate(v *auth.Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeFailure(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				log.Debug("token rejected", "path", r.URL.Path, "error", err)
				writeFailure(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || !id.Privileged() {
			writeFailure(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HeartbeatPath is polled by every client; rejections on it are routine.
const HeartbeatPath = "/status/heartbeat"

func rateKey(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id.UserID, 10)
	}
	return "ip:" + r.RemoteAddr
}

// RateLimit throttles requests per caller with the sliding-window limiter.
func RateLimit(l *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateKey(r)
			res := l.IsAllowed(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				level := slog.LevelWarn
				if r.URL.Path == HeartbeatPath {
					level = slog.LevelDebug
				}
				log.Log(r.Context(), level, "rate limit exceeded", "key", key, "path", r.URL.Path, "retry_after", res.RetryAfter)
				writeJSON(w, http.StatusTooManyRequests, struct {
					errorResponse
					RetryAfter int `json:"retryAfter"`
				}{errorResponse{Success: false, Error: "rate limit exceeded"}, res.RetryAfter})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
