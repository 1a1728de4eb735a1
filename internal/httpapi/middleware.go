package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"tableside/internal/auth"
	"tableside/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// accessLog writes one line per request and feeds the request metrics,
// labelled by the matched route pattern rather than the raw path.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routePattern(r)
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_ip", r.RemoteAddr),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// authenticate resolves the bearer token into a principal. A nil verifier
// turns authentication off.
func authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := verifier.Verify(auth.TokenFromRequest(r))
			if err != nil {
				message := "invalid token"
				if errors.Is(err, auth.ErrMissingToken) {
					message = "missing token"
				}
				writeError(w, r, http.StatusUnauthorized, "unauthorized", message)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// requireStaff rejects guests. It always passes when authentication is off.
func (h *Handler) requireStaff(w http.ResponseWriter, r *http.Request) bool {
	if h.verifier == nil {
		return true
	}
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing token")
		return false
	}
	if !principal.IsStaff() {
		writeError(w, r, http.StatusForbidden, "forbidden", "staff role required")
		return false
	}
	return true
}
