package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/auth"
	"github.com/scopedauth/apiserver/types"
)

// Guard turns bearer tokens into principals for the routes it wraps.
type Guard struct {
	authz *auth.Authorizer
	log   *zap.Logger
}

func NewGuard(authz *auth.Authorizer, log *zap.Logger) *Guard {
	return &Guard{authz: authz, log: log}
}

// RequireScopes authenticates the request and requires every listed scope
// to be present in the token.
func (g *Guard) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	required := types.NewScopes(scopes...)
	challenge := auth.Challenge(required)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := g.authz.Authorize(r.Context(), r.Header.Get("Authorization"), required)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
			case errors.Is(err, auth.ErrUnauthenticated):
				w.Header().Set("WWW-Authenticate", challenge)
				writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			case errors.Is(err, auth.ErrInsufficientScope):
				w.Header().Set("WWW-Authenticate", challenge)
				writeError(w, http.StatusForbidden, "Not enough permissions")
			default:
				g.log.Error("authorize request", zap.Error(err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		})
	}
}

// RequireActive rejects principals whose account is disabled. It must run
// after RequireScopes.
func (g *Guard) RequireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := principalFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		if err := auth.RequireActive(principal.User); err != nil {
			writeError(w, http.StatusBadRequest, "Inactive user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs one line per request. Server errors are logged at
// error level, everything else at info.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)

			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Int("status", status),
				zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
				zap.Int("size", lrw.size),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("http request", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
