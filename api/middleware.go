package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/openhim-core/rbac"
)

// Identity headers
const (
	HeaderUser      = "X-Auth-User"
	HeaderGroups    = "X-Auth-Groups"
	HeaderRequestID = "X-Request-ID"
)

type contextKey int

const (
	userKey contextKey = iota
	requestIDKey
)

// UserFromContext returns the identity attached by the identity middleware
func UserFromContext(ctx context.Context) (rbac.User, bool) {
	u, ok := ctx.Value(userKey).(rbac.User)
	return u, ok
}

// RequestIDFromContext returns the request id of the current request
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// getOrGenerateRequestID keeps an upstream X-Request-ID or mints a new one
func getOrGenerateRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := getOrGenerateRequestID(r)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// parseGroups splits a comma separated header, dropping blanks
func parseGroups(header string) []string {
	var groups []string
	for _, g := range strings.Split(header, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get(HeaderUser))
		if name == "" {
			s.writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		user := rbac.User{Name: name, Groups: parseGroups(r.Header.Get(HeaderGroups))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument records the status and latency of one route
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		if s.metrics != nil {
			s.metrics.RecordRequest(route, strconv.Itoa(rec.status), time.Since(start))
		}
		s.logger.Debug("Request served",
			"route", route, "path", r.URL.Path, "status", rec.status,
			"request_id", RequestIDFromContext(r.Context()), "duration", time.Since(start))
	})
}
