package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/hydrator"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/projector"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/transaction"
)

// BodyStore persists request and response bodies
type BodyStore interface {
	StoreValue(ctx context.Context, v any) (chunkstore.Reference, error)
}

// Reclaimer deletes the bodies of removed transactions
type Reclaimer interface {
	Reclaim(refs ...chunkstore.Reference) error
}

// Dependencies wires a Server. Metrics and Logger are optional.
type Dependencies struct {
	Transactions transaction.Repository
	Resolver     *rbac.Resolver
	Gate         *rbac.Gate
	Bodies       BodyStore
	Hydrator     *hydrator.Hydrator
	Projector    *projector.Projector
	Reclaimer    Reclaimer
	Metrics      *metric.Metrics
	Logger       *slog.Logger
}

// Server implements the transactions HTTP surface
type Server struct {
	txs       transaction.Repository
	resolver  *rbac.Resolver
	gate      *rbac.Gate
	bodies    BodyStore
	hydrator  *hydrator.Hydrator
	projector *projector.Projector
	reclaimer Reclaimer
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewServer checks deps and creates a Server
func NewServer(deps Dependencies) (*Server, error) {
	var missing []string
	if deps.Transactions == nil {
		missing = append(missing, "transactions")
	}
	if deps.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if deps.Gate == nil {
		missing = append(missing, "gate")
	}
	if deps.Bodies == nil {
		missing = append(missing, "bodies")
	}
	if deps.Hydrator == nil {
		missing = append(missing, "hydrator")
	}
	if deps.Projector == nil {
		missing = append(missing, "projector")
	}
	if len(missing) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrMissingConfig, strings.Join(missing, ", ")),
			"API", "NewServer", "check dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		txs:       deps.Transactions,
		resolver:  deps.Resolver,
		gate:      deps.Gate,
		bodies:    deps.Bodies,
		hydrator:  deps.Hydrator,
		projector: deps.Projector,
		reclaimer: deps.Reclaimer,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "api"),
	}, nil
}

// RegisterHTTPHandlers registers every route under prefix
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET " + prefix + "/transactions", s.handleListTransactions},
		{"POST " + prefix + "/transactions", s.handleCreateTransaction},
		{"GET " + prefix + "/transactions/{id}", s.handleGetTransaction},
		{"DELETE " + prefix + "/transactions/{id}", s.handleDeleteTransaction},
		{"GET " + prefix + "/transactions/clients/{clientId}", s.handleClientTransactions},
		{"GET " + prefix + "/me/channels", s.handleMyChannels},
	}
	for _, route := range routes {
		mux.Handle(route.pattern, s.instrument(route.pattern, route.handler))
	}
	s.logger.Info("API handlers registered", "prefix", prefix, "routes", len(routes))
}

// Handler returns the routes wrapped in request id and identity middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers("", mux)
	return s.withRequestID(s.withIdentity(mux))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "status", status,
			"request_id", RequestIDFromContext(r.Context()), "error", message)
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

// fail maps err onto a status. Server side failures are logged in full but
// reported with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		s.writeJSON(w, status, map[string]string{"error": publicMessage(err)})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func publicMessage(err error) string {
	if stderrors.Is(err, errors.ErrStorage) {
		return "body storage unavailable"
	}
	return "internal server error"
}
