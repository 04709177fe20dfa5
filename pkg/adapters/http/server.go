package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Host is the part of a lattice host the admin API exposes.
type Host interface {
	ID() domain.Identity
	Lattice() string
	Running() bool
	Inventory() domain.HostSnapshot
	Peers() []registry.HostSummary
	LinkStatuses() []domain.LinkStatus
	PutLink(ctx context.Context, def domain.LinkDefinition) (domain.LinkStatus, error)
	DeleteLink(ctx context.Context, key domain.LinkKey) error
}

// Server serves the admin API of one host.
type Server struct {
	Host     Host
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Option configures the handler.
type Option func(*Server)

// WithGatherer sets the registry /metrics is served from. Defaults to the
// prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.Gatherer = g
	}
}

// WithLogger sets the request error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// NewHandler creates the admin HTTP handler for host.
func NewHandler(host Host, opts ...Option) http.Handler {
	server := &Server{
		Host:     host,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", server.GetHealth)
	r.Handle("/metrics", promhttp.HandlerFor(server.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/inventory", server.GetInventory)
		r.Get("/hosts", server.GetHosts)
		r.Get("/links", server.ListLinks)
		r.Put("/links", server.PutLink)
		r.Delete("/links/{source}/{contract}/{link}", server.DeleteLink)
	})
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string          `json:"status"`
	HostID  domain.Identity `json:"host_id"`
	Lattice string          `json:"lattice"`
}

// GetHealth reports 503 until the host has started.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", HostID: s.Host.ID(), Lattice: s.Host.Lattice()}
	status := http.StatusOK
	if !s.Host.Running() {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) GetInventory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Host.Inventory())
}

func (s *Server) GetHosts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Host.Peers())
}

// ListLinks returns every link, optionally filtered by ?source= and ?state=.
func (s *Server) ListLinks(w http.ResponseWriter, r *http.Request) {
	source := domain.Identity(r.URL.Query().Get("source"))
	state := domain.LinkState(r.URL.Query().Get("state"))

	out := make([]domain.LinkStatus, 0)
	for _, st := range s.Host.LinkStatuses() {
		if source != "" && st.Definition.Source != source {
			continue
		}
		if state != "" && st.State != state {
			continue
		}
		out = append(out, st)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// PutLink stores a definition. A link that could not bind yet is still
// accepted and reported as pending.
func (s *Server) PutLink(w http.ResponseWriter, r *http.Request) {
	var def domain.LinkDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.Logger.Warn("PutLink: Invalid request body", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	status, err := s.Host.PutLink(ctx, def)
	if err != nil {
		s.writeError(w, "PutLink", err)
		return
	}
	code := http.StatusOK
	if status.State != domain.LinkBound {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, status)
}

func (s *Server) DeleteLink(w http.ResponseWriter, r *http.Request) {
	key, err := linkKeyFromPath(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid link key: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.Host.DeleteLink(r.Context(), key); err != nil {
		s.writeError(w, "DeleteLink", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func linkKeyFromPath(r *http.Request) (domain.LinkKey, error) {
	var parts [3]string
	for i, name := range []string{"source", "contract", "link"} {
		v, err := url.PathUnescape(chi.URLParam(r, name))
		if err != nil {
			return domain.LinkKey{}, err
		}
		parts[i] = v
	}
	return domain.LinkKey{
		Source:     domain.Identity(parts[0]),
		ContractID: parts[1],
		LinkName:   parts[2],
	}, nil
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.Logger.Error(op+" failed", "err", err)
	} else {
		s.Logger.Warn(op+" rejected", "err", err)
	}
	http.Error(w, fmt.Sprintf("%s error: %v", op, err), code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidLink):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Response encode failed", "err", err)
	}
}
