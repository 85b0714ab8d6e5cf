package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/query"
	"VaultLedger/internal/ranking"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Deps holds what the handlers need. Admin may be nil to disable the admin
// routes.
type Deps struct {
	Query  *query.Service
	Admin  *ingestion.AdminIngestService
	Health *observability.HealthChecker
}

// Server serves the JSON API on a grpc-gateway mux and gRPC health plus
// reflection on a separate listener.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	handler    http.Handler
	grpcAddr   string
	httpAddr   string
	deps       Deps
	logger     zerolog.Logger
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func NewServer(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Query == nil {
		return nil, errors.New("server: query service is required")
	}
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		logger:     observability.NewLogger("server"),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(s.grpcServer)

	mux := runtime.NewServeMux()
	routes := []route{
		{http.MethodGet, "/v1/vaults", s.listVaults},
		{http.MethodGet, "/v1/vaults/{id}/series", s.vaultSeries},
		{http.MethodGet, "/v1/vaults/{id}/metrics", s.vaultMetrics},
		{http.MethodGet, "/v1/vaults/{id}/allocations", s.vaultAllocations},
		{http.MethodGet, "/v1/users/{id}/portfolio", s.userPortfolio},
	}
	if deps.Admin != nil {
		routes = append(routes,
			route{http.MethodPost, "/v1/admin/vaults/{id}/reactivate", s.reactivate},
			route{http.MethodPost, "/v1/admin/vaults/{id}/deactivate", s.deactivate},
		)
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	s.handler = httpMux
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC serves health and reflection until ctx is done.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is done. It returns after in-flight
// requests have finished or the 5s shutdown grace has passed.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

func (s *Server) listVaults(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	filter := ranking.Filter{
		Status:      q.Get("status"),
		AssetSymbol: q.Get("asset"),
		Search:      q.Get("q"),
	}
	sortKey := q.Get("sort")
	if sortKey == "" {
		sortKey = ranking.KeyTVL
	}
	desc := q.Get("order") != "asc"

	resp, err := s.deps.Query.ListVaults(r.Context(), filter, sortKey, desc)
	s.respond(w, resp, err)
}

func (s *Server) vaultSeries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respond(w, nil, fmt.Errorf("%w: days %q", query.ErrInvalidArgument, v))
			return
		}
		days = n
	}
	resp, err := s.deps.Query.GetVaultSeries(r.Context(), params["id"], days)
	s.respond(w, resp, err)
}

func (s *Server) vaultMetrics(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Query.GetVaultMetrics(r.Context(), params["id"])
	s.respond(w, resp, err)
}

func (s *Server) vaultAllocations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Query.GetVaultAllocations(r.Context(), params["id"])
	s.respond(w, resp, err)
}

func (s *Server) userPortfolio(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Query.GetUserPortfolio(r.Context(), params["id"])
	s.respond(w, resp, err)
}

type adminResponse struct {
	VaultID        string `json:"vault_id"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) reactivate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, err := s.deps.Admin.InjectReactivation(r.Context(), params["id"])
	s.respond(w, adminResponse{VaultID: params["id"], Action: "reactivate", IdempotencyKey: key}, err)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, err := s.deps.Admin.InjectDeactivation(r.Context(), params["id"])
	s.respond(w, adminResponse{VaultID: params["id"], Action: "deactivate", IdempotencyKey: key}, err)
}

type errorBody struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		code := codeOf(err)
		if code == codes.Internal {
			s.logger.Error().Err(err).Msg("request failed")
		}
		writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// codeOf maps domain errors onto gRPC codes; the gateway maps those to HTTP.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrInvalidArgument),
		errors.Is(err, ranking.ErrUnknownKey),
		errors.Is(err, ledger.ErrMalformedEvent):
		return codes.InvalidArgument
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownVault):
		return codes.NotFound
	case errors.Is(err, core.ErrDedupUnavailable),
		errors.Is(err, core.ErrIndexerClosed),
		errors.Is(err, core.ErrIndexerHalted):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
