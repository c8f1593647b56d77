package server

import (
	"CoinArena/internal/ledger"
	"CoinArena/internal/observability"
	"CoinArena/internal/query"
	"CoinArena/internal/settlement"
	"CoinArena/internal/treasury"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// PayoutSubmitter runs a payout through the serialized queue.
type PayoutSubmitter interface {
	Submit(ctx context.Context, lobbyID string) (settlement.Result, error)
}

// PendingFinder picks the payout to run when no lobby is named.
type PendingFinder interface {
	OldestPendingLobby(ctx context.Context) (string, error)
}

// PayoutQuerier reads payout status.
type PayoutQuerier interface {
	GetPayout(ctx context.Context, lobbyID string) (*query.PayoutResponse, error)
}

// OpsDeps holds everything the ops surface serves. Submitter is nil when no
// treasury key is configured; execution requests then return 503.
type OpsDeps struct {
	Payouts       PayoutQuerier
	Submitter     PayoutSubmitter
	Pending       PendingFinder
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
	// Bounds a single manual execution request.
	ExecuteTimeout time.Duration
}

// OpsServer wraps the gRPC health server and the HTTP gateway mux.
type OpsServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         OpsDeps
}

// NewOpsServer creates the gRPC server with health and reflection registered.
func NewOpsServer(grpcAddr, httpAddr string, deps OpsDeps) *OpsServer {
	if deps.ExecuteTimeout <= 0 {
		deps.ExecuteTimeout = 5 * time.Minute
	}
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &OpsServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *OpsServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP surface: payout routes on the gateway mux plus
// liveness and readiness.
func (s *OpsServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := mux.HandlePath(http.MethodPost, "/v1/payouts:execute", s.executePayout); err != nil {
		return nil, fmt.Errorf("register execute route: %w", err)
	}
	if err := mux.HandlePath(http.MethodGet, "/v1/payouts/{lobby_id}", s.getPayout); err != nil {
		return nil, fmt.Errorf("register payout route: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves Handler on the HTTP address (blocking).
func (s *OpsServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Payout routes
// ============================================================================

type executeRequest struct {
	LobbyID string `json:"lobby_id"`
}

func (s *OpsServer) executePayout(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	const endpoint = "execute"
	s.countRequest(endpoint)

	if s.deps.Submitter == nil {
		s.fail(w, endpoint, http.StatusServiceUnavailable, errors.New("payout execution is not configured"))
		return
	}

	var req executeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		s.fail(w, endpoint, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(w, endpoint, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.ExecuteTimeout)
	defer cancel()

	lobbyID := req.LobbyID
	if lobbyID == "" {
		if s.deps.Pending == nil {
			s.fail(w, endpoint, http.StatusBadRequest, errors.New("lobby_id is required"))
			return
		}
		lobbyID, err = s.deps.Pending.OldestPendingLobby(ctx)
		if err != nil {
			s.fail(w, endpoint, statusFor(err), err)
			return
		}
	}

	res, err := s.deps.Submitter.Submit(ctx, lobbyID)
	if err != nil {
		s.fail(w, endpoint, statusFor(err), err)
		return
	}
	s.deps.Log.Info().
		Str("lobby_id", res.LobbyID).
		Str("status", string(res.Status)).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Msg("manual payout executed")
	writeJSON(w, http.StatusOK, res)
}

func (s *OpsServer) getPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	const endpoint = "get_payout"
	s.countRequest(endpoint)

	if s.deps.Payouts == nil {
		s.fail(w, endpoint, http.StatusServiceUnavailable, errors.New("payout query is not configured"))
		return
	}
	resp, err := s.deps.Payouts.GetPayout(r.Context(), params["lobby_id"])
	if err != nil {
		s.fail(w, endpoint, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *OpsServer) countRequest(endpoint string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	}
}

func (s *OpsServer) fail(w http.ResponseWriter, endpoint string, status int, err error) {
	msg := observability.RedactError(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, fmt.Sprint(status)).Inc()
	}
	if status >= http.StatusInternalServerError {
		s.deps.Log.Error().Str("endpoint", endpoint).Int("status", status).Str("error", msg).Msg("ops request failed")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPayoutNotFound):
		return http.StatusNotFound
	case errors.Is(err, query.ErrInvalidLobbyID):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, settlement.ErrQueueClosed), errors.Is(err, treasury.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
