package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"PeerLend/internal/ingestion"
	"PeerLend/internal/observability"
	"PeerLend/internal/persistence"
	"PeerLend/internal/query"
)

// HTTPServer serves the query API and the admin injection API over
// HTTP/JSON. Queries read the Postgres projections; admin writes go through
// the injector into the same typed channel as NATS ingestion, so they share
// the core's ordering and idempotency guarantees.
type HTTPServer struct {
	addr       string
	router     *mux.Router
	httpServer *http.Server

	qs       *query.QueryService
	injector *ingestion.Injector
	snapMgr  *persistence.SnapshotManager
	health   *observability.HealthChecker
	metrics  *observability.Metrics
}

// HTTPDeps holds the dependencies of the HTTP server.
type HTTPDeps struct {
	QueryService  *query.QueryService
	Injector      *ingestion.Injector
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func NewHTTPServer(addr string, deps *HTTPDeps) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		router:   mux.NewRouter(),
		qs:       deps.QueryService,
		injector: deps.Injector,
		snapMgr:  deps.SnapshotMgr,
		health:   deps.HealthChecker,
		metrics:  deps.Metrics,
	}
	s.routes()
	return s
}

func (s *HTTPServer) routes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/markets", s.instrument("list_markets", s.handleListMarkets)).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{asset}", s.instrument("get_market", s.handleGetMarket)).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{asset}/positions", s.instrument("market_positions", s.handleMarketPositions)).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user_id}/positions", s.instrument("user_positions", s.handleUserPositions)).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.instrument("events", s.handleEvents)).Methods(http.MethodGet)
	v1.HandleFunc("/integrity", s.instrument("integrity", s.handleIntegrity)).Methods(http.MethodGet)
	v1.HandleFunc("/eventlog", s.instrument("eventlog_info", s.handleEventLogInfo)).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/flows", s.instrument("inject_flow", s.handleInjectFlow)).Methods(http.MethodPost)
	admin.HandleFunc("/index-refresh", s.instrument("inject_index", s.handleInjectIndexRefresh)).Methods(http.MethodPost)
	admin.HandleFunc("/markets", s.instrument("create_market", s.handleCreateMarket)).Methods(http.MethodPost)
	admin.HandleFunc("/markets/{asset}/params", s.instrument("update_params", s.handleUpdateParams)).Methods(http.MethodPut)
	admin.HandleFunc("/markets/{asset}/pause", s.instrument("update_pause", s.handleUpdatePause)).Methods(http.MethodPut)

	s.router.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
}

// Start runs the HTTP server, blocking until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Query handlers ---

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) error {
	markets, err := s.qs.ListMarkets(r.Context())
	if err != nil {
		return internalErr("list markets", err)
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) error {
	asset := mux.Vars(r)["asset"]
	m, err := s.qs.GetMarket(r.Context(), asset)
	if err != nil {
		return internalErr("get market", err)
	}
	if m == nil {
		return httpError{http.StatusNotFound, fmt.Sprintf("unknown market %s", asset)}
	}
	return writeJSON(w, http.StatusOK, m)
}

func (s *HTTPServer) handleMarketPositions(w http.ResponseWriter, r *http.Request) error {
	asset := mux.Vars(r)["asset"]
	positions, err := s.qs.GetMarketPositions(r.Context(), asset)
	if err != nil {
		return internalErr("market positions", err)
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *HTTPServer) handleUserPositions(w http.ResponseWriter, r *http.Request) error {
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err)}
	}
	positions, err := s.qs.GetUserPositions(r.Context(), userID)
	if err != nil {
		return internalErr("user positions", err)
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return httpError{http.StatusBadRequest, "limit must be in [1,1000]"}
		}
		limit = n
	}

	var asset *string
	if v := q.Get("asset"); v != "" {
		asset = &v
	}

	var before *int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return httpError{http.StatusBadRequest, "before must be an integer sequence"}
		}
		before = &n
	}

	events, err := s.qs.GetEvents(r.Context(), asset, limit, before)
	if err != nil {
		return internalErr("events", err)
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) error {
	report, err := s.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return internalErr("integrity", err)
	}
	return writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) error {
	latest, err := s.snapMgr.GetLatestSequence(r.Context())
	if err != nil {
		return internalErr("event log info", err)
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"last_sequence": latest})
}

// --- Admin handlers ---

type injectFlowRequest struct {
	EventType   string `json:"event_type"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	MatchBudget int    `json:"match_budget"`
	Sequence    int64  `json:"sequence"`
}

func (s *HTTPServer) handleInjectFlow(w http.ResponseWriter, r *http.Request) error {
	var req injectFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("decode body: %v", err)}
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err)}
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return httpError{http.StatusBadRequest, fmt.Sprintf("invalid amount %q", req.Amount)}
	}

	requestID, err := s.injector.InjectFlow(r.Context(), req.EventType, userID, req.Asset, amount, req.MatchBudget, req.Sequence)
	if err != nil {
		return httpError{http.StatusBadRequest, err.Error()}
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": requestID})
}

type injectIndexRequest struct {
	Asset    string `json:"asset"`
	Sequence int64  `json:"sequence"`
}

func (s *HTTPServer) handleInjectIndexRefresh(w http.ResponseWriter, r *http.Request) error {
	var req injectIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("decode body: %v", err)}
	}
	if req.Asset == "" {
		return httpError{http.StatusBadRequest, "asset is required"}
	}

	refreshID, err := s.injector.InjectIndexRefresh(r.Context(), req.Asset, req.Sequence)
	if err != nil {
		return httpError{http.StatusBadRequest, err.Error()}
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"refresh_id": refreshID})
}

type marketParamsRequest struct {
	Asset              string `json:"asset"`
	Cursor             string `json:"cursor"`
	ReserveFactor      string `json:"reserve_factor"`
	MaxSortedUsers     int    `json:"max_sorted_users"`
	DefaultMatchBudget int    `json:"default_match_budget"`
	Sequence           int64  `json:"sequence"`
}

func (s *HTTPServer) handleCreateMarket(w http.ResponseWriter, r *http.Request) error {
	var req marketParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("decode body: %v", err)}
	}
	if req.Asset == "" {
		return httpError{http.StatusBadRequest, "asset is required"}
	}

	requestID, err := s.injector.InjectMarketCreated(
		r.Context(), req.Asset, req.Cursor, req.ReserveFactor,
		req.MaxSortedUsers, req.DefaultMatchBudget, req.Sequence,
	)
	if err != nil {
		return httpError{http.StatusBadRequest, err.Error()}
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": requestID})
}

func (s *HTTPServer) handleUpdateParams(w http.ResponseWriter, r *http.Request) error {
	var req marketParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("decode body: %v", err)}
	}
	asset := mux.Vars(r)["asset"]

	requestID, err := s.injector.InjectParamUpdate(
		r.Context(), asset, req.Cursor, req.ReserveFactor,
		req.MaxSortedUsers, req.DefaultMatchBudget, req.Sequence,
	)
	if err != nil {
		return httpError{http.StatusBadRequest, err.Error()}
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": requestID})
}

type pauseRequest struct {
	Paused          bool  `json:"paused"`
	PartiallyPaused bool  `json:"partially_paused"`
	P2PDisabled     bool  `json:"p2p_disabled"`
	Sequence        int64 `json:"sequence"`
}

func (s *HTTPServer) handleUpdatePause(w http.ResponseWriter, r *http.Request) error {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError{http.StatusBadRequest, fmt.Sprintf("decode body: %v", err)}
	}
	asset := mux.Vars(r)["asset"]

	requestID, err := s.injector.InjectPauseUpdate(
		r.Context(), asset, req.Paused, req.PartiallyPaused, req.P2PDisabled, req.Sequence,
	)
	if err != nil {
		return httpError{http.StatusBadRequest, err.Error()}
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": requestID})
}

// --- plumbing ---

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// httpError carries a status code out of a handler.
type httpError struct {
	status  int
	message string
}

func (e httpError) Error() string { return e.message }

func internalErr(op string, err error) httpError {
	return httpError{http.StatusInternalServerError, fmt.Sprintf("%s: %v", op, err)}
}

// instrument wraps a handler with request/duration/error metrics and
// uniform error rendering.
func (s *HTTPServer) instrument(endpoint string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := h(w, r)

		status := http.StatusOK
		if err != nil {
			he, ok := err.(httpError)
			if !ok {
				he = httpError{http.StatusInternalServerError, err.Error()}
			}
			status = he.status
			writeJSON(w, he.status, map[string]string{"error": he.message})
			if s.metrics != nil {
				s.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(he.status)).Inc()
			}
		}

		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
