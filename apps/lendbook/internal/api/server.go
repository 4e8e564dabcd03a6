package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/repository"
	"lendbook/apps/lendbook/internal/settlement"
	"lendbook/apps/lendbook/internal/signing"
)

// Dependencies are the services the API exposes. Chain and Builder may be nil,
// in which case balance lookups and transaction building are unavailable.
type Dependencies struct {
	DB       *repository.Store
	Orders   *orderbook.Store
	Batches  *batch.Manager
	Reporter *settlement.Reporter
	Health   *health.Query
	Builder  *TransactionBuilder
	Chain    ChainReader
	Registry *assets.AssetRegistry
	Domain   signing.Domain
	Metrics  *metrics.Metrics

	OperatorJWTSecret   string
	SubmitRatePerMinute float64
	// TrustProxyHeaders keys the rate limiter on X-Forwarded-For. Enable it
	// only behind a proxy that overwrites or appends that header.
	TrustProxyHeaders bool
}

// Server represents the API server
type Server struct {
	orderHandler     *OrderHandler
	batchHandler     *BatchHandler
	loanHandler      *LoanHandler
	portfolioHandler *PortfolioHandler
	infoHandler      *InfoHandler
	operatorHandler  *OperatorHandler
	metrics          *metrics.Metrics
	operatorSecret   []byte
	limiter          *clientLimiter
	trustProxy       bool
	logger           *zap.Logger
	server           *http.Server
	router           *mux.Router
}

// NewServer creates a new API server
func NewServer(port int, deps Dependencies, logger *zap.Logger) (*Server, error) {
	registry := deps.Registry
	if registry == nil {
		registry = assets.GlobalRegistry
	}

	portfolioHandler, err := NewPortfolioHandler(deps.Orders, deps.DB.Loans, deps.Chain, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create portfolio handler: %w", err)
	}

	s := &Server{
		orderHandler:     NewOrderHandler(deps.Orders, deps.Builder, logger),
		batchHandler:     NewBatchHandler(deps.DB, deps.Batches, logger),
		loanHandler:      NewLoanHandler(deps.DB.Loans, deps.Health, deps.Builder, logger),
		portfolioHandler: portfolioHandler,
		infoHandler:      NewInfoHandler(deps.Domain, deps.Batches, deps.Health, registry, logger),
		operatorHandler:  NewOperatorHandler(deps.Reporter, logger),
		metrics:          deps.Metrics,
		operatorSecret:   []byte(deps.OperatorJWTSecret),
		limiter:          newClientLimiter(deps.SubmitRatePerMinute),
		trustProxy:       deps.TrustProxyHeaders,
		logger:           logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.router = s.setupRoutes()
	s.server.Handler = s.router
	return s, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()

	// Lender orders
	api.Handle("/orders", s.rateLimited(http.HandlerFunc(s.orderHandler.SubmitOrder))).Methods("POST")
	api.HandleFunc("/orders", s.orderHandler.ListOrders).Methods("GET")
	api.HandleFunc("/orders/{order_id}", s.orderHandler.GetOrder).Methods("GET")
	api.Handle("/orders/{order_id}/cancel", s.rateLimited(http.HandlerFunc(s.orderHandler.CancelOrder))).Methods("POST")
	api.HandleFunc("/orders/{order_id}/fill-transaction", s.orderHandler.FillTransaction).Methods("POST")

	// Borrower orders
	api.Handle("/borrower-orders", s.rateLimited(http.HandlerFunc(s.orderHandler.SubmitBorrowerOrder))).Methods("POST")
	api.HandleFunc("/borrower-orders", s.orderHandler.ListBorrowerOrders).Methods("GET")
	api.HandleFunc("/borrower-orders/{order_id}", s.orderHandler.GetBorrowerOrder).Methods("GET")
	api.Handle("/borrower-orders/{order_id}/cancel", s.rateLimited(http.HandlerFunc(s.orderHandler.CancelBorrowerOrder))).Methods("POST")

	// Batches
	api.HandleFunc("/batches", s.batchHandler.ListBatches).Methods("GET")
	api.HandleFunc("/batches/current", s.batchHandler.CurrentBatch).Methods("GET")
	api.HandleFunc("/batches/{batch_id}", s.batchHandler.GetBatch).Methods("GET")

	// Loans
	api.HandleFunc("/loans", s.loanHandler.ListLoans).Methods("GET")
	api.HandleFunc("/loans/liquidatable", s.loanHandler.ListLiquidatable).Methods("GET")
	api.HandleFunc("/loans/{loan_id}", s.loanHandler.GetLoan).Methods("GET")
	api.HandleFunc("/loans/{loan_id}/repay-transaction", s.loanHandler.RepayTransaction).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/liquidate-transaction", s.loanHandler.LiquidateTransaction).Methods("POST")

	api.HandleFunc("/portfolio/{wallet_address}", s.portfolioHandler.GetPortfolio).Methods("GET")
	api.HandleFunc("/info", s.infoHandler.GetInfo).Methods("GET")

	// Matching results reported by the operator
	api.Handle("/operator/events", s.operatorAuth(http.HandlerFunc(s.operatorHandler.ApplyEvent))).Methods("POST")

	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests and records their latency
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, strconv.Itoa(rec.status), elapsed)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", elapsed),
		)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type operatorKey struct{}

// OperatorFromContext returns the JWT subject of an authenticated operator request.
func OperatorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey{}).(string)
	return sub
}

// operatorAuth requires an HS256 bearer token signed with the operator secret.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.operatorSecret) == 0 {
			writeErrorResponse(w, s.logger, http.StatusServiceUnavailable, "operator_disabled", "Operator endpoint is not configured")
			return
		}

		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			writeErrorResponse(w, s.logger, http.StatusUnauthorized, "missing_token", "Bearer token is required")
			return
		}

		token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return s.operatorSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			s.logger.Warn("Rejected operator token", zap.Error(err))
			writeErrorResponse(w, s.logger, http.StatusUnauthorized, "invalid_token", "Bearer token is invalid")
			return
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			writeErrorResponse(w, s.logger, http.StatusUnauthorized, "invalid_token", "Bearer token has no subject")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, sub)))
	})
}

// rateLimited throttles order submission and cancellation per client address.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r, s.trustProxy)) {
			writeErrorResponse(w, s.logger, http.StatusTooManyRequests, "rate_limited", "Too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterIdleTTL is how long a client's bucket survives without requests.
// By then it has refilled, so dropping it loses no state.
const limiterIdleTTL = 10 * time.Minute

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientEntry
	lastSweep time.Time
	now       func() time.Time
}

// newClientLimiter returns nil, which allows everything, when perMinute <= 0.
func newClientLimiter(perMinute float64) *clientLimiter {
	if perMinute <= 0 {
		return nil
	}
	burst := int(perMinute / 6)
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		clients: make(map[string]*clientEntry),
		now:     time.Now,
	}
}

func (c *clientLimiter) allow(client string) bool {
	if c == nil {
		return true
	}
	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= limiterIdleTTL {
		c.sweep(now)
	}
	e, ok := c.clients[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = e
	}
	e.lastSeen = now
	c.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// sweep drops idle clients. Callers hold c.mu.
func (c *clientLimiter) sweep(now time.Time) {
	for id, e := range c.clients {
		if now.Sub(e.lastSeen) >= limiterIdleTTL {
			delete(c.clients, id)
		}
	}
	c.lastSweep = now
}

// clientIP identifies the caller by the connection's peer address. With
// trustProxy it uses the last X-Forwarded-For hop instead, which is the one
// the fronting proxy appended; earlier hops are client supplied.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Values("X-Forwarded-For"); len(fwd) > 0 {
			hops := strings.Split(fwd[len(fwd)-1], ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); net.ParseIP(last) != nil {
				return last
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	writeJSONResponse(w, s.logger, http.StatusOK, response)
}
