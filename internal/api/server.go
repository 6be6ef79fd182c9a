// Package api serves the tripledger HTTP/JSON surface.
//
// Routes:
//
//   - GET  /health                               liveness and counts
//   - GET  /audit/list-trips                     current trip and audit ids
//   - GET  /audit/trip-report/{id}               record + verification (verifies on read)
//   - GET  /authority/integrity-events           tamper ledger view
//   - GET  /intelligence/dashboard-stats         aggregate rollup
//   - GET  /intelligence/supplier-leaderboard    suppliers ranked by emissions
//   - GET  /intelligence/suppliers               supplier registry
//   - GET  /intelligence/emission-factors        active factor table
//   - POST /automation/process-all-data          (re)build records from telemetry
//   - POST /simulation/tamper-data               corruption harness inject
//   - POST /simulation/reset-data                corruption harness restore
//   - GET  /ws/integrity-events                  live tamper event feed
//   - POST /shutdown                             loopback-only graceful stop
//
// {id} and trip_id accept either a trip id or an audit id.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/greenroute/tripledger/internal/engine"
	"github.com/greenroute/tripledger/internal/ledger"
	"github.com/greenroute/tripledger/internal/telemetry"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Engine *engine.Engine

	// LoadSource reads the telemetry document for a processing run.
	LoadSource func() (*telemetry.Source, error)

	Simulation     bool // serve /simulation/*
	LiveFeed       bool // serve /ws/integrity-events
	CORSOrigins    []string
	RequestTimeout time.Duration
	MaxInFlight    int

	// OnShutdown is called by POST /shutdown. Nil disables the route.
	OnShutdown func()

	Version string
	Logger  *slog.Logger
}

// Server is the HTTP surface. Implements http.Handler.
type Server struct {
	engine     *engine.Engine
	loadSource func() (*telemetry.Source, error)
	onShutdown func()
	version    string
	log        *slog.Logger
	hub        *wsHub
	router     chi.Router
}

// New builds the router. Call RunLiveFeed to start pushing events to
// websocket clients.
func New(opts Options) *Server {
	s := &Server{
		engine:     opts.Engine,
		loadSource: opts.LoadSource,
		onShutdown: opts.OnShutdown,
		version:    opts.Version,
		log:        opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if opts.LiveFeed {
		s.hub = newWSHub(s.log)
	}
	s.router = s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.onShutdown != nil {
		r.Post("/shutdown", s.handleShutdown)
	}
	if s.hub != nil {
		r.Get("/ws/integrity-events", s.handleWebSocket)
	}

	// Bounded routes. The websocket stays outside the timeout and the cap.
	r.Group(func(r chi.Router) {
		if opts.MaxInFlight > 0 {
			r.Use(middleware.Throttle(opts.MaxInFlight))
		}
		if opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(opts.RequestTimeout))
		}

		r.Get("/audit/list-trips", s.handleListTrips)
		r.Get("/audit/trip-report/{id}", s.handleTripReport)
		r.Get("/authority/integrity-events", s.handleIntegrityEvents)
		r.Get("/intelligence/dashboard-stats", s.handleDashboardStats)
		r.Get("/intelligence/supplier-leaderboard", s.handleLeaderboard)
		r.Get("/intelligence/suppliers", s.handleSuppliers)
		r.Get("/intelligence/emission-factors", s.handleFactors)
		r.Post("/automation/process-all-data", s.handleProcess)

		if opts.Simulation {
			r.Post("/simulation/tamper-data", s.handleTamper)
			r.Post("/simulation/reset-data", s.handleReset)
		}
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RunLiveFeed forwards every newly appended tamper event, including ones
// written by other processes on the same ledger, to websocket clients.
// Blocks until ctx is done. A no-op when the live feed is disabled.
func (s *Server) RunLiveFeed(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	go s.hub.run(ctx)
	return s.engine.FollowEvents(ctx, func(e ledger.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			s.log.Error("marshaling live feed event", "error", err)
			return
		}
		s.hub.broadcast(data)
	})
}

// requestLogger logs one line per request with slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// isLoopback reports whether remoteAddr ("ip:port") is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
