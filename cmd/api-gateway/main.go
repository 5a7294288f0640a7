// Package main provides the FireGrid API Gateway service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/firegrid/pkg/agent"
	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/handler"
	"github.com/agile-defense/firegrid/pkg/logging"
	"github.com/agile-defense/firegrid/pkg/messages"
	natsutil "github.com/agile-defense/firegrid/pkg/nats"
	"github.com/agile-defense/firegrid/pkg/opa"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/postgres"
	"github.com/agile-defense/firegrid/pkg/store"
	"github.com/agile-defense/firegrid/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegrid_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firegrid_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "firegrid_api_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	natsConnectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "firegrid_api_nats_connection_status",
			Help: "NATS connection status (1=connected, 0=disconnected)",
		},
	)

	dbConnectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "firegrid_api_db_connection_status",
			Help: "Database connection status (1=connected, 0=disconnected)",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(wsConnectionsActive)
	prometheus.MustRegister(natsConnectionStatus)
	prometheus.MustRegister(dbConnectionStatus)
}

// services are the gateway's external dependencies. bus is nil when NATS
// could not be reached.
type services struct {
	bus    *agent.BaseAgent
	db     *postgres.Pool
	policy opa.Policy
}

func (s *services) nats() *nats.Conn {
	if s.bus == nil {
		return nil
	}
	return s.bus.NATS()
}

func main() {
	cfg, err := config.Load(getEnv("FIREGRID_CONFIG", "firegrid.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup("api-gateway", cfg.Logging.Level, cfg.Logging.JSON)

	log.Info().
		Str("nats_url", cfg.NATS.URL).
		Str("postgres_url", maskPassword(cfg.Postgres.URL)).
		Str("opa_mode", cfg.OPA.Mode).
		Str("http_addr", cfg.Service.HTTPAddr).
		Msg("Starting FireGrid API Gateway")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "firegrid-api-gateway", log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		shutdownTracing(shutdownCtx)
	}()

	// Connect to services
	svc, err := connectServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to services")
	}
	defer func() {
		if svc.bus != nil {
			svc.bus.Stop(context.Background())
		}
		svc.db.Close()
	}()

	// Create WebSocket hub
	wsHub := handler.NewWebSocketHub(svc.nats(), log.Logger)

	// In-process pipeline for /assess and for ingestion while the bus is down
	local, err := pipeline.Build(
		cfg.Pipeline,
		svc.db,
		pipeline.SimulatedSources(cfg.Pipeline.SimulationSeed),
		log.Logger,
		pipeline.WithMetrics(pipeline.NewMetrics(prometheus.DefaultRegisterer)),
		pipeline.WithSinks(
			store.NewSink("postgres", svc.db, svc.policy, cfg.Service.AgentID, log.Logger),
			wsHub,
		),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	// Create router
	router := setupRouter(cfg, svc, local, wsHub)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Service.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start services
	g, gCtx := errgroup.WithContext(ctx)

	// Start WebSocket hub
	g.Go(func() error {
		wsHub.Run(gCtx)
		return nil
	})

	// Persist decisions and response plans published by the agents
	if svc.bus != nil {
		g.Go(func() error {
			return runDecisionPersistence(gCtx, svc.bus, svc.db)
		})
		g.Go(func() error {
			return runResponsePersistence(gCtx, svc.bus, svc.db)
		})
	}

	// Update WebSocket connection gauge periodically
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				wsConnectionsActive.Set(float64(wsHub.ClientCount()))
			}
		}
	})

	// Start HTTP server
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	log.Info().Msg("FireGrid API Gateway shutdown complete")
}

func connectServices(ctx context.Context, cfg *config.Config) (*services, error) {
	svc := &services{}

	// Connect to NATS through the gateway agent identity
	bus, err := agent.NewBaseAgent(agent.NewConfig(cfg, agent.AgentTypeGateway))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway agent: %w", err)
	}

	if err := bus.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to NATS, hotspots will be assessed in process")
	} else if err := natsutil.SetupStreams(ctx, bus.JetStream()); err != nil {
		log.Warn().Err(err).Msg("Failed to set up JetStream streams, hotspots will be assessed in process")
		bus.Stop(ctx)
	} else {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		natsConnectionStatus.Set(1)
		svc.bus = bus
	}

	// Connect to PostgreSQL
	db, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		if svc.bus != nil {
			svc.bus.Stop(ctx)
		}
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			if svc.bus != nil {
				svc.bus.Stop(ctx)
			}
			return nil, err
		}
	}
	log.Info().Msg("Connected to PostgreSQL")
	dbConnectionStatus.Set(1)
	svc.db = db

	// Dispatch release policy
	policy, err := opa.NewPolicy(ctx, cfg.OPA)
	if err != nil {
		db.Close()
		if svc.bus != nil {
			svc.bus.Stop(ctx)
		}
		return nil, fmt.Errorf("failed to create dispatch policy: %w", err)
	}
	svc.policy = policy

	return svc, nil
}

func setupRouter(cfg *config.Config, svc *services, local *pipeline.Pipeline, wsHub *handler.WebSocketHub) chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(correlationIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(prometheusMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Service.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", healthHandler(svc))

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint
	wsHandler := handler.NewWebSocketHandler(wsHub, originPatterns(cfg.Service.CORSOrigins), log.Logger)
	r.Handle("/ws", wsHandler)

	// Ingestion publishes through the gateway agent when the bus is up
	var publisher handler.Publisher
	if svc.bus != nil {
		publisher = svc.bus
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Hotspot, FIRMS, vision-trigger and assess endpoints
		ingestHandler := handler.NewIngestHandler(publisher, local, cfg.Service.AgentID, log.Logger,
			handler.WithMaxSnifferSteps(cfg.Pipeline.Sniffer.MaxSteps))
		ingestHandler.Register(r)

		// Decision handlers
		decisionHandler := handler.NewDecisionHandler(svc.db, log.Logger)
		r.Mount("/decisions", decisionHandler.Routes())

		// Response plan handlers
		responseHandler := handler.NewResponseHandler(svc.db, log.Logger)
		r.Mount("/responses", responseHandler.Routes())

		// Metrics handlers
		metricsHandler := handler.NewMetricsHandler(svc.db, log.Logger)
		r.Mount("/metrics", metricsHandler.Routes())

		// Clear all data endpoint
		r.Post("/clear", clearHandler(svc.db))
	})

	return r
}

// originPatterns converts CORS origins into the host patterns accepted for
// WebSocket upgrades
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

// correlationIDMiddleware adds a correlation ID to each request
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := handler.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each HTTP request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		correlationID := handler.GetCorrelationID(r.Context())

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Str("correlation_id", correlationID).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// prometheusMiddleware records HTTP metrics
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())
	})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	Components    map[string]string `json:"components"`
	CorrelationID string            `json:"correlation_id"`
}

var startTime = time.Now()

func healthHandler(svc *services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		correlationID := handler.GetCorrelationID(ctx)

		response := HealthResponse{
			Status:        "healthy",
			Version:       "1.0.0",
			Uptime:        time.Since(startTime).Round(time.Second).String(),
			Components:    make(map[string]string),
			CorrelationID: correlationID,
		}

		// Check PostgreSQL
		if err := svc.db.Health(ctx); err != nil {
			response.Components["postgres"] = "unhealthy: " + err.Error()
			response.Status = "degraded"
			dbConnectionStatus.Set(0)
		} else {
			response.Components["postgres"] = "healthy"
			dbConnectionStatus.Set(1)
		}

		// Check NATS; without it ingestion runs in process
		if svc.bus == nil || !svc.bus.Health().Healthy {
			response.Components["nats"] = "disconnected"
			response.Status = "degraded"
			natsConnectionStatus.Set(0)
		} else {
			response.Components["nats"] = "connected"
			natsConnectionStatus.Set(1)
		}

		// Check OPA
		if err := svc.policy.Health(ctx); err != nil {
			response.Components["opa"] = "unhealthy: " + err.Error()
			response.Status = "degraded"
		} else {
			response.Components["opa"] = "healthy"
		}

		status := http.StatusOK
		if response.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}

		handler.WriteJSON(w, status, response)
	}
}

// clearHandler handles POST /api/v1/clear to delete all data from the database
func clearHandler(db *postgres.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		correlationID := handler.GetCorrelationID(ctx)

		log.Info().
			Str("correlation_id", correlationID).
			Msg("Clearing all data from database")

		result, err := db.ClearAll(ctx)
		if err != nil {
			log.Error().
				Err(err).
				Str("correlation_id", correlationID).
				Msg("Failed to clear database")

			handler.WriteError(w, http.StatusInternalServerError, "Failed to clear data: "+err.Error(), correlationID)
			return
		}

		log.Info().
			Str("correlation_id", correlationID).
			Int64("responses", result.Responses).
			Int64("decisions", result.Decisions).
			Int64("observations", result.Observations).
			Msg("Successfully cleared all data from database")

		handler.WriteSuccess(w, http.StatusOK, "All data cleared successfully", result, correlationID)
	}
}

// maskPassword masks the password in a connection URL for logging
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}

// runDecisionPersistence stores every fire decision published on the bus
func runDecisionPersistence(ctx context.Context, bus *agent.BaseAgent, db *postgres.Pool) error {
	consumer, err := natsutil.SetupConsumer(ctx, bus.JetStream(), natsutil.StreamDecisions, "gateway-decisions")
	if err != nil {
		return fmt.Errorf("failed to create decision consumer: %w", err)
	}

	log.Info().Str("subject", "decision.>").Msg("Persisting fire decisions")

	err = bus.Consume(ctx, consumer, "fire_decision", func(ctx context.Context, msg jetstream.Msg) error {
		var d messages.FireDecision
		ctx, err := bus.Decode(ctx, msg.Data(), &d)
		if err != nil {
			return err
		}

		if err := db.InsertDecision(ctx, &d); err != nil {
			return fmt.Errorf("failed to persist decision: %w", err)
		}
		if _, err := db.IncrementCounter(ctx, store.CounterDecisions, 1); err != nil {
			log.Warn().Err(err).Msg("Failed to increment decision counter")
		}

		log.Debug().
			Str("correlation_id", d.Envelope.Correlation()).
			Str("decision", string(d.Trace.Decision)).
			Msg("Persisted fire decision")
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runResponsePersistence stores every response plan published on the bus
func runResponsePersistence(ctx context.Context, bus *agent.BaseAgent, db *postgres.Pool) error {
	consumer, err := natsutil.SetupConsumer(ctx, bus.JetStream(), natsutil.StreamResponses, "gateway-responses")
	if err != nil {
		return fmt.Errorf("failed to create response consumer: %w", err)
	}

	log.Info().Str("subject", "response.>").Msg("Persisting response plans")

	err = bus.Consume(ctx, consumer, "response_plan", func(ctx context.Context, msg jetstream.Msg) error {
		var plan messages.ResponsePlan
		ctx, err := bus.Decode(ctx, msg.Data(), &plan)
		if err != nil {
			return err
		}

		if err := db.InsertResponse(ctx, &plan); err != nil {
			return fmt.Errorf("failed to persist response plan: %w", err)
		}
		if _, err := db.IncrementCounter(ctx, store.CounterResponses, 1); err != nil {
			log.Warn().Err(err).Msg("Failed to increment response counter")
		}

		log.Debug().
			Str("correlation_id", plan.Envelope.Correlation()).
			Str("response_id", plan.ResponseID).
			Bool("released", plan.Released).
			Msg("Persisted response plan")
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
