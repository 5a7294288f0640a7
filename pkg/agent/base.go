package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/logging"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/telemetry"
)

// ErrUndeliverable marks a message that can never be processed, such as
// malformed JSON or a bad signature. Consume terminates it instead of
// asking for redelivery.
var ErrUndeliverable = errors.New("undeliverable message")

// Handler processes one message. ctx carries the sender's trace context.
type Handler func(ctx context.Context, msg jetstream.Msg) error

// BaseAgent provides common functionality for all agents
type BaseAgent struct {
	id        string
	agentType AgentType
	config    Config

	// NATS
	nc *nats.Conn
	js jetstream.JetStream

	// Logging
	logger zerolog.Logger

	// Metrics
	registry      *prometheus.Registry
	messagesTotal *prometheus.CounterVec
	latencyHist   *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec

	// State
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
}

// NewBaseAgent creates a new base agent with common setup
func NewBaseAgent(cfg Config) (*BaseAgent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogJSON).With().
		Str("agent_id", cfg.ID).
		Str("agent_type", string(cfg.Type)).
		Logger()

	registry := prometheus.NewRegistry()

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_messages_total",
			Help: "Total messages processed by agent",
		},
		[]string{"status", "message_type"},
	)

	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_processing_latency_seconds",
			Help:    "Message processing latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"message_type"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Total errors encountered by agent",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(messagesTotal, latencyHist, errorsTotal)

	return &BaseAgent{
		id:            cfg.ID,
		agentType:     cfg.Type,
		config:        cfg,
		logger:        logger,
		registry:      registry,
		messagesTotal: messagesTotal,
		latencyHist:   latencyHist,
		errorsTotal:   errorsTotal,
	}, nil
}

// ID returns the agent ID
func (a *BaseAgent) ID() string {
	return a.id
}

// Type returns the agent type
func (a *BaseAgent) Type() AgentType {
	return a.agentType
}

// Config returns the agent configuration
func (a *BaseAgent) Config() Config {
	return a.config
}

// Logger returns the agent logger
func (a *BaseAgent) Logger() *zerolog.Logger {
	return &a.logger
}

// NATS returns the NATS connection
func (a *BaseAgent) NATS() *nats.Conn {
	return a.nc
}

// JetStream returns the JetStream context
func (a *BaseAgent) JetStream() jetstream.JetStream {
	return a.js
}

// Metrics returns the Prometheus registry
func (a *BaseAgent) Metrics() *prometheus.Registry {
	return a.registry
}

// RecordMessage records a processed message metric
func (a *BaseAgent) RecordMessage(status, msgType string) {
	a.messagesTotal.WithLabelValues(status, msgType).Inc()
}

// RecordLatency records processing latency
func (a *BaseAgent) RecordLatency(msgType string, duration time.Duration) {
	a.latencyHist.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordError records an error metric
func (a *BaseAgent) RecordError(errorType string) {
	a.errorsTotal.WithLabelValues(errorType).Inc()
}

// Connect establishes NATS connection
func (a *BaseAgent) Connect(ctx context.Context) error {
	a.logger.Info().Str("url", a.config.NATSUrl).Msg("Connecting to NATS")

	user, pass := Credentials(a.agentType)

	opts := []nats.Option{
		nats.Name(a.id),
		nats.UserInfo(user, pass),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info().Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(a.config.NATSUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	a.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a.js = js
	a.logger.Info().Msg("Connected to NATS with JetStream")

	return nil
}

// Credentials returns the NATS user and password for an agent type
func Credentials(t AgentType) (string, string) {
	// In production, these would come from secrets management
	credentials := map[AgentType]struct{ user, pass string }{
		AgentTypeSatellite: {"satellite", "satellite-secret"},
		AgentTypeFusion:    {"fusion", "fusion-secret"},
		AgentTypeResponder: {"responder", "responder-secret"},
		AgentTypeGateway:   {"gateway", "gateway-secret"},
	}

	if creds, ok := credentials[t]; ok {
		return creds.user, creds.pass
	}
	return "admin", "admin-secret"
}

// Health returns the health status
func (a *BaseAgent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return HealthStatus{Healthy: false, Status: "stopped"}
	}

	if a.nc == nil || !a.nc.IsConnected() {
		return HealthStatus{Healthy: false, Status: "disconnected", Details: "NATS connection lost"}
	}

	return HealthStatus{Healthy: true, Status: "running"}
}

// Start begins the agent lifecycle
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.Connect(ctx); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}

	a.logger.Info().Msg("Agent started")
	return nil
}

// Stop gracefully stops the agent
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	a.logger.Info().Msg("Stopping agent")

	if a.cancel != nil {
		a.cancel()
	}

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}

	a.running = false
	a.logger.Info().Msg("Agent stopped")
	return nil
}

// Publish stamps the trace context onto the message envelope, signs it and
// publishes it on the message's subject. The message ID doubles as the
// JetStream dedupe key.
func (a *BaseAgent) Publish(ctx context.Context, msg messages.Message) error {
	msg.SetEnvelope(telemetry.Stamp(ctx, msg.GetEnvelope()))

	data, err := messages.MarshalWithSignature(msg, a.config.Secret)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", msg, err)
	}

	subject := msg.Subject()
	if _, err := a.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.GetEnvelope().MessageID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Decode verifies and decodes data into msg and returns ctx extended with
// the sender's trace context
func (a *BaseAgent) Decode(ctx context.Context, data []byte, msg messages.Message) (context.Context, error) {
	if err := messages.UnmarshalVerified(data, msg, a.config.Secret); err != nil {
		return ctx, fmt.Errorf("%w: %w", ErrUndeliverable, err)
	}
	return telemetry.Resume(ctx, msg.GetEnvelope()), nil
}

// Consume fetches batches from consumer until ctx is cancelled and hands
// each message to handle. Successful messages are acked, undeliverable
// ones terminated and everything else nak'ed for redelivery.
func (a *BaseAgent) Consume(ctx context.Context, consumer jetstream.Consumer, msgType string, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			a.logger.Error().Err(err).Msg("Failed to fetch messages")
			a.RecordError("fetch_error")
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			a.dispatch(ctx, msg, msgType, handle)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn().Err(err).Msg("Message batch error")
		}
	}
}

func (a *BaseAgent) dispatch(ctx context.Context, msg jetstream.Msg, msgType string, handle Handler) {
	start := time.Now()
	err := handle(ctx, msg)
	a.RecordLatency(msgType, time.Since(start))

	switch {
	case err == nil:
		a.RecordMessage("success", msgType)
		msg.Ack()
	case errors.Is(err, ErrUndeliverable):
		a.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("Terminating undeliverable message")
		a.RecordMessage("rejected", msgType)
		a.RecordError("undeliverable")
		msg.Term()
	default:
		a.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("Failed to process message")
		a.RecordMessage("failed", msgType)
		a.RecordError("process_error")
		msg.Nak()
	}
}

// MetricsHandler serves /metrics from the agent registry and /health
func (a *BaseAgent) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := a.Health()
		w.Header().Set("Content-Type", "application/json")
		if health.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
	return mux
}
