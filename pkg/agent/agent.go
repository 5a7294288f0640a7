// Package agent provides the base framework for FireGrid agents
package agent

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agile-defense/firegrid/pkg/config"
)

// AgentType identifies the type of agent
type AgentType string

const (
	AgentTypeSatellite AgentType = "satellite"
	AgentTypeFusion    AgentType = "fusion"
	AgentTypeResponder AgentType = "responder"
	AgentTypeGateway   AgentType = "gateway"
)

// HealthStatus represents agent health
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Agent is the interface that all agents must implement
type Agent interface {
	// Identity
	ID() string
	Type() AgentType

	// Lifecycle
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus

	// Metrics
	Metrics() *prometheus.Registry
}

// Config holds configuration for an agent
type Config struct {
	ID      string
	Type    AgentType
	NATSUrl string
	Secret  []byte

	LogLevel string
	LogJSON  bool
}

// NewConfig derives an agent configuration from the service configuration.
// An agent left with the default service ID gets a generated one.
func NewConfig(cfg *config.Config, t AgentType) Config {
	id := cfg.Service.AgentID
	if id == "" || id == config.DefaultConfig().Service.AgentID {
		id = string(t) + "-" + uuid.New().String()[:8]
	}
	return Config{
		ID:       id,
		Type:     t,
		NATSUrl:  cfg.NATS.URL,
		Secret:   []byte(cfg.Security.SigningSecret),
		LogLevel: cfg.Logging.Level,
		LogJSON:  cfg.Logging.JSON,
	}
}
