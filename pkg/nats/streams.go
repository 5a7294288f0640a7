// Package natsutil provides NATS JetStream configuration and helpers
package natsutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream names
const (
	StreamHotspots  = "HOTSPOTS"
	StreamVision    = "VISION"
	StreamMissions  = "MISSIONS"
	StreamDecisions = "DECISIONS"
	StreamResponses = "RESPONSES"
)

// StreamConfigs defines all streams used by the FireGrid pipeline
var StreamConfigs = map[string]jetstream.StreamConfig{
	StreamHotspots: {
		Name:              StreamHotspots,
		Description:       "Satellite hotspots awaiting Level 1 verification",
		Subjects:          []string{"hotspot.ingest.>"},
		Retention:         jetstream.WorkQueuePolicy, // Consume once
		MaxBytes:          1 * 1024 * 1024 * 1024,    // 1GB
		MaxAge:            24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Duplicates:        2 * time.Minute,
		MaxMsgsPerSubject: 100000,
	},
	StreamVision: {
		Name:        StreamVision,
		Description: "Onboard camera detections",
		Subjects:    []string{"vision.event.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    256 * 1024 * 1024,
		MaxAge:      time.Hour,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
	},
	StreamMissions: {
		Name:        StreamMissions,
		Description: "Drone missions configured by the adaptive handshake",
		Subjects:    []string{"mission.dispatch.>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxBytes:    512 * 1024 * 1024, // 512MB
		MaxAge:      time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	},
	StreamDecisions: {
		Name:        StreamDecisions,
		Description: "Fused fire decisions with their trace",
		Subjects:    []string{"decision.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    1 * 1024 * 1024 * 1024,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	},
	StreamResponses: {
		Name:        StreamResponses,
		Description: "Spread projections and sniffer paths for escalated decisions",
		Subjects:    []string{"response.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    512 * 1024 * 1024,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	},
}

// ConsumerConfigs defines consumers for each agent type
var ConsumerConfigs = map[string]jetstream.ConsumerConfig{
	"satellite": {
		Durable:       "satellite",
		Description:   "Satellite agent consumer for ingested hotspots",
		FilterSubject: "hotspot.ingest.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 1000,
	},
	"fusion": {
		Durable:       "fusion",
		Description:   "Fusion agent consumer for drone missions",
		FilterSubject: "mission.dispatch.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second, // A sweep samples three sensors
		MaxDeliver:    3,
		MaxAckPending: 100,
	},
	"responder": {
		Durable:       "responder",
		Description:   "Responder agent consumer for escalated decisions",
		FilterSubject: "decision.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 200,
	},
	"gateway-decisions": {
		Durable:       "gateway-decisions",
		Description:   "Gateway persistence consumer for decisions",
		FilterSubject: "decision.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 500,
	},
	"gateway-responses": {
		Durable:       "gateway-responses",
		Description:   "Gateway persistence consumer for response plans",
		FilterSubject: "response.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 500,
	},
}

// SetupStreams creates all required streams
func SetupStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, cfg := range StreamConfigs {
		_, err := js.Stream(ctx, name)
		if err == nil {
			continue // Stream exists
		}

		_, err = js.CreateStream(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
	}
	return nil
}

// SetupConsumer creates a consumer for an agent
func SetupConsumer(ctx context.Context, js jetstream.JetStream, streamName, consumerName string) (jetstream.Consumer, error) {
	cfg := ConsumerConfig(consumerName)

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("stream %s not found: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, cfg.Durable)
	if err == nil {
		return consumer, nil
	}

	return stream.CreateConsumer(ctx, cfg)
}

// ConsumerConfig returns the named consumer configuration, or explicit-ack
// defaults for names without one
func ConsumerConfig(name string) jetstream.ConsumerConfig {
	if cfg, ok := ConsumerConfigs[name]; ok {
		return cfg
	}
	return jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
	}
}

// StreamFor returns the stream whose subjects cover subject
func StreamFor(subject string) (string, bool) {
	for name, cfg := range StreamConfigs {
		for _, pattern := range cfg.Subjects {
			if subjectMatches(pattern, subject) {
				return name, true
			}
		}
	}
	return "", false
}

// subjectMatches implements NATS wildcard matching for * and trailing >
func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
