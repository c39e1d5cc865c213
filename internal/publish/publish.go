// Package publish hands pipeline envelopes to the downstream durable queue.
package publish

import (
	"context"
	"fmt"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/pipeline"
)

// Publisher is a pipeline.Publisher that owns a connection.
type Publisher interface {
	pipeline.Publisher
	Close() error
}

// DeadLetterMessage is the body of a dead-lettered delivery.
type DeadLetterMessage struct {
	pipeline.Envelope
	Reason string `json:"reason"`
}

// Open builds the publisher selected by cfg.Kind.
func Open(ctx context.Context, cfg config.PublisherConfig) (Publisher, error) {
	switch cfg.Kind {
	case "amqp":
		return DialAMQP(ctx, cfg)
	case "http":
		return NewHTTP(cfg, nil)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// RoutingKey is the AMQP routing key for an envelope.
func RoutingKey(env pipeline.Envelope) string {
	return env.Provider + "." + env.EventType
}
