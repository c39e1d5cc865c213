package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/pipeline"
)

// AMQP publishes persistent messages to a topic exchange and waits for the
// broker to confirm each one.
type AMQP struct {
	url      string
	exchange string
	dlqKey   string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects, declares the exchange and enables publisher confirms.
func DialAMQP(ctx context.Context, cfg config.PublisherConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("publisher url is required")
	}
	a := &AMQP{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		dlqKey:   cfg.DeadLetterRoutingKey,
		timeout:  cfg.Timeout,
		logger:   log.WithComponent("publish"),
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connectLocked() error {
	if a.ch != nil && !a.ch.IsClosed() && a.conn != nil && !a.conn.IsClosed() {
		return nil
	}
	if a.conn != nil && !a.conn.IsClosed() {
		_ = a.conn.Close()
	}

	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": "relaygate"},
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	a.conn, a.ch = conn, ch
	a.logger.Info("connected to broker", "exchange", a.exchange)
	return nil
}

func (a *AMQP) Publish(ctx context.Context, env pipeline.Envelope, dedupKey string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return a.publish(ctx, RoutingKey(env), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dedupKey,
		Type:         env.EventType,
		Timestamp:    env.ReceivedAt,
		Headers:      amqp.Table{"provider": env.Provider},
		Body:         body,
	})
}

func (a *AMQP) DeadLetter(ctx context.Context, env pipeline.Envelope, reason string) error {
	body, err := json.Marshal(DeadLetterMessage{Envelope: env, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return a.publish(ctx, a.dlqKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    pipeline.PublishKey(env.Provider, env.DeliveryID),
		Type:         env.EventType,
		Timestamp:    env.ReceivedAt,
		Headers:      amqp.Table{"provider": env.Provider, "reason": reason},
		Body:         body,
	})
}

// publish sends one message and blocks until the broker acks it. A closed
// channel is redialled once per call; anything else is left to the
// pipeline's retry.
func (a *AMQP) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.mu.Lock()
	if err := a.connectLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	ch := a.ch
	a.mu.Unlock()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
