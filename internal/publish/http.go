package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/pipeline"
	"github.com/mattjoyce/relaygate/internal/secure"
)

const (
	HeaderSignature   = "X-Relaygate-Signature"
	HeaderIdempotency = "Idempotency-Key"
	HeaderEvent       = "X-Relaygate-Event"
)

// HTTP delivers envelopes as signed POSTs. Any 2xx is an ack.
type HTTP struct {
	url    string
	dlqURL string
	secret string
	client *http.Client
}

// NewHTTP builds an HTTP publisher. A nil client gets one bounded by
// cfg.Timeout.
func NewHTTP(cfg config.PublisherConfig, client *http.Client) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, errors.New("publisher url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("publisher secret is required for http delivery")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTP{url: cfg.URL, dlqURL: cfg.DeadLetterURL, secret: cfg.Secret, client: client}, nil
}

func (h *HTTP) Publish(ctx context.Context, env pipeline.Envelope, dedupKey string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return h.post(ctx, h.url, env.EventType, dedupKey, body)
}

// DeadLetter posts to the dead-letter URL when one is configured. Without
// one the audit row is the only record.
func (h *HTTP) DeadLetter(ctx context.Context, env pipeline.Envelope, reason string) error {
	if h.dlqURL == "" {
		return nil
	}
	body, err := json.Marshal(DeadLetterMessage{Envelope: env, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return h.post(ctx, h.dlqURL, env.EventType, pipeline.PublishKey(env.Provider, env.DeliveryID), body)
}

func (h *HTTP) post(ctx context.Context, url, eventType, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+secure.SignHMACHex(secure.SHA256, h.secret, body))
	req.Header.Set(HeaderIdempotency, key)
	req.Header.Set(HeaderEvent, eventType)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
