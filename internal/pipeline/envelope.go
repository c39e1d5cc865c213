package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// Envelope is the downstream message shape. It is the same for every
// provider; Payload is the provider body byte for byte.
type Envelope struct {
	DeliveryID     string          `json:"deliveryId"`
	InstallationID string          `json:"installationId"`
	OrgID          string          `json:"orgId"`
	Provider       string          `json:"provider"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

// PublishKey is the dedup key handed to the downstream queue. It is stable
// per (provider, delivery id), so provider redeliveries and pipeline
// retries coalesce at the consumer.
func PublishKey(provider, deliveryID string) string {
	sum := blake3.Sum256([]byte(provider + ":" + deliveryID))
	return hex.EncodeToString(sum[:])
}
