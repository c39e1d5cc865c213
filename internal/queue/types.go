package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusDead      Status = "dead"
)

// Run is one durable execution of the webhook pipeline for one accepted
// delivery.
type Run struct {
	ID          string
	Provider    string
	DeliveryID  string
	EventType   string
	ResourceID  string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	DedupeKey   string
	ReceivedAt  time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Provider    string
	DeliveryID  string
	EventType   string
	ResourceID  string
	Payload     json.RawMessage
	MaxAttempts int
	ReceivedAt  time.Time
}

var ErrRunNotFound = errors.New("run not found")
