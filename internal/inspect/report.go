// Package inspect renders the audit trail of one webhook delivery: the
// audit row, the durable run that carried it and every memoized step.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/store"
)

// Report is the structured JSON representation of a delivery trail.
type Report struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	DeliveryID     string    `json:"delivery_id"`
	EventType      string    `json:"event_type"`
	ResourceID     string    `json:"resource_id"`
	InstallationID string    `json:"installation_id,omitempty"`
	Status         string    `json:"status"`
	DLQReason      string    `json:"dlq_reason,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	Run            *RunInfo  `json:"run,omitempty"`
	Steps          []Step    `json:"steps"`
}

type RunInfo struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step is one memoized pipeline step.
type Step struct {
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Sources are the tables a report reads.
type Sources struct {
	Store *store.Store
	Queue *queue.Queue
	Steps *steplog.Log
}

// Gather loads the trail for a delivery. ref is either the audit row id or
// "provider:deliveryID".
func Gather(ctx context.Context, src Sources, ref string) (*Report, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("delivery reference is required")
	}

	d, err := lookup(ctx, src.Store, ref)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:             d.ID,
		Provider:       d.Provider,
		DeliveryID:     d.DeliveryID,
		EventType:      d.EventType,
		ResourceID:     d.ResourceID,
		InstallationID: d.InstallationID,
		Status:         string(d.Status),
		DLQReason:      d.DLQReason,
		ReceivedAt:     d.ReceivedAt,
		Steps:          make([]Step, 0),
	}
	if d.RunID == "" {
		return report, nil
	}

	run, err := src.Queue.Get(ctx, d.RunID)
	switch {
	case err == nil:
		info := &RunInfo{
			ID:          run.ID,
			Status:      string(run.Status),
			Attempt:     run.Attempt,
			MaxAttempts: run.MaxAttempts,
			CompletedAt: run.CompletedAt,
		}
		if run.LastError != nil {
			info.LastError = *run.LastError
		}
		report.Run = info
	case errors.Is(err, queue.ErrRunNotFound):
		// Pruned by retention; steps may be gone too.
	default:
		return nil, err
	}

	entries, err := src.Steps.List(ctx, d.RunID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		report.Steps = append(report.Steps, Step{Name: e.Step, Output: e.Output, CompletedAt: e.CompletedAt})
	}
	return report, nil
}

func lookup(ctx context.Context, st *store.Store, ref string) (store.Delivery, error) {
	if provider, deliveryID, ok := strings.Cut(ref, ":"); ok {
		d, err := st.FindDelivery(ctx, provider, deliveryID)
		if err != nil {
			return store.Delivery{}, fmt.Errorf("find delivery %s: %w", ref, err)
		}
		return d, nil
	}
	d, err := st.GetDelivery(ctx, ref)
	if err != nil {
		return store.Delivery{}, fmt.Errorf("get delivery %s: %w", ref, err)
	}
	return d, nil
}

// BuildReport renders a terminal-friendly report for a delivery.
func BuildReport(ctx context.Context, src Sources, ref string) (string, error) {
	report, err := Gather(ctx, src, ref)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Delivery Report\n")
	fmt.Fprintf(&out, "ID           : %s\n", report.ID)
	fmt.Fprintf(&out, "Provider     : %s\n", report.Provider)
	fmt.Fprintf(&out, "Delivery ID  : %s\n", report.DeliveryID)
	fmt.Fprintf(&out, "Event        : %s\n", report.EventType)
	fmt.Fprintf(&out, "Resource     : %s\n", renderUnset(report.ResourceID, "<none>"))
	fmt.Fprintf(&out, "Installation : %s\n", renderUnset(report.InstallationID, "<unresolved>"))
	fmt.Fprintf(&out, "Status       : %s\n", report.Status)
	if report.DLQReason != "" {
		fmt.Fprintf(&out, "DLQ reason   : %s\n", report.DLQReason)
	}
	fmt.Fprintf(&out, "Received     : %s\n", report.ReceivedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "\n")

	if report.Run == nil {
		fmt.Fprintf(&out, "run          : <none>\n")
	} else {
		fmt.Fprintf(&out, "run          : %s (%s, attempt %d/%d)\n", report.Run.ID, report.Run.Status, report.Run.Attempt, report.Run.MaxAttempts)
		if report.Run.LastError != "" {
			fmt.Fprintf(&out, "last error   : %s\n", report.Run.LastError)
		}
	}

	for i, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s at %s\n", i+1, step.Name, step.CompletedAt.Format(time.RFC3339))
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(step.Output)), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Sources, ref string) (string, error) {
	report, err := Gather(ctx, src, ref)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(data)
}
