package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/storage"
	"github.com/mattjoyce/relaygate/internal/store"
)

func newSources(t *testing.T) Sources {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "relaygate.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return Sources{Store: store.New(db), Queue: queue.New(db), Steps: steplog.New(db)}
}

func seedDeadLetter(t *testing.T, src Sources) string {
	t.Helper()
	ctx := context.Background()
	received := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	runID, err := src.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Provider:   "github",
		DeliveryID: "gh-42",
		EventType:  "push",
		ResourceID: "repo-9",
		Payload:    json.RawMessage(`{"ref":"main"}`),
		ReceivedAt: received,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := src.Store.InsertDelivery(ctx, store.Delivery{
		Provider: "github", DeliveryID: "gh-42", EventType: "push", ResourceID: "repo-9",
		RunID: runID, ReceivedAt: received,
	}); err != nil {
		t.Fatalf("InsertDelivery: %v", err)
	}
	if err := src.Steps.Record(ctx, runID, "dedup", json.RawMessage(`true`)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := src.Steps.Record(ctx, runID, "resolve", json.RawMessage(`{"resolved":false}`)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := src.Store.MarkDeadLetter(ctx, "github", "gh-42", "", json.RawMessage(`{"ref":"main"}`), store.ReasonUnresolved); err != nil {
		t.Fatalf("MarkDeadLetter: %v", err)
	}
	return runID
}

func TestBuildReportRendersTrail(t *testing.T) {
	t.Parallel()
	src := newSources(t)
	runID := seedDeadLetter(t, src)

	report, err := BuildReport(context.Background(), src, "github:gh-42")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Delivery ID  : gh-42",
		"Installation : <unresolved>",
		"Status       : dlq",
		"DLQ reason   : unresolved",
		"run          : " + runID + " (queued, attempt 1/",
		"] dedup at ",
		"] resolve at ",
		`"resolved": false`,
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestBuildJSONReportByRowID(t *testing.T) {
	t.Parallel()
	src := newSources(t)
	seedDeadLetter(t, src)

	d, err := src.Store.FindDelivery(context.Background(), "github", "gh-42")
	if err != nil {
		t.Fatalf("FindDelivery: %v", err)
	}

	out, err := BuildJSONReport(context.Background(), src, d.ID)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ID != d.ID || report.DLQReason != store.ReasonUnresolved {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Run == nil || report.Run.Status != string(queue.StatusQueued) {
		t.Fatalf("expected queued run, got %+v", report.Run)
	}
	if len(report.Steps) != 2 || report.Steps[0].Name != "dedup" {
		t.Fatalf("unexpected steps %+v", report.Steps)
	}
}

func TestGatherUnknownDelivery(t *testing.T) {
	t.Parallel()
	src := newSources(t)

	if _, err := Gather(context.Background(), src, "github:missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := Gather(context.Background(), src, "  "); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}
