package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relaygate/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewRejectsBadSpec(t *testing.T) {
	logger, _ := NewTestSlogger()

	_, err := New(Options{Prune: "every tuesday"}, Deps{}, logger)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prune")

	s, err := New(Options{CacheRebuild: "@every 1h", Prune: "0 3 * * *"}, Deps{}, logger)
	require.NoError(t, err)
	assert.Len(t, s.jobs, 2, "empty recover spec disables the job")
}

func TestRecoverStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runs := mocks.NewMockRecoverer(ctrl)
	logger, logBuf := NewTestSlogger()
	s, err := New(Options{StaleAfter: 10 * time.Minute}, Deps{Runs: runs}, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	t.Run("requeues runs started before the window", func(t *testing.T) {
		runs.EXPECT().RequeueStale(ctx, fixedNow.Add(-10*time.Minute)).Return(int64(2), nil)
		assert.NoError(t, s.recoverStale(ctx))
		assert.Contains(t, logBuf.String(), "re-queued orphaned runs")
	})

	t.Run("error is wrapped", func(t *testing.T) {
		runs.EXPECT().RequeueStale(ctx, gomock.Any()).Return(int64(0), errors.New("db error"))
		err := s.recoverStale(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "db error")
	})
}

func TestPrune(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	deliveries := mocks.NewMockPruner(ctrl)
	steps := mocks.NewMockPruner(ctrl)
	logger, _ := NewTestSlogger()
	s, err := New(Options{Retention: 30 * 24 * time.Hour}, Deps{Pruners: map[string]Pruner{
		"deliveries": deliveries,
		"steps":      steps,
	}}, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	ctx := context.Background()
	cutoff := fixedNow.Add(-30 * 24 * time.Hour)

	t.Run("all targets pruned with the same cutoff", func(t *testing.T) {
		deliveries.EXPECT().Prune(ctx, cutoff).Return(int64(4), nil)
		steps.EXPECT().Prune(ctx, cutoff).Return(int64(0), nil)
		assert.NoError(t, s.prune(ctx))
	})

	t.Run("one failure does not stop the rest", func(t *testing.T) {
		deliveries.EXPECT().Prune(ctx, cutoff).Return(int64(0), errors.New("locked"))
		steps.EXPECT().Prune(ctx, cutoff).Return(int64(1), nil)
		err := s.prune(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "deliveries")
	})
}

func TestPruneDisabledWithoutRetention(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No EXPECT: any call fails the test.
	p := mocks.NewMockPruner(ctrl)
	logger, _ := NewTestSlogger()
	s, err := New(Options{}, Deps{Pruners: map[string]Pruner{"runs": p}}, logger)
	require.NoError(t, err)
	assert.NoError(t, s.prune(context.Background()))
}

func TestPrunerFunc(t *testing.T) {
	var got time.Time
	p := PrunerFunc(func(_ context.Context, cutoff time.Time) (int64, error) {
		got = cutoff
		return 3, nil
	})
	n, err := p.Prune(context.Background(), fixedNow)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, fixedNow, got)
}

func TestRebuildRoutes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	routes := mocks.NewMockRouteRebuilder(ctrl)
	logger, _ := NewTestSlogger()
	s, err := New(Options{}, Deps{Routes: routes}, logger)
	require.NoError(t, err)

	routes.EXPECT().RebuildRoutes(gomock.Any()).Return(12, nil)
	assert.NoError(t, s.rebuildRoutes(context.Background()))

	routes.EXPECT().RebuildRoutes(gomock.Any()).Return(0, errors.New("redis down"))
	assert.Error(t, s.rebuildRoutes(context.Background()))
}

func TestStartRecoversThenStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runs := mocks.NewMockRecoverer(ctrl)
	routes := mocks.NewMockRouteRebuilder(ctrl)
	logger, _ := NewTestSlogger()
	s, err := New(Options{
		StaleAfter:   time.Minute,
		CacheRebuild: "@every 1h",
	}, Deps{Runs: runs, Routes: routes}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	recovered := make(chan struct{})
	runs.EXPECT().RequeueStale(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, time.Time) (int64, error) {
		close(recovered)
		return 0, nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("startup recovery did not run")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
