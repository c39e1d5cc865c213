package steplog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relaygate/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "relaygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

type resolved struct {
	InstallationID string `json:"installation_id"`
}

func TestDoRunsOncePerRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLog(t)

	calls := 0
	fn := func(context.Context) (resolved, error) {
		calls++
		return resolved{InstallationID: "inst-1"}, nil
	}

	first, err := Do(ctx, l, "run-1", "resolve", fn)
	require.NoError(t, err)
	second, err := Do(ctx, l, "run-1", "resolve", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	_, err = Do(ctx, l, "run-2", "resolve", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "memo is per run")
}

func TestDoDoesNotRecordFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLog(t)

	boom := errors.New("boom")
	_, err := Do(ctx, l, "run-1", "publish", func(context.Context) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)

	_, ok, err := l.Lookup(ctx, "run-1", "publish")
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := Do(ctx, l, "run-1", "publish", func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, out)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLog(t)
	l.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, l.Record(ctx, "run-1", "dedup", []byte(`true`)))
	n, err := l.Prune(ctx, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListInCompletionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLog(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, step := range []string{"dedup", "resolve", "publish"} {
		at := base.Add(time.Duration(i) * time.Second)
		l.now = func() time.Time { return at }
		require.NoError(t, l.Record(ctx, "run-1", step, []byte(`true`)))
	}
	require.NoError(t, l.Record(ctx, "run-2", "dedup", []byte(`false`)))

	entries, err := l.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "dedup", entries[0].Step)
	assert.Equal(t, "publish", entries[2].Step)
	assert.Equal(t, base.Add(2*time.Second), entries[2].CompletedAt)
	assert.JSONEq(t, `true`, string(entries[0].Output))
}
