// ABOUTME: Tests for the SQLite-backed event history
// ABOUTME: Append, filtered listing, limits, and schema enforcement

package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_AppendAndList(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &Event{
		Action: ActionStarted,
		Detail: map[string]any{"pid": 4242, "transport": "udp4"},
	}))

	events, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ActionStarted, e.Action)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, float64(4242), e.Detail["pid"])
	assert.Equal(t, "udp4", e.Detail["transport"])
}

func TestLog_NewestFirst(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, action := range []string{ActionStarted, ActionStopped, ActionStarted} {
		require.NoError(t, l.Append(ctx, &Event{
			Action:    action,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
	assert.True(t, events[1].Timestamp.After(events[2].Timestamp))
}

func TestLog_FilterByAction(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &Event{Action: ActionStarted}))
	require.NoError(t, l.Append(ctx, &Event{Action: ActionStopped}))
	require.NoError(t, l.Append(ctx, &Event{Action: ActionSettingsSaved}))

	events, err := l.List(ctx, Filter{Action: ActionStopped})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionStopped, events[0].Action)
}

func TestLog_FilterSince(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(ctx, &Event{Action: ActionStarted, Timestamp: old}))
	require.NoError(t, l.Append(ctx, &Event{Action: ActionStopped, Timestamp: recent}))

	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	events, err := l.List(ctx, Filter{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionStopped, events[0].Action)
}

func TestLog_LimitApplied(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, &Event{Action: ActionEnabledChanged}))
	}

	events, err := l.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLog_EmptyListIsNotNil(t *testing.T) {
	l := openTestLog(t)

	events, err := l.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestLog_RejectsUnknownAction(t *testing.T) {
	l := openTestLog(t)

	err := l.Append(context.Background(), &Event{Action: "made_up_action"})
	require.Error(t, err, "schema check constraint must reject unknown actions")
}

func TestLog_RecordEventBestEffort(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	// Unknown action fails the constraint; RecordEvent must swallow it.
	l.RecordEvent(ctx, "made_up_action", nil)
	l.RecordEvent(ctx, ActionStartFailed, map[string]any{"error": "boom"})

	events, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionStartFailed, events[0].Action)
}

func TestLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	l, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), &Event{Action: ActionStarted}))
	require.NoError(t, l.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
