package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcpuig/plugsched/core/model"
)

func testAction(id, ruleID string, date time.Time, startHour int) *model.ScheduledAction {
	start := date.Add(time.Duration(startHour) * time.Hour)
	return &model.ScheduledAction{
		ID:     id,
		RuleID: ruleID,
		Date:   date,
		Start:  start,
		End:    start.Add(time.Hour),
		Status: model.StatusPending,
	}
}

func TestMemoryStoreInsertIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	created, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)
	assert.True(t, created)

	// Same (rule, date, start) is a no-op even with a fresh id.
	created, err = s.InsertAction(ctx, testAction("a2", "r1", date, 2))
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.CountForDate(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreClaimExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)

	ok, err := s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail")
}

func TestMemoryStoreCancelConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)

	_, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.CancelAction(ctx, "a1"), ErrCancelConflict)
}

func TestMemoryStoreTerminalIsFinal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)

	_, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	_, err = s.ClaimEnd(ctx, "a1")
	require.NoError(t, err)
	require.NoError(t, s.MarkExecuted(ctx, "a1", time.Now()))

	// No transition may leave a terminal state.
	assert.Error(t, s.MarkFailed(ctx, "a1"))
	assert.ErrorIs(t, s.CancelAction(ctx, "a1"), ErrCancelConflict)
	ok, err := s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := s.GetAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, a.Status)
	assert.NotNil(t, a.ExecutedAt)
}

func TestMemoryStoreEndClaimExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)

	// The turn-off must be claimed from running, never straight from pending.
	ok, err := s.ClaimEnd(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	ok, err = s.ClaimEnd(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEnd(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok, "second end claim must fail")
}

func TestMemoryStoreReleaseRevertsClaims(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)

	assert.ErrorIs(t, s.ReleaseAction(ctx, "a1"), ErrNotFound)

	_, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseAction(ctx, "a1"))
	a, err := s.GetAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status)

	_, err = s.ClaimAction(ctx, "a1")
	require.NoError(t, err)
	_, err = s.ClaimEnd(ctx, "a1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseAction(ctx, "a1"))
	a, err = s.GetAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, a.Status)
}

func TestMemoryStoreRuleDeleteCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRule(ctx, &model.Rule{ID: "r1", DeviceID: "d1", MaxHours: 2, MinContinuousHours: 1, DaysOfWeek: model.DaysAll}))
	_, err := s.InsertAction(ctx, testAction("a1", "r1", date, 2))
	require.NoError(t, err)
	_, err = s.InsertAction(ctx, testAction("a2", "r1", date, 5))
	require.NoError(t, err)

	require.NoError(t, s.DeleteRule(ctx, "r1"))

	n, err := s.CountForDate(ctx, date)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.GetAction(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDueQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertAction(ctx, testAction("early", "r1", date, 1))
	require.NoError(t, err)
	_, err = s.InsertAction(ctx, testAction("late", "r1", date, 10))
	require.NoError(t, err)

	now := date.Add(2 * time.Hour)
	due, err := s.DueStarts(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].ID)

	_, err = s.ClaimAction(ctx, "early")
	require.NoError(t, err)
	ends, err := s.DueEnds(ctx, now)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, "early", ends[0].ID)
}
