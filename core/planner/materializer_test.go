package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/store"
)

func TestMaterializeCreatesPendingActions(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMaterializer(st, time.UTC)
	rule := model.Rule{ID: "r1", DeviceID: "d1"}
	intervals := []Interval{
		{StartHour: 1, EndHour: 3, AvgPrice: 5},
		{StartHour: 4, EndHour: 6, AvgPrice: 8},
	}

	created, err := m.Materialize(context.Background(), rule, intervals, monday)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	actions, err := st.ListActions(context.Background(), store.ActionFilter{RuleID: "r1"})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	first := actions[0]
	assert.Equal(t, model.StatusPending, first.Status)
	assert.Equal(t, "d1", first.DeviceID)
	assert.Equal(t, monday.Add(1*time.Hour), first.Start)
	assert.Equal(t, monday.Add(3*time.Hour), first.End)
	assert.InDelta(t, 5, first.PricePerKWh, 1e-9)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMaterializer(st, time.UTC)
	rule := model.Rule{ID: "r1", DeviceID: "d1"}
	intervals := []Interval{{StartHour: 2, EndHour: 4, AvgPrice: 3}}

	created, err := m.Materialize(context.Background(), rule, intervals, monday)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Re-running the same plan is a no-op, not a conflict.
	created, err = m.Materialize(context.Background(), rule, intervals, monday)
	require.NoError(t, err)
	assert.Zero(t, created)

	n, err := st.CountForDate(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaterializeKeepsUnselectedHours(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMaterializer(st, time.UTC)
	rule := model.Rule{ID: "r1", DeviceID: "d1"}

	_, err := m.Materialize(context.Background(), rule, []Interval{{StartHour: 2, EndHour: 4}}, monday)
	require.NoError(t, err)
	// A re-plan selecting different hours adds but never removes.
	_, err = m.Materialize(context.Background(), rule, []Interval{{StartHour: 10, EndHour: 12}}, monday)
	require.NoError(t, err)

	n, err := st.CountForDate(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Reconciliation is explicit.
	removed, err := st.ClearPending(context.Background(), "r1", monday)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
