package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/store"
)

// Materializer turns selected intervals into persisted pending actions.
type Materializer struct {
	actions store.ActionStore
	loc     *time.Location
}

// NewMaterializer creates a Materializer writing to the given store. Action
// boundaries are resolved in loc; nil means time.Local.
func NewMaterializer(actions store.ActionStore, loc *time.Location) *Materializer {
	if loc == nil {
		loc = time.Local
	}
	return &Materializer{actions: actions, loc: loc}
}

// Materialize persists one pending action per interval and returns how many
// were created. Inserting an interval that already exists for the same
// (rule, date, start) is a no-op success, so re-running planning for an
// already-planned day never duplicates or conflicts. Hours no longer selected
// by a re-plan are left untouched; reconciliation is the caller's explicit
// ClearPending call.
func (m *Materializer) Materialize(ctx context.Context, rule model.Rule, intervals []Interval, date time.Time) (int, error) {
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, m.loc)
	created := 0
	for _, iv := range intervals {
		a := &model.ScheduledAction{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			DeviceID:    rule.DeviceID,
			Date:        midnight,
			Start:       midnight.Add(time.Duration(iv.StartHour) * time.Hour),
			End:         midnight.Add(time.Duration(iv.EndHour) * time.Hour),
			PricePerKWh: iv.AvgPrice,
			Status:      model.StatusPending,
		}
		inserted, err := m.actions.InsertAction(ctx, a)
		if err != nil {
			return created, fmt.Errorf("insert action for rule %s at %02d:00: %w", rule.ID, iv.StartHour, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}
