package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marcpuig/plugsched/core/model"
)

// MemoryStore is an in-memory Store used in tests and ephemeral setups. It
// enforces the same (rule, date, start) uniqueness and conditional transitions
// as the SQLite store.
type MemoryStore struct {
	mu      sync.Mutex
	rules   map[string]model.Rule
	actions map[string]model.ScheduledAction
	keys    map[string]string // (rule|date|start) -> action id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:   map[string]model.Rule{},
		actions: map[string]model.ScheduledAction{},
		keys:    map[string]string{},
	}
}

func actionKey(ruleID string, date time.Time, start time.Time) string {
	return ruleID + "|" + model.DateKey(date) + "|" + start.Format("15:04")
}

func (s *MemoryStore) CreateRule(_ context.Context, r *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.rules[r.ID] = *r
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now()
	s.rules[r.ID] = *r
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	for aid, a := range s.actions {
		if a.RuleID == id {
			delete(s.keys, actionKey(a.RuleID, a.Date, a.Start))
			delete(s.actions, aid)
		}
	}
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertAction(_ context.Context, a *model.ScheduledAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actionKey(a.RuleID, a.Date, a.Start)
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	a.CreatedAt = time.Now()
	s.keys[key] = a.ID
	s.actions[a.ID] = *a
	return true, nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*model.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListActions(_ context.Context, f ActionFilter) ([]model.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledAction
	for _, a := range s.actions {
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && a.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && a.Date.After(f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) DueStarts(_ context.Context, now time.Time) ([]model.ScheduledAction, error) {
	return s.dueWith(model.StatusPending, func(a model.ScheduledAction) bool {
		return !a.Start.After(now)
	})
}

func (s *MemoryStore) DueEnds(_ context.Context, now time.Time) ([]model.ScheduledAction, error) {
	return s.dueWith(model.StatusRunning, func(a model.ScheduledAction) bool {
		return !a.End.After(now)
	})
}

func (s *MemoryStore) dueWith(status model.ActionStatus, due func(model.ScheduledAction) bool) ([]model.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledAction
	for _, a := range s.actions {
		if a.Status == status && due(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) ClaimAction(_ context.Context, id string) (bool, error) {
	return s.transition(id, model.StatusRunning, model.StatusPending)
}

func (s *MemoryStore) ClaimEnd(_ context.Context, id string) (bool, error) {
	return s.transition(id, model.StatusStopping, model.StatusRunning)
}

func (s *MemoryStore) ReleaseAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	switch a.Status {
	case model.StatusRunning:
		a.Status = model.StatusPending
	case model.StatusStopping:
		a.Status = model.StatusRunning
	default:
		return ErrNotFound
	}
	s.actions[id] = a
	return nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != model.StatusStopping {
		return ErrNotFound
	}
	a.Status = model.StatusExecuted
	a.ExecutedAt = &at
	s.actions[id] = a
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string) error {
	if ok, err := s.transition(id, model.StatusFailed, model.StatusPending, model.StatusRunning, model.StatusStopping); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) CancelAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != model.StatusPending {
		return ErrCancelConflict
	}
	a.Status = model.StatusCancelled
	s.actions[id] = a
	return nil
}

func (s *MemoryStore) transition(id string, to model.ActionStatus, from ...model.ActionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			s.actions[id] = a
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ClearPending(_ context.Context, ruleID string, date time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := model.DateKey(date)
	removed := 0
	for id, a := range s.actions {
		if a.RuleID == ruleID && model.DateKey(a.Date) == day && a.Status == model.StatusPending {
			delete(s.keys, actionKey(a.RuleID, a.Date, a.Start))
			delete(s.actions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CountForDate(_ context.Context, date time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := model.DateKey(date)
	n := 0
	for _, a := range s.actions {
		if model.DateKey(a.Date) == day {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
