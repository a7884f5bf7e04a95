package store

import (
	"context"
	"errors"
	"time"

	"github.com/marcpuig/plugsched/core/model"
)

// ErrNotFound is returned when a rule or action does not exist.
var ErrNotFound = errors.New("not found")

// ErrCancelConflict is returned when a cancellation races an action that has
// already been claimed for execution or reached a terminal state.
var ErrCancelConflict = errors.New("action is not pending")

// ActionFilter narrows action queries for the status API.
type ActionFilter struct {
	RuleID string
	Status model.ActionStatus
	From   time.Time // inclusive planning date lower bound
	To     time.Time // inclusive planning date upper bound
}

// RuleStore provides durable access to scheduling rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r *model.Rule) error
	UpdateRule(ctx context.Context, r *model.Rule) error
	// DeleteRule removes the rule and all of its scheduled actions in one
	// transaction. The rule exclusively owns its actions.
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	ListRules(ctx context.Context) ([]model.Rule, error)
	ListEnabledRules(ctx context.Context) ([]model.Rule, error)
}

// ActionStore provides durable access to scheduled actions and the
// conditional transitions of the execution state machine.
type ActionStore interface {
	// InsertAction persists a new pending action. It returns false without
	// error when an action for the same (rule, date, start) already exists,
	// which makes re-planning idempotent.
	InsertAction(ctx context.Context, a *model.ScheduledAction) (bool, error)

	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	ListActions(ctx context.Context, f ActionFilter) ([]model.ScheduledAction, error)

	// DueStarts returns pending actions whose start time has elapsed.
	DueStarts(ctx context.Context, now time.Time) ([]model.ScheduledAction, error)
	// DueEnds returns running actions whose end time has elapsed.
	DueEnds(ctx context.Context, now time.Time) ([]model.ScheduledAction, error)

	// ClaimAction transitions pending -> running. It returns false when the
	// action was already claimed, cancelled or terminal, guaranteeing at most
	// one in-flight execution attempt per action.
	ClaimAction(ctx context.Context, id string) (bool, error)
	// ClaimEnd transitions running -> stopping, claiming the turn-off call
	// the same way ClaimAction claims the turn-on.
	ClaimEnd(ctx context.Context, id string) (bool, error)
	// ReleaseAction reverts a claim (running -> pending, stopping -> running)
	// so another process can observe the action again, e.g. after a shutdown
	// interrupted the device call.
	ReleaseAction(ctx context.Context, id string) error
	// MarkExecuted transitions stopping -> executed and records the time the
	// turn-off call succeeded.
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	// MarkFailed transitions pending, running or stopping -> failed.
	MarkFailed(ctx context.Context, id string) error
	// CancelAction transitions pending -> cancelled. Any other current state
	// yields ErrCancelConflict.
	CancelAction(ctx context.Context, id string) error

	// ClearPending removes pending actions of a rule for a date. It is the
	// explicit reconciliation step; materialization never deletes implicitly.
	ClearPending(ctx context.Context, ruleID string, date time.Time) (int, error)
	// CountForDate counts actions planned for a date, any status.
	CountForDate(ctx context.Context, date time.Time) (int, error)
}

// Store combines rule and action persistence.
type Store interface {
	RuleStore
	ActionStore
	Close() error
}
