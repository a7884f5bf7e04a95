package model

import (
	"fmt"
	"time"
)

// DaysAll enables a rule for every day of the week.
const DaysAll = 0x7F

// Rule is a user's standing instruction for one device: how many hours it may
// run per day, in which time window and on which weekdays.
type Rule struct {
	ID       string
	DeviceID string
	Name     string

	// MaxHours is the total number of active hours per day, between 1 and 24.
	MaxHours int

	// WindowStart and WindowEnd bound the allowed hours as [start, end) in
	// local time. Both nil means no restriction. A start greater than the end
	// describes a window crossing midnight (e.g. 22:00-06:00).
	WindowStart *int
	WindowEnd   *int

	// MinContinuousHours is the minimum length of each contiguous run.
	MinContinuousHours int

	// DaysOfWeek is a 7-bit mask, bit 0 = Monday through bit 6 = Sunday.
	DaysOfWeek int

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that the rule is well formed. Malformed rules are rejected
// at creation so the planning engine never sees them.
func (r Rule) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if r.MaxHours < 1 || r.MaxHours > 24 {
		return fmt.Errorf("max_hours must be between 1 and 24")
	}
	if r.MinContinuousHours < 1 {
		return fmt.Errorf("min_continuous_hours must be at least 1")
	}
	if r.MinContinuousHours > r.MaxHours {
		return fmt.Errorf("min_continuous_hours must not exceed max_hours")
	}
	if r.DaysOfWeek < 1 || r.DaysOfWeek > DaysAll {
		return fmt.Errorf("days_of_week must have at least one day set")
	}
	if (r.WindowStart == nil) != (r.WindowEnd == nil) {
		return fmt.Errorf("time window requires both start and end")
	}
	if r.WindowStart != nil {
		s, e := *r.WindowStart, *r.WindowEnd
		if s < 0 || s > 23 || e < 0 || e > 23 {
			return fmt.Errorf("time window hours must be between 0 and 23")
		}
		if s == e {
			return fmt.Errorf("time window must not be empty")
		}
		if r.WindowSpan() < r.MinContinuousHours {
			return fmt.Errorf("time window narrower than min_continuous_hours")
		}
	}
	return nil
}

// WindowSpan returns the number of hours covered by the time window,
// accounting for windows that cross midnight. Without a window it is 24.
func (r Rule) WindowSpan() int {
	if r.WindowStart == nil || r.WindowEnd == nil {
		return 24
	}
	s, e := *r.WindowStart, *r.WindowEnd
	if s < e {
		return e - s
	}
	return 24 - s + e
}

// HourInWindow reports whether the given hour of day falls inside the rule's
// time window.
func (r Rule) HourInWindow(hour int) bool {
	if r.WindowStart == nil || r.WindowEnd == nil {
		return true
	}
	s, e := *r.WindowStart, *r.WindowEnd
	if s < e {
		return hour >= s && hour < e
	}
	return hour >= s || hour < e
}

// AppliesOn reports whether the rule is eligible on the given weekday.
func (r Rule) AppliesOn(day time.Weekday) bool {
	// time.Weekday starts on Sunday; the mask starts on Monday.
	bit := (int(day) + 6) % 7
	return r.DaysOfWeek&(1<<bit) != 0
}
