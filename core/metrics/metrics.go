package metrics

import "time"

// PlanningEvent records one per-rule planning run.
type PlanningEvent struct {
	RuleID   string
	Date     time.Time
	Created  int
	Err      string
	Duration time.Duration
}

// TransitionEvent records a state-machine transition of a scheduled action.
type TransitionEvent struct {
	ActionID string
	RuleID   string
	DeviceID string
	To       string
	Time     time.Time
}

// DeviceCallEvent records one power command including retries.
type DeviceCallEvent struct {
	DeviceID string
	On       bool
	Attempts int
	Err      string
	Latency  time.Duration
}

// Sink records planning and execution events for observability purposes.
type Sink interface {
	RecordPlanning(ev PlanningEvent) error
	RecordTransition(ev TransitionEvent) error
}

// DeviceCallRecorder records device command outcomes. Sinks implement it when
// they can express per-call latency.
type DeviceCallRecorder interface {
	RecordDeviceCall(ev DeviceCallEvent) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordPlanning(PlanningEvent) error     { return nil }
func (NopSink) RecordTransition(TransitionEvent) error { return nil }
func (NopSink) RecordDeviceCall(DeviceCallEvent) error { return nil }
