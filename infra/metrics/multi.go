package metrics

import coremetrics "github.com/marcpuig/plugsched/core/metrics"

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordPlanning forwards the event to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordPlanning(ev coremetrics.PlanningEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordPlanning(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordTransition forwards the event to all sinks.
func (m *MultiSink) RecordTransition(ev coremetrics.TransitionEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordTransition(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordDeviceCall forwards device call outcomes to sinks that support them.
func (m *MultiSink) RecordDeviceCall(ev coremetrics.DeviceCallEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.DeviceCallRecorder); ok {
			if err := rec.RecordDeviceCall(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
