// Package metrics provides the Prometheus and InfluxDB sink implementations.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/marcpuig/plugsched/core/metrics"
)

// PromSink records planning and execution events in Prometheus metrics.
type PromSink struct {
	planned     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deviceCalls *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

// NewPromSink registers the metrics on the default Prometheus registerer. The
// Prometheus HTTP server is started separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	planned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planning_actions_created_total",
		Help: "Total number of scheduled actions created by planning runs",
	}, []string{"rule_id"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "action_transitions_total",
		Help: "Total number of action state transitions",
	}, []string{"rule_id", "to"})
	deviceCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "device_calls_total",
		Help: "Total number of power commands sent to devices",
	}, []string{"device_id", "on", "success"})
	callLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "device_call_latency_seconds",
		Help:    "Time spent per power command including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"device_id", "success"})

	if err := reg.Register(planned); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			planned = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(transitions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			transitions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(deviceCalls); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			deviceCalls = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(callLatency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			callLatency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{
		planned:     planned,
		transitions: transitions,
		deviceCalls: deviceCalls,
		callLatency: callLatency,
	}, nil
}

// RecordPlanning counts the actions created by one planning run.
func (s *PromSink) RecordPlanning(ev coremetrics.PlanningEvent) error {
	s.planned.WithLabelValues(ev.RuleID).Add(float64(ev.Created))
	return nil
}

// RecordTransition increments the transition counter.
func (s *PromSink) RecordTransition(ev coremetrics.TransitionEvent) error {
	s.transitions.WithLabelValues(ev.RuleID, ev.To).Inc()
	return nil
}

// RecordDeviceCall counts the command and observes its latency.
func (s *PromSink) RecordDeviceCall(ev coremetrics.DeviceCallEvent) error {
	success := strconv.FormatBool(ev.Err == "")
	s.deviceCalls.WithLabelValues(ev.DeviceID, strconv.FormatBool(ev.On), success).Inc()
	s.callLatency.WithLabelValues(ev.DeviceID, success).Observe(ev.Latency.Seconds())
	return nil
}
