// Package executor drives scheduled actions through their execution
// lifecycle, invoking device control at the interval boundaries.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcpuig/plugsched/core/device"
	"github.com/marcpuig/plugsched/core/logger"
	"github.com/marcpuig/plugsched/core/metrics"
	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/store"
	"github.com/marcpuig/plugsched/internal/eventbus"
)

// Config defines execution parameters.
type Config struct {
	// TickSeconds is the scan interval for due actions.
	TickSeconds int `json:"tick_seconds"`
	// GraceMinutes bounds how late a turn-on may still happen. Actions first
	// observed later than this are failed without a device call.
	GraceMinutes int `json:"grace_minutes"`
	// MaxAttempts bounds retries per device call.
	MaxAttempts int `json:"max_attempts"`
	// BackoffMS is the initial retry backoff.
	BackoffMS int `json:"backoff_ms"`
	// CallTimeoutSeconds bounds each individual device call.
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// Workers bounds concurrent device calls.
	Workers int `json:"workers"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = 30
	}
	if c.GraceMinutes <= 0 {
		c.GraceMinutes = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 500
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Executor scans for due actions, claims them and calls device control.
//
// Transitions: pending -> running on the start claim, running -> stopping on
// the end claim, stopping -> executed once the turn-off succeeds, and failed
// on expiry or exhausted retries. Both boundary calls are claimed before the
// device is touched, so several executors may share one store without
// double-invoking a plug. Terminal states are enforced by the store's
// conditional updates.
type Executor struct {
	actions store.ActionStore
	devices device.Controller
	log     logger.Logger
	sink    metrics.Sink
	bus     *eventbus.TypedBus[metrics.TransitionEvent]

	tick        time.Duration
	grace       time.Duration
	maxAttempts int
	backoffInit time.Duration
	callTimeout time.Duration
	workers     int

	now func() time.Time
}

// New creates an Executor. sink and bus may be nil.
func New(cfg Config, actions store.ActionStore, devices device.Controller, log logger.Logger, sink metrics.Sink, bus *eventbus.TypedBus[metrics.TransitionEvent]) *Executor {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Executor{
		actions:     actions,
		devices:     devices,
		log:         log,
		sink:        sink,
		bus:         bus,
		tick:        time.Duration(cfg.TickSeconds) * time.Second,
		grace:       time.Duration(cfg.GraceMinutes) * time.Minute,
		maxAttempts: cfg.MaxAttempts,
		backoffInit: time.Duration(cfg.BackoffMS) * time.Millisecond,
		callTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		workers:     cfg.Workers,
		now:         time.Now,
	}
}

// Run scans on every tick until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	e.log.Infof("executor started, tick %s", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.log.Infof("executor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep performs one scan pass and blocks until all triggered device calls
// finished. Each claimed action is handled by exactly one worker.
func (e *Executor) Sweep(ctx context.Context) {
	now := e.now()
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)

	dispatch := func(fn func()) {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn()
		}()
	}

	starts, err := e.actions.DueStarts(ctx, now)
	if err != nil {
		e.log.Errorf("scan due starts: %v", err)
	}
	for _, a := range starts {
		a := a
		if now.Sub(a.Start) > e.grace {
			// Too late to run inside the cheap window, e.g. the process was
			// down. Never start the device.
			e.fail(ctx, a, "start elapsed beyond grace period")
			continue
		}
		claimed, err := e.actions.ClaimAction(ctx, a.ID)
		if err != nil {
			e.log.Errorf("claim action %s: %v", a.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		dispatch(func() { e.handleStart(ctx, a) })
	}

	ends, err := e.actions.DueEnds(ctx, now)
	if err != nil {
		e.log.Errorf("scan due ends: %v", err)
	}
	for _, a := range ends {
		a := a
		claimed, err := e.actions.ClaimEnd(ctx, a.ID)
		if err != nil {
			e.log.Errorf("claim end of action %s: %v", a.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		dispatch(func() { e.handleEnd(ctx, a) })
	}

	wg.Wait()
}

func (e *Executor) handleStart(ctx context.Context, a model.ScheduledAction) {
	if err := e.setPower(ctx, a.DeviceID, true); err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the retries. Release the claim so the next
			// process re-observes the action instead of failing it while its
			// window may still be open.
			e.release(a)
			return
		}
		e.log.Errorf("turn on %s for action %s: %v", a.DeviceID, a.ID, err)
		// A partial success may have left the device on; try to switch it
		// off once. The failed outcome stands either way.
		offCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		if offErr := e.devices.SetPower(offCtx, a.DeviceID, false); offErr != nil {
			e.log.Warnf("best-effort turn off %s: %v", a.DeviceID, offErr)
		}
		cancel()
		e.fail(ctx, a, err.Error())
		return
	}
	e.publish(a, string(model.StatusRunning))
	e.log.Infof("action %s: device %s on until %s", a.ID, a.DeviceID, a.End.Format("15:04"))
}

func (e *Executor) handleEnd(ctx context.Context, a model.ScheduledAction) {
	if err := e.setPower(ctx, a.DeviceID, false); err != nil {
		if ctx.Err() != nil {
			e.release(a)
			return
		}
		e.log.Errorf("turn off %s for action %s: %v", a.DeviceID, a.ID, err)
		e.fail(ctx, a, err.Error())
		return
	}
	at := e.now()
	if err := e.actions.MarkExecuted(ctx, a.ID, at); err != nil {
		e.log.Errorf("mark action %s executed: %v", a.ID, err)
		return
	}
	e.publish(a, string(model.StatusExecuted))
	e.record(a, string(model.StatusExecuted))
	e.log.Infof("action %s executed, device %s off", a.ID, a.DeviceID)
}

// release reverts a claim after a shutdown cut a device call short. The sweep
// context may already be cancelled, so the update runs under its own deadline.
func (e *Executor) release(a model.ScheduledAction) {
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	if err := e.actions.ReleaseAction(ctx, a.ID); err != nil {
		e.log.Errorf("release action %s: %v", a.ID, err)
		return
	}
	e.log.Infof("action %s released for the next sweep", a.ID)
}

func (e *Executor) fail(ctx context.Context, a model.ScheduledAction, reason string) {
	if err := e.actions.MarkFailed(ctx, a.ID); err != nil {
		e.log.Errorf("mark action %s failed: %v", a.ID, err)
		return
	}
	e.publish(a, string(model.StatusFailed))
	e.record(a, string(model.StatusFailed))
	e.log.Warnf("action %s failed: %s", a.ID, reason)
}

// setPower calls device control under a per-call timeout, retrying with
// bounded exponential backoff. Rejections are permanent; unreachability and
// timeouts are retried until the attempt budget runs out.
func (e *Executor) setPower(ctx context.Context, deviceID string, on bool) error {
	attempts := 0
	started := e.now()
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		err := e.devices.SetPower(callCtx, deviceID, on)
		if errors.Is(err, device.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffInit
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1)), ctx))

	if rec, ok := e.sink.(metrics.DeviceCallRecorder); ok {
		ev := metrics.DeviceCallEvent{
			DeviceID: deviceID,
			On:       on,
			Attempts: attempts,
			Latency:  e.now().Sub(started),
		}
		if err != nil {
			ev.Err = err.Error()
		}
		if rerr := rec.RecordDeviceCall(ev); rerr != nil {
			e.log.Warnf("record device call metrics: %v", rerr)
		}
	}
	return err
}

func (e *Executor) record(a model.ScheduledAction, to string) {
	ev := metrics.TransitionEvent{
		ActionID: a.ID,
		RuleID:   a.RuleID,
		DeviceID: a.DeviceID,
		To:       to,
		Time:     e.now(),
	}
	if err := e.sink.RecordTransition(ev); err != nil {
		e.log.Warnf("record transition metrics: %v", err)
	}
}

func (e *Executor) publish(a model.ScheduledAction, to string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(metrics.TransitionEvent{
		ActionID: a.ID,
		RuleID:   a.RuleID,
		DeviceID: a.DeviceID,
		To:       to,
		Time:     e.now(),
	})
}
