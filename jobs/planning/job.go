// Package planning schedules the daily planning runs: one cron trigger after
// the day-ahead prices publish, plus a catch-up pass on startup.
package planning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcpuig/plugsched/core/logger"
	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/planner"
	"github.com/marcpuig/plugsched/core/store"
)

// Config defines when the daily planning run fires and how it retries.
type Config struct {
	// GenerationHour and GenerationMinute set the local time of the daily run
	// for the next day. Day-ahead prices publish around 20:15, so the default
	// run is at 20:30.
	GenerationHour   int `json:"generation_hour"`
	GenerationMinute int `json:"generation_minute"`
	// RetryMinutes is the delay between retries when prices are not out yet.
	RetryMinutes int `json:"retry_minutes"`
	// MaxRetries bounds the retry chain of one planning run.
	MaxRetries int `json:"max_retries"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.GenerationHour == 0 && c.GenerationMinute == 0 {
		c.GenerationHour, c.GenerationMinute = 20, 30
	}
	if c.RetryMinutes <= 0 {
		c.RetryMinutes = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
}

// DayPlanner triggers a planning run for one date.
type DayPlanner interface {
	PlanDay(ctx context.Context, date time.Time) (planner.Summary, error)
}

// Job owns the cron trigger and the startup catch-up. Because planning is
// idempotent, firing a run twice for the same date is harmless.
type Job struct {
	cfg     Config
	planner DayPlanner
	actions store.ActionStore
	cron    *cron.Cron
	loc     *time.Location
	log     logger.Logger

	retryDelay time.Duration
	now        func() time.Time

	mu     sync.Mutex
	timers []*time.Timer
}

// New creates the planning job.
func New(cfg Config, pl DayPlanner, actions store.ActionStore, loc *time.Location, log logger.Logger) *Job {
	cfg.SetDefaults()
	return &Job{
		cfg:        cfg,
		planner:    pl,
		actions:    actions,
		cron:       cron.New(cron.WithLocation(loc)),
		loc:        loc,
		log:        log,
		retryDelay: time.Duration(cfg.RetryMinutes) * time.Minute,
		now:        time.Now,
	}
}

// Start registers the daily trigger, runs the startup catch-up and starts the
// cron loop. It returns once scheduling is in place.
func (j *Job) Start(ctx context.Context) error {
	spec := fmt.Sprintf("%d %d * * *", j.cfg.GenerationMinute, j.cfg.GenerationHour)
	_, err := j.cron.AddFunc(spec, func() {
		tomorrow := j.today().AddDate(0, 0, 1)
		j.planWithRetry(ctx, tomorrow, 0)
	})
	if err != nil {
		return fmt.Errorf("register cron trigger: %w", err)
	}
	j.catchUp(ctx)
	j.cron.Start()
	j.log.Infof("planning job started, daily run at %02d:%02d", j.cfg.GenerationHour, j.cfg.GenerationMinute)
	return nil
}

// Stop halts the cron loop and cancels pending retries.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
	j.mu.Lock()
	for _, t := range j.timers {
		t.Stop()
	}
	j.timers = nil
	j.mu.Unlock()
}

// catchUp plans the dates a downed process may have missed: today always, and
// tomorrow when the generation time has already passed. Dates that already
// have actions are skipped.
func (j *Job) catchUp(ctx context.Context) {
	today := j.today()
	j.planIfEmpty(ctx, today)

	gen := time.Date(today.Year(), today.Month(), today.Day(),
		j.cfg.GenerationHour, j.cfg.GenerationMinute, 0, 0, j.loc)
	if j.now().In(j.loc).After(gen) {
		j.planIfEmpty(ctx, today.AddDate(0, 0, 1))
	}
}

func (j *Job) planIfEmpty(ctx context.Context, date time.Time) {
	n, err := j.actions.CountForDate(ctx, date)
	if err != nil {
		j.log.Errorf("count actions for %s: %v", model.DateKey(date), err)
		return
	}
	if n > 0 {
		j.log.Debugf("skipping catch-up for %s, %d actions exist", model.DateKey(date), n)
		return
	}
	j.planWithRetry(ctx, date, 0)
}

// planWithRetry runs one planning pass and reschedules itself while the
// market has not published prices yet.
func (j *Job) planWithRetry(ctx context.Context, date time.Time, attempt int) {
	if ctx.Err() != nil {
		return
	}
	_, err := j.planner.PlanDay(ctx, date)
	if err == nil {
		return
	}
	if attempt >= j.cfg.MaxRetries {
		j.log.Errorf("planning %s failed after %d attempts: %v", model.DateKey(date), attempt+1, err)
		return
	}
	j.log.Warnf("planning %s failed, retrying in %s: %v", model.DateKey(date), j.retryDelay, err)
	timer := time.AfterFunc(j.retryDelay, func() {
		j.planWithRetry(ctx, date, attempt+1)
	})
	j.mu.Lock()
	j.timers = append(j.timers, timer)
	j.mu.Unlock()
}

func (j *Job) today() time.Time {
	now := j.now().In(j.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.loc)
}
