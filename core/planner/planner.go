package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcpuig/plugsched/core/logger"
	"github.com/marcpuig/plugsched/core/metrics"
	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/pricing"
	"github.com/marcpuig/plugsched/core/store"
)

// Config defines planning parameters.
type Config struct {
	// Workers bounds how many rules are planned concurrently.
	Workers int `json:"workers"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Summary aggregates one planning pass over all enabled rules.
type Summary struct {
	Date    time.Time `json:"date"`
	Rules   int       `json:"rules"`
	Created int       `json:"created"`
	Failed  int       `json:"failed"`
}

// Planner drives slot selection and materialization for all enabled rules.
type Planner struct {
	rules        store.RuleStore
	materializer *Materializer
	prices       pricing.Source
	log          logger.Logger
	sink         metrics.Sink
	locks        *keyedLock
	workers      int
}

// New creates a Planner. A nil sink disables metrics.
func New(cfg Config, st store.Store, prices pricing.Source, loc *time.Location, log logger.Logger, sink metrics.Sink) *Planner {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Planner{
		rules:        st,
		materializer: NewMaterializer(st, loc),
		prices:       prices,
		log:          log,
		sink:         sink,
		locks:        newKeyedLock(),
		workers:      cfg.Workers,
	}
}

// PlanDay plans every enabled rule for the date. The price curve is fetched
// once; if the market has no data yet the whole pass fails and the caller
// retries later. Per-rule failures are isolated: they are logged, counted and
// never abort the remaining rules.
func (p *Planner) PlanDay(ctx context.Context, date time.Time) (Summary, error) {
	sum := Summary{Date: date}
	curve, err := p.prices.Prices(ctx, date)
	if err != nil {
		return sum, fmt.Errorf("prices for %s: %w", model.DateKey(date), err)
	}
	rules, err := p.rules.ListEnabledRules(ctx)
	if err != nil {
		return sum, fmt.Errorf("list enabled rules: %w", err)
	}
	sum.Rules = len(rules)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.workers)
	)
	for _, rule := range rules {
		rule := rule
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			created, err := p.PlanRule(ctx, rule, curve, date)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				return
			}
			sum.Created += created
		}()
	}
	wg.Wait()

	p.log.Infof("planned %d rules for %s: %d actions created, %d failed",
		sum.Rules, model.DateKey(date), sum.Created, sum.Failed)
	return sum, nil
}

// PlanRule selects and materializes slots for a single rule and date. Runs
// for the same (rule, date) are serialized.
func (p *Planner) PlanRule(ctx context.Context, rule model.Rule, curve model.PriceCurve, date time.Time) (int, error) {
	lock := p.locks.acquire(rule.ID + "|" + model.DateKey(date))
	defer lock.Unlock()

	started := time.Now()
	plan, err := Select(rule, curve, date)
	if err != nil {
		p.log.Errorf("slot selection for rule %s on %s: %v", rule.ID, model.DateKey(date), err)
		p.record(rule, date, 0, err, started)
		return 0, err
	}
	if plan.Empty() {
		p.log.Debugf("rule %s has no feasible slots on %s", rule.ID, model.DateKey(date))
		p.record(rule, date, 0, nil, started)
		return 0, nil
	}
	created, err := p.materializer.Materialize(ctx, rule, plan.Intervals, date)
	if err != nil {
		p.log.Errorf("materialize rule %s on %s: %v", rule.ID, model.DateKey(date), err)
		p.record(rule, date, created, err, started)
		return created, err
	}
	p.log.Debugw("rule planned", map[string]any{
		"rule_id": rule.ID,
		"date":    model.DateKey(date),
		"hours":   plan.Hours,
		"runs":    len(plan.Intervals),
		"total":   plan.TotalPrice,
		"created": created,
	})
	p.record(rule, date, created, nil, started)
	return created, nil
}

func (p *Planner) record(rule model.Rule, date time.Time, created int, err error, started time.Time) {
	ev := metrics.PlanningEvent{
		RuleID:   rule.ID,
		Date:     date,
		Created:  created,
		Duration: time.Since(started),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	if rerr := p.sink.RecordPlanning(ev); rerr != nil {
		p.log.Warnf("record planning metrics: %v", rerr)
	}
}
