package planner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/marcpuig/plugsched/core/model"
)

// ErrIncompletePriceData is returned when the price curve does not cover all
// 24 hours of the target date.
var ErrIncompletePriceData = errors.New("incomplete price data")

// priceEpsilon bounds float drift when comparing selection totals.
const priceEpsilon = 1e-9

// Interval is one contiguous run of selected hours, [StartHour, EndHour).
// EndHour may be 24 for runs finishing at midnight.
type Interval struct {
	StartHour int
	EndHour   int
	// AvgPrice is the time-weighted average of the hourly prices covered.
	AvgPrice float64
}

// Hours returns the interval length in hours.
func (iv Interval) Hours() int { return iv.EndHour - iv.StartHour }

// Plan is the selector output: an ordered set of non-overlapping runs.
type Plan struct {
	Intervals  []Interval
	Hours      int
	TotalPrice float64
}

// Empty reports whether no hours were selected.
func (p Plan) Empty() bool { return p.Hours == 0 }

// Select picks the cheapest set of hours for the rule on the target date.
//
// The selection covers min(max_hours, eligible hours) hours, partitioned into
// contiguous runs of at least min_continuous_hours each. Ties on total price
// are broken toward fewer runs, then toward earlier-starting runs. An
// ineligible weekday or an eligible span shorter than the minimum run yields
// an empty plan, not an error.
func Select(rule model.Rule, curve model.PriceCurve, date time.Time) (Plan, error) {
	if err := curve.Validate(); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrIncompletePriceData, err)
	}
	if !rule.AppliesOn(date.Weekday()) {
		return Plan{}, nil
	}

	prices := curve.ByHour()
	var eligible [24]bool
	eligibleCount := 0
	for h := 0; h < 24; h++ {
		if rule.HourInWindow(h) {
			eligible[h] = true
			eligibleCount++
		}
	}
	minRun := rule.MinContinuousHours
	if eligibleCount < minRun {
		return Plan{}, nil
	}
	target := rule.MaxHours
	if eligibleCount < target {
		target = eligibleCount
	}

	best := solve(prices, eligible, target, minRun)
	if best == nil {
		return Plan{}, nil
	}
	return planFromMask(best.mask, prices), nil
}

// candidate is a partial or complete selection tracked by the DP.
type candidate struct {
	cost float64
	runs int
	mask uint32
}

// better implements the selection order: lowest cost, then fewest runs, then
// earliest-starting hours.
func better(a, b candidate) bool {
	if a.cost < b.cost-priceEpsilon {
		return true
	}
	if a.cost > b.cost+priceEpsilon {
		return false
	}
	if a.runs != b.runs {
		return a.runs < b.runs
	}
	diff := a.mask ^ b.mask
	if diff == 0 {
		return false
	}
	low := diff & -diff
	return a.mask&low != 0
}

// solve runs a DP over the 24 hours. State: hours selected so far and the
// length of the run in progress, capped at minRun once satisfied. A run may
// only end (or an ineligible hour occur) once it reached minRun. When the
// exact target is unreachable, e.g. a midnight-wrapping window splits the
// eligible hours into fragments too small to host another run, the largest
// reachable total wins.
func solve(prices [24]float64, eligible [24]bool, target, minRun int) *candidate {
	type cell struct {
		ok bool
		c  candidate
	}
	// dp[t][r]: best candidate with t hours selected and current run length r
	// (r == minRun means satisfied, r == 0 means not inside a run).
	dp := make([][]cell, target+1)
	next := make([][]cell, target+1)
	for t := 0; t <= target; t++ {
		dp[t] = make([]cell, minRun+1)
		next[t] = make([]cell, minRun+1)
	}
	dp[0][0] = cell{ok: true}

	relax := func(grid [][]cell, t, r int, c candidate) {
		if !grid[t][r].ok || better(c, grid[t][r].c) {
			grid[t][r] = cell{ok: true, c: c}
		}
	}

	for h := 0; h < 24; h++ {
		for t := 0; t <= target; t++ {
			for r := range next[t] {
				next[t][r] = cell{}
			}
		}
		for t := 0; t <= target; t++ {
			for r := 0; r <= minRun; r++ {
				if !dp[t][r].ok {
					continue
				}
				c := dp[t][r].c
				// Leave hour h unselected: the run in progress, if any,
				// must already be satisfied.
				if r == 0 || r == minRun {
					relax(next, t, 0, c)
				}
				// Select hour h.
				if eligible[h] && t < target {
					nc := candidate{
						cost: c.cost + prices[h],
						runs: c.runs,
						mask: c.mask | 1<<h,
					}
					if r == 0 {
						nc.runs++
					}
					nr := r + 1
					if nr > minRun {
						nr = minRun
					}
					relax(next, t+1, nr, nc)
				}
			}
		}
		dp, next = next, dp
	}

	// Complete states end outside a run or with a satisfied one.
	for t := target; t >= minRun; t-- {
		var found *candidate
		for _, r := range []int{0, minRun} {
			if dp[t][r].ok {
				c := dp[t][r].c
				if found == nil || better(c, *found) {
					cc := c
					found = &cc
				}
			}
		}
		if found != nil {
			return found
		}
	}
	return nil
}

func planFromMask(mask uint32, prices [24]float64) Plan {
	var plan Plan
	h := 0
	for h < 24 {
		if mask&(1<<h) == 0 {
			h++
			continue
		}
		start := h
		sum := 0.0
		for h < 24 && mask&(1<<h) != 0 {
			sum += prices[h]
			h++
		}
		n := h - start
		plan.Intervals = append(plan.Intervals, Interval{
			StartHour: start,
			EndHour:   h,
			AvgPrice:  round6(sum / float64(n)),
		})
		plan.Hours += n
		plan.TotalPrice += sum
	}
	plan.TotalPrice = round6(plan.TotalPrice)
	return plan
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
