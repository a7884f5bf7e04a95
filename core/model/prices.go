package model

import (
	"fmt"
	"sort"
)

// HourlyPrice is the energy price for one hour of a calendar date.
type HourlyPrice struct {
	Hour  int     `json:"hour"`
	Price float64 `json:"price"`
}

// PriceCurve is the ordered hourly price sequence for one calendar date.
type PriceCurve []HourlyPrice

// Validate checks the curve covers all 24 hours exactly once.
func (c PriceCurve) Validate() error {
	if len(c) != 24 {
		return fmt.Errorf("expected 24 hourly prices, got %d", len(c))
	}
	var seen [24]bool
	for _, p := range c {
		if p.Hour < 0 || p.Hour > 23 {
			return fmt.Errorf("hour %d out of range", p.Hour)
		}
		if seen[p.Hour] {
			return fmt.Errorf("duplicate entry for hour %d", p.Hour)
		}
		seen[p.Hour] = true
	}
	return nil
}

// Sorted returns a copy of the curve ordered by hour.
func (c PriceCurve) Sorted() PriceCurve {
	out := make(PriceCurve, len(c))
	copy(out, c)
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

// ByHour returns the 24 prices indexed by hour. The curve must be valid.
func (c PriceCurve) ByHour() [24]float64 {
	var out [24]float64
	for _, p := range c {
		out[p.Hour] = p.Price
	}
	return out
}
