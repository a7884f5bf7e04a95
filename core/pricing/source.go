// Package pricing defines the boundary to the day-ahead market data source.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/marcpuig/plugsched/core/model"
)

// ErrNoDataAvailable is returned when the market has not published prices for
// the requested date yet. Day-ahead prices typically appear the prior evening.
var ErrNoDataAvailable = errors.New("no price data available")

// Source supplies the hourly price curve for a calendar date.
type Source interface {
	Prices(ctx context.Context, date time.Time) (model.PriceCurve, error)
}

// Static is a fixed in-memory Source used in tests and simulations.
type Static map[string]model.PriceCurve

// Prices returns the curve registered for the date or ErrNoDataAvailable.
func (s Static) Prices(_ context.Context, date time.Time) (model.PriceCurve, error) {
	c, ok := s[model.DateKey(date)]
	if !ok {
		return nil, ErrNoDataAvailable
	}
	return c, nil
}
