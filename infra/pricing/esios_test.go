package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corepricing "github.com/marcpuig/plugsched/core/pricing"
)

var monday = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

func fullDayBody(geoID int) string {
	var b strings.Builder
	b.WriteString(`{"indicator":{"values":[`)
	for h := 0; h < 24; h++ {
		if h > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"value":%d,"datetime":"2025-03-10T%02d:00:00.000+01:00","geo_id":%d}`,
			100+h, h, geoID)
	}
	b.WriteString(`]}}`)
	return b.String()
}

func TestPricesFetchesFullDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		q := r.URL.Query()
		assert.Equal(t, "2025-03-10T00:00:00", q.Get("start_date"))
		assert.Equal(t, "2025-03-10T23:59:59", q.Get("end_date"))
		assert.Equal(t, "8741", q.Get("geo_ids"))
		_, _ = w.Write([]byte(fullDayBody(8741)))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	curve, err := c.Prices(context.Background(), monday)
	require.NoError(t, err)
	require.Len(t, curve, 24)
	assert.Equal(t, 0, curve[0].Hour)
	// 100 EUR/MWh becomes 0.100 EUR/kWh.
	assert.InDelta(t, 0.100, curve[0].Price, 1e-9)
	assert.InDelta(t, 0.123, curve[23].Price, 1e-9)
}

func TestPricesFiltersForeignGeoZones(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body := fullDayBody(8741)
		// A stray Canary Islands value must not produce a duplicate hour.
		extra := `{"value":999,"datetime":"2025-03-10T00:00:00.000+00:00","geo_id":8742},`
		body = strings.Replace(body, `[`, `[`+extra, 1)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	curve, err := c.Prices(context.Background(), monday)
	require.NoError(t, err)
	require.Len(t, curve, 24)
	assert.InDelta(t, 0.100, curve[0].Price, 1e-9)
}

func TestPricesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	_, err := c.Prices(context.Background(), monday)
	assert.ErrorIs(t, err, corepricing.ErrNoDataAvailable)
}

func TestPricesIncompleteDayIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"indicator":{"values":[
            {"value":100,"datetime":"2025-03-10T00:00:00.000+01:00","geo_id":8741}
        ]}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	_, err := c.Prices(context.Background(), monday)
	assert.ErrorIs(t, err, corepricing.ErrNoDataAvailable)
}

func TestPricesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	_, err := c.Prices(context.Background(), monday)
	require.Error(t, err)
	assert.NotErrorIs(t, err, corepricing.ErrNoDataAvailable)
	assert.Contains(t, err.Error(), "500")
}
