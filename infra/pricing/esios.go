// Package pricing implements the ESIOS day-ahead price source.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcpuig/plugsched/core/model"
	corepricing "github.com/marcpuig/plugsched/core/pricing"
	"github.com/marcpuig/plugsched/infra/logger"
)

// Config defines the ESIOS API client parameters. Indicator 1001 is the PVPC
// retail tariff published by Red Electrica de Espana; a personal token is
// issued on request by consultasios@ree.es.
type Config struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	GeoID          int    `json:"geo_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SetDefaults applies the public API endpoint and peninsula geo zone.
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.esios.ree.es/indicators/1001"
	}
	if c.GeoID == 0 {
		c.GeoID = 8741
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 15
	}
}

// Client fetches hourly PVPC prices from the ESIOS API.
type Client struct {
	cfg    Config
	client *http.Client
	logger logger.Logger
}

// NewClient creates an ESIOS client.
func NewClient(cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger: logger.New("esios_client"),
	}
}

type esiosResponse struct {
	Indicator struct {
		Values []struct {
			Value    float64 `json:"value"`
			Datetime string  `json:"datetime"`
			GeoID    *int    `json:"geo_id"`
		} `json:"values"`
	} `json:"indicator"`
}

// Prices fetches the 24-hour curve for the date. Prices arrive in EUR/MWh and
// are converted to EUR/kWh. A 404 or an incomplete day maps to
// ErrNoDataAvailable: day-ahead values appear around 20:15 the prior evening.
func (c *Client) Prices(ctx context.Context, date time.Time) (model.PriceCurve, error) {
	day := model.DateKey(date)
	url := fmt.Sprintf("%s?start_date=%sT00:00:00&end_date=%sT23:59:59&geo_ids=%d",
		c.cfg.BaseURL, day, day, c.cfg.GeoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", corepricing.ErrNoDataAvailable, day)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	var data esiosResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var curve model.PriceCurve
	for _, v := range data.Indicator.Values {
		if v.GeoID != nil && *v.GeoID != c.cfg.GeoID {
			continue
		}
		hour, ok := extractHour(v.Datetime)
		if !ok {
			c.logger.Warnf("skipping value with malformed datetime %q", v.Datetime)
			continue
		}
		curve = append(curve, model.HourlyPrice{Hour: hour, Price: v.Value / 1000})
	}

	if err := curve.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", corepricing.ErrNoDataAvailable, day, err)
	}
	c.logger.Debugf("fetched %d prices for %s", len(curve), day)
	return curve.Sorted(), nil
}

// extractHour pulls the hour of day out of an ISO 8601 datetime such as
// "2024-01-15T14:00:00.000+01:00". The timestamps are already local to the
// market zone, so no conversion is applied.
func extractHour(datetime string) (int, bool) {
	_, timePart, found := strings.Cut(datetime, "T")
	if !found {
		return 0, false
	}
	hourStr, _, found := strings.Cut(timePart, ":")
	if !found {
		return 0, false
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	return hour, true
}

var _ corepricing.Source = (*Client)(nil)
