package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/planner"
	"github.com/marcpuig/plugsched/core/pricing"
	"github.com/marcpuig/plugsched/core/store"
	"github.com/marcpuig/plugsched/infra/logger"
)

var monday = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

type fakePlanner struct {
	date time.Time
	sum  planner.Summary
	err  error
}

func (f *fakePlanner) PlanDay(_ context.Context, date time.Time) (planner.Summary, error) {
	f.date = date
	return f.sum, f.err
}

func newTestHandler(st store.Store, pl DayPlanner, token string) http.Handler {
	return NewHandler(st, pl, nil, time.UTC, token, logger.NopLogger{})
}

func doJSON(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func seedRule(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateRule(context.Background(), &model.Rule{
		ID:                 id,
		DeviceID:           "plug-1",
		MaxHours:           3,
		MinContinuousHours: 2,
		DaysOfWeek:         model.DaysAll,
		Enabled:            true,
	}))
}

func seedAction(t *testing.T, st store.Store, id string, status model.ActionStatus) {
	t.Helper()
	a := model.ScheduledAction{
		ID:       id,
		RuleID:   "r1",
		DeviceID: "plug-1",
		Date:     monday,
		Start:    monday.Add(2 * time.Hour),
		End:      monday.Add(4 * time.Hour),
		Status:   model.StatusPending,
	}
	created, err := st.InsertAction(context.Background(), &a)
	require.NoError(t, err)
	require.True(t, created)
	if status == model.StatusRunning {
		ok, err := st.ClaimAction(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(store.NewMemoryStore(), nil, "secret")

	w := doJSON(t, h, http.MethodGet, "/api/rules", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/rules", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAndGetRule(t *testing.T) {
	st := store.NewMemoryStore()
	h := newTestHandler(st, nil, "")

	body := `{"name":"boiler","device_id":"plug-1","max_hours":3,"min_continuous_hours":2,"window_start":22,"window_end":6}`
	w := doJSON(t, h, http.MethodPost, "/api/rules", "", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var created ruleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.DaysAll, created.DaysOfWeek)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.WindowStart)
	assert.Equal(t, 22, *created.WindowStart)

	w = doJSON(t, h, http.MethodGet, "/api/rules/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got ruleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	h := newTestHandler(store.NewMemoryStore(), nil, "")

	// min_continuous_hours above max_hours
	body := `{"device_id":"plug-1","max_hours":2,"min_continuous_hours":3}`
	w := doJSON(t, h, http.MethodPost, "/api/rules", "", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/rules", "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateRule(t *testing.T) {
	st := store.NewMemoryStore()
	seedRule(t, st, "r1")
	h := newTestHandler(st, nil, "")

	body := `{"device_id":"plug-1","max_hours":5,"min_continuous_hours":2,"enabled":false}`
	w := doJSON(t, h, http.MethodPut, "/api/rules/r1", "", body)
	require.Equal(t, http.StatusOK, w.Code)

	rule, err := st.GetRule(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, rule.MaxHours)
	assert.False(t, rule.Enabled)

	w = doJSON(t, h, http.MethodPut, "/api/rules/missing", "", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRuleRemovesActions(t *testing.T) {
	st := store.NewMemoryStore()
	seedRule(t, st, "r1")
	seedAction(t, st, "a1", model.StatusPending)
	h := newTestHandler(st, nil, "")

	w := doJSON(t, h, http.MethodDelete, "/api/rules/r1", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/actions/a1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListActionsFilters(t *testing.T) {
	st := store.NewMemoryStore()
	seedRule(t, st, "r1")
	seedAction(t, st, "a1", model.StatusPending)
	h := newTestHandler(st, nil, "")

	w := doJSON(t, h, http.MethodGet, "/api/actions?rule_id=r1&status=pending&from=2025-03-10&to=2025-03-10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var actions []actionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "a1", actions[0].ID)
	assert.Equal(t, "2025-03-10", actions[0].Date)

	w = doJSON(t, h, http.MethodGet, "/api/actions?status=executed", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	actions = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actions))
	assert.Empty(t, actions)

	w = doJSON(t, h, http.MethodGet, "/api/actions?from=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelAction(t *testing.T) {
	st := store.NewMemoryStore()
	seedRule(t, st, "r1")
	seedAction(t, st, "a1", model.StatusPending)
	h := newTestHandler(st, nil, "")

	w := doJSON(t, h, http.MethodPost, "/api/actions/a1/cancel", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var a actionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, string(model.StatusCancelled), a.Status)
}

func TestCancelClaimedActionConflicts(t *testing.T) {
	st := store.NewMemoryStore()
	seedRule(t, st, "r1")
	seedAction(t, st, "a1", model.StatusRunning)
	h := newTestHandler(st, nil, "")

	w := doJSON(t, h, http.MethodPost, "/api/actions/a1/cancel", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/actions/missing/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanDayEndpoint(t *testing.T) {
	pl := &fakePlanner{sum: planner.Summary{Rules: 2, Created: 4}}
	h := newTestHandler(store.NewMemoryStore(), pl, "")

	w := doJSON(t, h, http.MethodPost, "/api/plan?date=2025-03-10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, pl.date.Equal(monday))

	var sum planner.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 4, sum.Created)

	w = doJSON(t, h, http.MethodPost, "/api/plan?date=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlanDayDisabled(t *testing.T) {
	h := newTestHandler(store.NewMemoryStore(), nil, "")
	w := doJSON(t, h, http.MethodPost, "/api/plan", "", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHealthBypassesAuth(t *testing.T) {
	h := newTestHandler(store.NewMemoryStore(), nil, "secret")

	w := doJSON(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestGetPrices(t *testing.T) {
	curve := make(model.PriceCurve, 24)
	for h := 0; h < 24; h++ {
		curve[h] = model.HourlyPrice{Hour: h, Price: 0.1 + float64(h)/1000}
	}
	src := pricing.Static{model.DateKey(monday): curve}
	h := NewHandler(store.NewMemoryStore(), nil, src, time.UTC, "", logger.NopLogger{})

	w := doJSON(t, h, http.MethodGet, "/api/prices?date=2025-03-10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp pricesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2025-03-10", resp.Date)
	require.Len(t, resp.Prices, 24)
	assert.InDelta(t, 0.1, resp.Prices[0].Price, 1e-9)

	w = doJSON(t, h, http.MethodGet, "/api/prices?date=2025-03-11", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/prices?date=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPricesDisabled(t *testing.T) {
	h := newTestHandler(store.NewMemoryStore(), nil, "")
	w := doJSON(t, h, http.MethodGet, "/api/prices", "", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
