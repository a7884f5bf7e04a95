// Package schedule exposes rules and scheduled actions over HTTP.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marcpuig/plugsched/core/logger"
	"github.com/marcpuig/plugsched/core/model"
	"github.com/marcpuig/plugsched/core/planner"
	"github.com/marcpuig/plugsched/core/pricing"
	corestore "github.com/marcpuig/plugsched/core/store"
)

// DayPlanner triggers a planning run for one date.
type DayPlanner interface {
	PlanDay(ctx context.Context, date time.Time) (planner.Summary, error)
}

// Handler serves the scheduling REST API.
type Handler struct {
	store   corestore.Store
	planner DayPlanner
	prices  pricing.Source
	loc     *time.Location
	log     logger.Logger
}

// NewHandler builds the API router. Requests must include an Authorization
// header with "Bearer <token>" when token is non-empty; /health is exempt so
// probes need no credentials. planner and prices may be nil, which disables
// the manual planning and price endpoints.
func NewHandler(st corestore.Store, pl DayPlanner, prices pricing.Source, loc *time.Location, token string, log logger.Logger) http.Handler {
	h := &Handler{store: st, planner: pl, prices: prices, loc: loc, log: log}

	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Route("/api", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.listRules)
				r.Post("/", h.createRule)
				r.Get("/{id}", h.getRule)
				r.Put("/{id}", h.updateRule)
				r.Delete("/{id}", h.deleteRule)
			})
			r.Route("/actions", func(r chi.Router) {
				r.Get("/", h.listActions)
				r.Get("/{id}", h.getAction)
				r.Post("/{id}/cancel", h.cancelAction)
			})
			r.Get("/prices", h.getPrices)
			r.Post("/plan", h.planDay)
		})
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ruleRequest struct {
	Name               string `json:"name"`
	DeviceID           string `json:"device_id"`
	MaxHours           int    `json:"max_hours"`
	MinContinuousHours int    `json:"min_continuous_hours"`
	DaysOfWeek         int    `json:"days_of_week"`
	WindowStart        *int   `json:"window_start"`
	WindowEnd          *int   `json:"window_end"`
	Enabled            *bool  `json:"enabled"`
}

type ruleResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	DeviceID           string    `json:"device_id"`
	MaxHours           int       `json:"max_hours"`
	MinContinuousHours int       `json:"min_continuous_hours"`
	DaysOfWeek         int       `json:"days_of_week"`
	WindowStart        *int      `json:"window_start,omitempty"`
	WindowEnd          *int      `json:"window_end,omitempty"`
	Enabled            bool      `json:"enabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type actionResponse struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	DeviceID    string     `json:"device_id"`
	Date        string     `json:"date"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	PricePerKWh float64    `json:"price_per_kwh"`
	Status      string     `json:"status"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toRuleResponse(r model.Rule) ruleResponse {
	return ruleResponse{
		ID:                 r.ID,
		Name:               r.Name,
		DeviceID:           r.DeviceID,
		MaxHours:           r.MaxHours,
		MinContinuousHours: r.MinContinuousHours,
		DaysOfWeek:         r.DaysOfWeek,
		WindowStart:        r.WindowStart,
		WindowEnd:          r.WindowEnd,
		Enabled:            r.Enabled,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func toActionResponse(a model.ScheduledAction) actionResponse {
	return actionResponse{
		ID:          a.ID,
		RuleID:      a.RuleID,
		DeviceID:    a.DeviceID,
		Date:        model.DateKey(a.Date),
		Start:       a.Start,
		End:         a.End,
		PricePerKWh: a.PricePerKWh,
		Status:      string(a.Status),
		ExecutedAt:  a.ExecutedAt,
		CreatedAt:   a.CreatedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorf("encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, corestore.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, corestore.ErrCancelConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) decodeRule(r *http.Request) (*model.Rule, error) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	rule := &model.Rule{
		Name:               req.Name,
		DeviceID:           req.DeviceID,
		MaxHours:           req.MaxHours,
		MinContinuousHours: req.MinContinuousHours,
		DaysOfWeek:         req.DaysOfWeek,
		WindowStart:        req.WindowStart,
		WindowEnd:          req.WindowEnd,
		Enabled:            true,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if rule.DaysOfWeek == 0 {
		rule.DaysOfWeek = model.DaysAll
	}
	return rule, rule.Validate()
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.decodeRule(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule.ID = uuid.NewString()
	if err := h.store.CreateRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Infof("rule %s created for device %s", rule.ID, rule.DeviceID)
	h.writeJSON(w, http.StatusCreated, toRuleResponse(*rule))
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.decodeRule(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := h.store.UpdateRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteRule(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Infof("rule %s deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := corestore.ActionFilter{
		RuleID: q.Get("rule_id"),
		Status: model.ActionStatus(q.Get("status")),
	}
	if s := q.Get("from"); s != "" {
		t, err := time.ParseInLocation("2006-01-02", s, h.loc)
		if err != nil {
			http.Error(w, "invalid from date", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.ParseInLocation("2006-01-02", s, h.loc)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return
		}
		f.To = t
	}
	actions, err := h.store.ListActions(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, toActionResponse(a))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toActionResponse(*a))
}

func (h *Handler) cancelAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.CancelAction(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Infof("action %s cancelled", id)
	a, err := h.store.GetAction(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toActionResponse(*a))
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pricesResponse struct {
	Date   string           `json:"date"`
	Prices model.PriceCurve `json:"prices"`
}

func (h *Handler) getPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		http.Error(w, "price source disabled", http.StatusNotImplemented)
		return
	}
	date := time.Now().In(h.loc)
	if s := r.URL.Query().Get("date"); s != "" {
		t, err := time.ParseInLocation("2006-01-02", s, h.loc)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		date = t
	}
	curve, err := h.prices.Prices(r.Context(), date)
	if err != nil {
		if errors.Is(err, pricing.ErrNoDataAvailable) {
			http.Error(w, "no price data for "+model.DateKey(date), http.StatusNotFound)
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pricesResponse{Date: model.DateKey(date), Prices: curve})
}

func (h *Handler) planDay(w http.ResponseWriter, r *http.Request) {
	if h.planner == nil {
		http.Error(w, "planning endpoint disabled", http.StatusNotImplemented)
		return
	}
	date := time.Now().In(h.loc)
	if s := r.URL.Query().Get("date"); s != "" {
		t, err := time.ParseInLocation("2006-01-02", s, h.loc)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		date = t
	}
	sum, err := h.planner.PlanDay(r.Context(), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}
