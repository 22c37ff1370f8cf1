package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/citytailor/internal/learning"
	"github.com/hyperengineering/citytailor/internal/score"
	"github.com/hyperengineering/citytailor/internal/types"
	"github.com/hyperengineering/citytailor/internal/validation"
)

const maxDiscovery = 20

// Engine is the learning engine surface the HTTP handlers use.
// Implemented by *learning.Engine.
type Engine interface {
	Submit(ctx context.Context, eventType types.EventType, payload types.Payload, userID, sessionID string) (learning.Receipt, error)
	GetRecommendations(ctx context.Context, req learning.RecommendationRequest) learning.Recommendations
	GetRules(ctx context.Context, userID string, category types.RuleCategory) ([]types.AdaptationRule, error)
	GetRule(ctx context.Context, userID string, category types.RuleCategory, signature string) (types.AdaptationRule, error)
	Snapshot() types.ContextSnapshot
	Stats() learning.Stats
}

// StoreHealth reports the state of the persistence collaborator.
type StoreHealth interface {
	State() string
}

// Handler implements the API handlers
type Handler struct {
	engine  Engine
	store   StoreHealth
	apiKey  string
	version string
}

// NewHandler creates a Handler. store may be nil when no breaker guards the KV.
func NewHandler(e Engine, store StoreHealth, apiKey, version string) *Handler {
	return &Handler{
		engine:  e,
		store:   store,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	StoreState string         `json:"store_state,omitempty"`
	Engine     learning.Stats `json:"engine"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Engine:  h.engine.Stats(),
	}
	if h.store != nil {
		resp.StoreState = h.store.State()
		if resp.StoreState == "open" {
			resp.Status = "degraded"
		}
	}
	if !resp.Engine.Running {
		resp.Status = "stopped"
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitEventRequest is the body of POST /api/v1/events.
type SubmitEventRequest struct {
	Type    types.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitEvent handles POST /api/v1/events. Queued events answer 202; critical
// events are applied before the response and answer 200 with the outcome.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	payload, err := types.DecodePayload(req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, types.ErrInvalidEventType) {
			MapEngineError(w, r, err)
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %s", err.Error()))
		return
	}

	id := IdentityFromContext(r.Context())
	receipt, err := h.engine.Submit(r.Context(), req.Type, payload, id.UserID, id.SessionID)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !receipt.Queued {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// RecommendationsRequest is the body of POST /api/v1/recommendations.
type RecommendationsRequest struct {
	Candidates  []types.CandidatePlace `json:"candidates"`
	Preferences types.Preferences      `json:"preferences"`
	Favorites   []string               `json:"favorites"`
	Itinerary   []string               `json:"itinerary"`
	Limit       int                    `json:"limit"`
	Discovery   int                    `json:"discovery"`
	Seed        *uint64                `json:"seed,omitempty"`
}

// Recommendations handles POST /api/v1/recommendations.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	var req RecommendationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	errs := validation.ValidateCandidates(req.Candidates)
	errs = append(errs, validation.ValidatePreferences(req.Preferences)...)
	var c validation.Collector
	c.Add(validation.ValidateNonNegative("limit", float64(req.Limit)))
	c.Add(validation.ValidateRange("discovery", float64(req.Discovery), 0, maxDiscovery))
	errs = append(errs, c.Errors()...)
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	id := IdentityFromContext(r.Context())
	recs := h.engine.GetRecommendations(r.Context(), learning.RecommendationRequest{
		UserID:      id.UserID,
		SessionID:   id.SessionID,
		Candidates:  req.Candidates,
		Preferences: req.Preferences,
		Favorites:   req.Favorites,
		Itinerary:   req.Itinerary,
		Limit:       req.Limit,
		Discovery:   req.Discovery,
		Seed:        req.Seed,
	})
	if recs.Ranked == nil {
		recs.Ranked = []types.RankedRecommendation{}
	}
	if recs.Discovery == nil {
		recs.Discovery = []types.RankedRecommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// RulesResponse is the body of GET /api/v1/rules/{userID}.
type RulesResponse struct {
	UserID string                 `json:"user_id"`
	Rules  []types.AdaptationRule `json:"rules"`
}

// ListRules handles GET /api/v1/rules/{userID}?category=
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	category := types.RuleCategory(r.URL.Query().Get("category"))

	list, err := h.engine.GetRules(r.Context(), userID, category)
	if err != nil {
		slog.Error("rule lookup failed", "component", "api", "user_id", userID, "error", err)
		MapEngineError(w, r, err)
		return
	}
	if list == nil {
		list = []types.AdaptationRule{}
	}
	writeJSON(w, http.StatusOK, RulesResponse{UserID: userID, Rules: list})
}

// GetRule handles GET /api/v1/rules/{userID}/{category}/{signature}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.GetRule(r.Context(),
		chi.URLParam(r, "userID"),
		types.RuleCategory(chi.URLParam(r, "category")),
		chi.URLParam(r, "signature"),
	)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Context handles GET /api/v1/context
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// PreferencesResponse is the body of POST /api/v1/preferences.
type PreferencesResponse struct {
	Recommendations []string `json:"recommendations"`
}

// SubmitPreferences handles POST /api/v1/preferences: the preference form records a
// search for the caller and answers with the static activity suggestions.
func (h *Handler) SubmitPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs types.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidatePreferences(prefs); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	if len(prefs.Activities) > 0 {
		id := IdentityFromContext(r.Context())
		search := types.SearchPerformed{Activities: prefs.Activities, Time: prefs.Time}
		if _, err := h.engine.Submit(r.Context(), types.EventSearchPerformed, search, id.UserID, id.SessionID); err != nil {
			// The suggestions do not depend on learning
			slog.Warn("preference search not recorded", "component", "api", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, PreferencesResponse{Recommendations: score.Suggestions(prefs)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
