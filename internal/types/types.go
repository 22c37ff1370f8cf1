package types

import (
	"encoding/json"
	"time"
)

// TimeOfDay is the coarse time bucket attached to every context snapshot.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// Season is the meteorological season derived from the calendar month.
type Season string

const (
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
	Winter Season = "winter"
)

// ScreenSize describes the client viewport in CSS pixels.
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ContextSnapshot is the immutable set of situational factors captured at one instant.
// Events carry a copy; the Context Monitor swaps whole snapshots and never mutates one in place.
type ContextSnapshot struct {
	TimeOfDay       TimeOfDay  `json:"time_of_day"`
	DayOfWeek       string     `json:"day_of_week"`
	Season          Season     `json:"season"`
	IsWeekend       bool       `json:"is_weekend"`
	Hour            int        `json:"hour"`
	IsMobile        bool       `json:"is_mobile"`
	Screen          ScreenSize `json:"screen_size"`
	ConnectionClass string     `json:"connection_class"`
	Weather         string     `json:"weather"`
	Temperature     int        `json:"temperature"`
	CapturedAt      time.Time  `json:"captured_at"`
}

// RuleCategory classifies an adaptation rule by the kind of signal that produced it.
type RuleCategory string

const (
	CategoryContextualSearch RuleCategory = "contextual_search_preference"
	CategoryPlaceInterest    RuleCategory = "place_interest"
	CategoryStrongPreference RuleCategory = "strong_preference"
	CategoryItinerary        RuleCategory = "itinerary_preference"
	CategoryRecommendation   RuleCategory = "recommendation_feedback"
)

// Valid reports whether c is one of the known rule categories.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryContextualSearch, CategoryPlaceInterest, CategoryStrongPreference,
		CategoryItinerary, CategoryRecommendation:
		return true
	}
	return false
}

// Pattern feature keys. Features take part in the rule signature; attributes do not.
const (
	FeatureCategory      = "category"
	FeatureActivities    = "activities"
	FeaturePlace         = "place"
	FeaturePreferredTime = "preferred_time"
	FeatureTimeOfDay     = "time_of_day"
	FeatureSeason        = "season"

	AttributeViewDuration    = "view_duration_ms"
	AttributeRatingThreshold = "rating_threshold"
	AttributeQuery           = "query"
)

// Pattern is the learned feature map of an adaptation rule.
type Pattern struct {
	Features   map[string]string `json:"features"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the pattern.
func (p Pattern) Clone() Pattern {
	out := Pattern{Features: make(map[string]string, len(p.Features))}
	for k, v := range p.Features {
		out.Features[k] = v
	}
	if p.Attributes != nil {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// AdaptationRule is a learned (pattern -> confidence, weight) association for one user.
type AdaptationRule struct {
	Category       RuleCategory `json:"category"`
	UserID         string       `json:"user_id"`
	Signature      string       `json:"signature"`
	Pattern        Pattern      `json:"pattern"`
	Confidence     float64      `json:"confidence"`
	Weight         float64      `json:"weight"`
	Reinforcements int          `json:"reinforcements"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// CandidatePlace is a place offered to the scorer. Name is unique within a candidate set.
type CandidatePlace struct {
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	MinimumDuration string   `json:"minimum_duration"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	Rating          *float64 `json:"rating,omitempty"`
	Pictures        []string `json:"pictures,omitempty"`
}

// Duration buckets used by preferences and candidate places.
const (
	DurationShort = "<2h"
	DurationLong  = ">4h"
)

// Preferences is the raw preference object submitted by the user.
type Preferences struct {
	Activities []string `json:"activities"`
	Time       string   `json:"time"`
}

// RankedRecommendation is one scored candidate with the factors that produced its score.
type RankedRecommendation struct {
	Place   CandidatePlace `json:"place"`
	Score   float64        `json:"score"`
	Reasons []string       `json:"reasons"`
}

// MarshalJSON ensures nil reasons marshal as [] not null.
func (r RankedRecommendation) MarshalJSON() ([]byte, error) {
	if r.Reasons == nil {
		r.Reasons = []string{}
	}
	type Alias RankedRecommendation
	return json.Marshal(Alias(r))
}
