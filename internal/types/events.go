package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEventType is returned when an event type is not one of the defined values.
var ErrInvalidEventType = errors.New("invalid event type")

// EventType identifies the user action a learning event records.
type EventType string

const (
	EventSearchPerformed       EventType = "search_performed"
	EventPlaceViewed           EventType = "place_viewed"
	EventFavoriteAdded         EventType = "favorite_added"
	EventItineraryAdded        EventType = "itinerary_added"
	EventRecommendationClicked EventType = "recommendation_clicked"
	EventRecommendationIgnored EventType = "recommendation_ignored"
	EventSessionEnded          EventType = "session_ended"
	EventStrongRejection       EventType = "strong_rejection"
	EventBookingCompleted      EventType = "booking_completed"
)

// AllEventTypes returns every defined event type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventSearchPerformed,
		EventPlaceViewed,
		EventFavoriteAdded,
		EventItineraryAdded,
		EventRecommendationClicked,
		EventRecommendationIgnored,
		EventSessionEnded,
		EventStrongRejection,
		EventBookingCompleted,
	}
}

// Valid reports whether t is a defined event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the closed set of typed event payloads, one variant per EventType.
type Payload interface {
	EventType() EventType
	isPayload()
}

// SearchPerformed records a preference search.
type SearchPerformed struct {
	Activities []string `json:"activities"`
	Time       string   `json:"time"`
	Query      string   `json:"query,omitempty"`
}

// PlaceViewed records a place detail view.
type PlaceViewed struct {
	PlaceName    string `json:"place_name"`
	Category     string `json:"category"`
	ViewDuration int64  `json:"view_duration_ms"`
}

// FavoriteAdded records a place saved as favorite.
type FavoriteAdded struct {
	PlaceName string   `json:"place_name"`
	Category  string   `json:"category"`
	Rating    *float64 `json:"rating,omitempty"`
}

// ItineraryAdded records a place appended to an itinerary.
type ItineraryAdded struct {
	PlaceName       string `json:"place_name"`
	Category        string `json:"category"`
	MinimumDuration string `json:"minimum_duration,omitempty"`
}

// RecommendationClicked records a click on a recommended place.
type RecommendationClicked struct {
	PlaceName string `json:"place_name"`
	Category  string `json:"category"`
	Position  int    `json:"position"`
}

// RecommendationIgnored records a recommendation shown but not acted upon.
type RecommendationIgnored struct {
	PlaceName string `json:"place_name"`
	Category  string `json:"category"`
}

// SessionEnded summarizes a finished session.
type SessionEnded struct {
	Interactions int   `json:"interactions"`
	DurationMS   int64 `json:"duration_ms"`
}

// StrongRejection records an explicit "never show me this" action.
type StrongRejection struct {
	PlaceName string `json:"place_name"`
	Category  string `json:"category"`
	Reason    string `json:"reason,omitempty"`
}

// BookingCompleted records a confirmed booking for a place.
type BookingCompleted struct {
	PlaceName string `json:"place_name"`
	Category  string `json:"category"`
}

func (SearchPerformed) EventType() EventType       { return EventSearchPerformed }
func (PlaceViewed) EventType() EventType           { return EventPlaceViewed }
func (FavoriteAdded) EventType() EventType         { return EventFavoriteAdded }
func (ItineraryAdded) EventType() EventType        { return EventItineraryAdded }
func (RecommendationClicked) EventType() EventType { return EventRecommendationClicked }
func (RecommendationIgnored) EventType() EventType { return EventRecommendationIgnored }
func (SessionEnded) EventType() EventType          { return EventSessionEnded }
func (StrongRejection) EventType() EventType       { return EventStrongRejection }
func (BookingCompleted) EventType() EventType      { return EventBookingCompleted }

func (SearchPerformed) isPayload()       {}
func (PlaceViewed) isPayload()           {}
func (FavoriteAdded) isPayload()         {}
func (ItineraryAdded) isPayload()        {}
func (RecommendationClicked) isPayload() {}
func (RecommendationIgnored) isPayload() {}
func (SessionEnded) isPayload()          {}
func (StrongRejection) isPayload()       {}
func (BookingCompleted) isPayload()      {}

// DecodePayload decodes raw JSON into the payload variant for t.
// Unknown types return ErrInvalidEventType. An empty body decodes to the zero variant;
// field-level problems are left to payload validation during processing.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventSearchPerformed:
		p = &SearchPerformed{}
	case EventPlaceViewed:
		p = &PlaceViewed{}
	case EventFavoriteAdded:
		p = &FavoriteAdded{}
	case EventItineraryAdded:
		p = &ItineraryAdded{}
	case EventRecommendationClicked:
		p = &RecommendationClicked{}
	case EventRecommendationIgnored:
		p = &RecommendationIgnored{}
	case EventSessionEnded:
		p = &SessionEnded{}
	case EventStrongRejection:
		p = &StrongRejection{}
	case EventBookingCompleted:
		p = &BookingCompleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, t)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return derefPayload(p), nil
}

// derefPayload converts the decode target back to its value variant.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *SearchPerformed:
		return *v
	case *PlaceViewed:
		return *v
	case *FavoriteAdded:
		return *v
	case *ItineraryAdded:
		return *v
	case *RecommendationClicked:
		return *v
	case *RecommendationIgnored:
		return *v
	case *SessionEnded:
		return *v
	case *StrongRejection:
		return *v
	case *BookingCompleted:
		return *v
	}
	return p
}

// LearningEvent is an immutable record of one user action plus the context it happened in.
type LearningEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   Payload         `json:"payload"`
	Context   ContextSnapshot `json:"context"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
}
