package validation

import (
	"fmt"

	"github.com/hyperengineering/citytailor/internal/types"
)

const (
	maxNameLength     = 200
	maxCategoryLength = 64
	maxActivities     = 20
)

// DurationBuckets lists the accepted preference/candidate duration values.
var DurationBuckets = []string{types.DurationShort, "2-4h", types.DurationLong}

// ValidatePayload checks the fields of a learning event payload.
// An empty result means the payload can be learned from.
func ValidatePayload(p types.Payload) []ValidationError {
	var c Collector

	switch v := p.(type) {
	case nil:
		c.Add(&ValidationError{Field: "payload", Message: "is required"})
	case types.SearchPerformed:
		if len(v.Activities) == 0 {
			c.Add(&ValidationError{Field: "activities", Message: "must contain at least one activity"})
		}
		if len(v.Activities) > maxActivities {
			c.Add(&ValidationError{Field: "activities", Message: fmt.Sprintf("exceeds maximum of %d activities", maxActivities)})
		}
		for i, a := range v.Activities {
			field := fmt.Sprintf("activities[%d]", i)
			c.Add(ValidateRequired(field, a))
			c.Add(ValidateMaxLength(field, a, maxCategoryLength))
			c.Add(ValidateNoNullBytes(field, a))
		}
		if v.Time != "" {
			c.Add(ValidateEnum("time", v.Time, DurationBuckets))
		}
	case types.PlaceViewed:
		validatePlace(&c, v.PlaceName, v.Category)
		c.Add(ValidateNonNegative("view_duration_ms", float64(v.ViewDuration)))
	case types.FavoriteAdded:
		validatePlace(&c, v.PlaceName, v.Category)
		if v.Rating != nil {
			c.Add(ValidateRange("rating", *v.Rating, 0, 5))
		}
	case types.ItineraryAdded:
		validatePlace(&c, v.PlaceName, v.Category)
		if v.MinimumDuration != "" {
			c.Add(ValidateEnum("minimum_duration", v.MinimumDuration, DurationBuckets))
		}
	case types.RecommendationClicked:
		validatePlace(&c, v.PlaceName, v.Category)
		c.Add(ValidateNonNegative("position", float64(v.Position)))
	case types.RecommendationIgnored:
		validatePlace(&c, v.PlaceName, v.Category)
	case types.StrongRejection:
		validatePlace(&c, v.PlaceName, v.Category)
	case types.BookingCompleted:
		validatePlace(&c, v.PlaceName, v.Category)
	case types.SessionEnded:
		c.Add(ValidateNonNegative("interactions", float64(v.Interactions)))
		c.Add(ValidateNonNegative("duration_ms", float64(v.DurationMS)))
	default:
		c.Add(&ValidationError{Field: "payload", Message: fmt.Sprintf("unsupported payload %T", p)})
	}

	return c.Errors()
}

func validatePlace(c *Collector, name, category string) {
	c.Add(ValidateRequired("place_name", name))
	c.Add(ValidateMaxLength("place_name", name, maxNameLength))
	c.Add(ValidateNoNullBytes("place_name", name))
	c.Add(ValidateRequired("category", category))
	c.Add(ValidateMaxLength("category", category, maxCategoryLength))
}

// ValidateCandidates checks that every candidate has a name and names are unique.
func ValidateCandidates(candidates []types.CandidatePlace) []ValidationError {
	var c Collector
	seen := make(map[string]bool, len(candidates))

	for i, p := range candidates {
		field := fmt.Sprintf("candidates[%d].name", i)
		c.Add(ValidateRequired(field, p.Name))
		if p.Name != "" && seen[p.Name] {
			c.Add(&ValidationError{Field: field, Message: "duplicate candidate name"})
		}
		seen[p.Name] = true
		c.Add(ValidateMaxLength(field, p.Name, maxNameLength))
		if p.Rating != nil {
			c.Add(ValidateRange(fmt.Sprintf("candidates[%d].rating", i), *p.Rating, 0, 5))
		}
	}
	return c.Errors()
}

// ValidatePreferences checks a raw preference object.
func ValidatePreferences(p types.Preferences) []ValidationError {
	var c Collector
	if p.Time != "" {
		c.Add(ValidateEnum("preferences.time", p.Time, DurationBuckets))
	}
	for i, a := range p.Activities {
		c.Add(ValidateMaxLength(fmt.Sprintf("preferences.activities[%d]", i), a, maxCategoryLength))
	}
	return c.Errors()
}
