package score

import (
	"strings"

	"github.com/hyperengineering/citytailor/internal/types"
)

// NoSuggestionsMessage is returned when no activity produced a suggestion.
const NoSuggestionsMessage = "No matching recommendations found. Try selecting more preferences."

var activitySuggestions = map[string][]string{
	"Cultural":   {"Visit the local art museum", "Attend a history tour"},
	"Outdoor":    {"Explore a nature park", "Go hiking in nearby hills"},
	"Relaxation": {"Try a spa experience", "Relax in a botanical garden"},
	"Gastronomy": {"Take a food tour", "Join a local cooking class"},
}

// Suggestions returns the static activity suggestions for a preference object.
// Short visits keep only tours and museums.
func Suggestions(prefs types.Preferences) []string {
	var out []string
	for _, a := range prefs.Activities {
		out = append(out, activitySuggestions[a]...)
	}

	if prefs.Time == types.DurationShort {
		short := out[:0]
		for _, s := range out {
			if strings.Contains(s, "tour") || strings.Contains(s, "museum") {
				short = append(short, s)
			}
		}
		out = short
	}

	if len(out) == 0 {
		return []string{NoSuggestionsMessage}
	}
	return out
}
