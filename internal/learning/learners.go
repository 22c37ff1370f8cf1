package learning

import (
	"context"
	"math"
	"strconv"

	"github.com/hyperengineering/citytailor/internal/score"
	"github.com/hyperengineering/citytailor/internal/types"
)

// Learner confidences and weights for positive signals.
const (
	searchConfidence    = 0.7
	viewConfidence      = 0.5
	favoriteConfidence  = 0.9
	favoriteWeight      = 3.0
	itineraryConfidence = 0.8
	itineraryWeight     = 2.0
	clickConfidence     = 0.6
	bookingConfidence   = 0.95
	bookingWeight       = 4.0

	// interactions at which a session counts as fully engaged
	engagedSessionInteractions = 10
)

// learn dispatches ev to the learner for its payload variant.
func (p *Processor) learn(ctx context.Context, ev types.LearningEvent) Outcome {
	c := ev.Context
	switch v := ev.Payload.(type) {
	case types.SearchPerformed:
		pattern := types.Pattern{Features: map[string]string{
			types.FeatureActivities: score.JoinItems(v.Activities),
			types.FeatureTimeOfDay:  string(c.TimeOfDay),
			types.FeatureSeason:     string(c.Season),
		}}
		if v.Time != "" {
			pattern.Features[types.FeaturePreferredTime] = v.Time
		}
		if v.Query != "" {
			pattern.Attributes = map[string]string{types.AttributeQuery: v.Query}
		}
		return p.upsert(ctx, ev, types.CategoryContextualSearch, pattern, searchConfidence, 1.0)

	case types.PlaceViewed:
		pattern := types.Pattern{
			Features: map[string]string{
				types.FeaturePlace:     v.PlaceName,
				types.FeatureCategory:  v.Category,
				types.FeatureTimeOfDay: string(c.TimeOfDay),
			},
			Attributes: map[string]string{
				types.AttributeViewDuration: strconv.FormatInt(v.ViewDuration, 10),
			},
		}
		return p.upsert(ctx, ev, types.CategoryPlaceInterest, pattern, viewConfidence, 1.0)

	case types.FavoriteAdded:
		pattern := strongPattern(v.Category, c)
		if v.Rating != nil {
			pattern.Attributes = map[string]string{
				types.AttributeRatingThreshold: strconv.FormatFloat(*v.Rating, 'f', -1, 64),
			}
		}
		return p.upsert(ctx, ev, types.CategoryStrongPreference, pattern, favoriteConfidence, favoriteWeight)

	case types.BookingCompleted:
		return p.upsert(ctx, ev, types.CategoryStrongPreference, strongPattern(v.Category, c), bookingConfidence, bookingWeight)

	case types.ItineraryAdded:
		pattern := types.Pattern{Features: map[string]string{
			types.FeatureCategory:  v.Category,
			types.FeatureTimeOfDay: string(c.TimeOfDay),
		}}
		return p.upsert(ctx, ev, types.CategoryItinerary, pattern, itineraryConfidence, itineraryWeight)

	case types.RecommendationClicked:
		pattern := types.Pattern{Features: map[string]string{
			types.FeatureCategory:  v.Category,
			types.FeatureTimeOfDay: string(c.TimeOfDay),
		}}
		return p.upsert(ctx, ev, types.CategoryRecommendation, pattern, clickConfidence, 1.0)

	case types.RecommendationIgnored:
		return p.penalize(ctx, ev, v.Category, p.cfg.IgnorePenalty)

	case types.StrongRejection:
		return p.penalize(ctx, ev, v.Category, p.cfg.RejectionPenalty)

	case types.SessionEnded:
		engagement := math.Min(1, float64(v.Interactions)/engagedSessionInteractions)
		factor := 1 - p.cfg.SessionDecayRate*(1-engagement)
		if factor >= 1 {
			return Outcome{EventID: ev.ID, EventType: ev.Type, Applied: true}
		}
		n, err := p.store.Adjust(ctx, ev.UserID, "session_decay", func(r *types.AdaptationRule) bool {
			if r.Confidence == 0 {
				return false
			}
			r.Confidence *= factor
			return true
		})
		return Outcome{EventID: ev.ID, EventType: ev.Type, Applied: err == nil, Adjusted: n, Err: err}
	}

	// ValidatePayload rejects every other variant before dispatch.
	return Outcome{EventID: ev.ID, EventType: ev.Type, Err: ErrMalformedPayload}
}

func strongPattern(category string, c types.ContextSnapshot) types.Pattern {
	return types.Pattern{Features: map[string]string{
		types.FeatureCategory: category,
		types.FeatureSeason:   string(c.Season),
	}}
}

func (p *Processor) upsert(ctx context.Context, ev types.LearningEvent, category types.RuleCategory, pattern types.Pattern, confidence, weight float64) Outcome {
	rule, created, err := p.store.Upsert(ctx, ev.UserID, category, pattern, confidence, weight)
	if err != nil {
		return Outcome{EventID: ev.ID, EventType: ev.Type, Err: err}
	}
	return Outcome{EventID: ev.ID, EventType: ev.Type, Applied: true, Rule: &rule, Created: created}
}

// penalize lowers the weight of every rule of the user that names category.
func (p *Processor) penalize(ctx context.Context, ev types.LearningEvent, category string, amount float64) Outcome {
	n, err := p.store.Penalize(ctx, ev.UserID, func(r types.AdaptationRule) bool {
		return score.MentionsCategory(r, category)
	}, amount)
	return Outcome{EventID: ev.ID, EventType: ev.Type, Applied: err == nil, Adjusted: n, Err: err}
}
