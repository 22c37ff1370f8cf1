// Package score ranks candidate places from explicit preferences, favorites,
// itinerary membership and learned adaptation rules.
package score

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

// Point values for explicit signals. Learned rules add confidence*weight/RuleNormalization.
const (
	PointsActivity  = 3.0
	PointsDuration  = 2.0
	PointsFavorite  = 5.0
	PointsItinerary = 4.0
)

// Config holds scorer tunables.
type Config struct {
	RuleNormalization float64 // divisor applied to confidence*weight
	DefaultLimit      int
	MaxLimit          int
	Now               func() time.Time // seeds discovery when the request has no seed
}

// DefaultConfig returns the reference tunables.
func DefaultConfig() Config {
	return Config{
		RuleNormalization: 3.0,
		DefaultLimit:      5,
		MaxLimit:          50,
		Now:               time.Now,
	}
}

// Request is one scoring call. All inputs are passed by value and never retained.
type Request struct {
	Candidates  []types.CandidatePlace
	Preferences types.Preferences
	Favorites   []string
	Itinerary   []string
	Rules       []types.AdaptationRule
	Context     types.ContextSnapshot
	Limit       int
	Discovery   int     // size of the discovery slice; 0 disables it
	Seed        *uint64 // fixes the discovery shuffle
}

// Result is the ranked top slice plus the optional discovery slice.
type Result struct {
	Ranked    []types.RankedRecommendation `json:"recommendations"`
	Discovery []types.RankedRecommendation `json:"discovery"`
}

// Scorer is stateless apart from configuration and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New creates a Scorer, filling unset fields from DefaultConfig.
func New(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.RuleNormalization <= 0 {
		cfg.RuleNormalization = def.RuleNormalization
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Scorer{cfg: cfg}
}

// Score ranks every candidate, sorted by descending score with ties kept in input order,
// and returns the top Limit. When Discovery > 0 it also returns up to that many
// candidates drawn at random from outside the top slice.
func (s *Scorer) Score(req Request) Result {
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	activities := toSet(req.Preferences.Activities)
	favorites := toSet(req.Favorites)
	itinerary := toSet(req.Itinerary)

	ranked := make([]types.RankedRecommendation, len(req.Candidates))
	for i, place := range req.Candidates {
		ranked[i] = s.scoreOne(place, req, activities, favorites, itinerary)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if limit > len(ranked) {
		limit = len(ranked)
	}
	result := Result{Ranked: ranked[:limit:limit]}

	if req.Discovery > 0 && limit < len(ranked) {
		rest := append([]types.RankedRecommendation(nil), ranked[limit:]...)
		seed := uint64(s.cfg.Now().UnixNano())
		if req.Seed != nil {
			seed = *req.Seed
		}
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

		n := req.Discovery
		if n > len(rest) {
			n = len(rest)
		}
		result.Discovery = rest[:n]
		for i := range result.Discovery {
			result.Discovery[i].Reasons = append(result.Discovery[i].Reasons, "discovery pick")
		}
	}

	return result
}

func (s *Scorer) scoreOne(place types.CandidatePlace, req Request, activities, favorites, itinerary map[string]bool) types.RankedRecommendation {
	rec := types.RankedRecommendation{Place: place}

	if activities[place.Category] {
		rec.Score += PointsActivity
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("matches preferred activity %s", place.Category))
	}

	pref := req.Preferences.Time
	if (pref == types.DurationLong || pref == types.DurationShort) && place.MinimumDuration == pref {
		rec.Score += PointsDuration
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("fits preferred duration %s", pref))
	}

	if favorites[place.Name] {
		rec.Score += PointsFavorite
		rec.Reasons = append(rec.Reasons, "in favorites")
	}

	if itinerary[place.Name] {
		rec.Score += PointsItinerary
		rec.Reasons = append(rec.Reasons, "in itinerary")
	}

	for _, r := range req.Rules {
		if !RuleMatches(r, place, req.Context) {
			continue
		}
		contribution := r.Confidence * r.Weight / s.cfg.RuleNormalization
		if contribution <= 0 {
			continue
		}
		rec.Score += contribution
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("learned %s (+%.2f)", r.Category, contribution))
	}

	return rec
}

// RuleMatches reports whether rule r applies to place in the given context. The rule
// must name the place, its category, or an activity list containing the category, and
// every contextual bucket the rule carries must equal the current one.
func RuleMatches(r types.AdaptationRule, place types.CandidatePlace, ctx types.ContextSnapshot) bool {
	f := r.Pattern.Features

	subject := MentionsCategory(r, place.Category)
	if p, ok := f[types.FeaturePlace]; ok && p == place.Name {
		subject = true
	}
	if !subject {
		return false
	}

	if tod, ok := f[types.FeatureTimeOfDay]; ok && tod != string(ctx.TimeOfDay) {
		return false
	}
	if season, ok := f[types.FeatureSeason]; ok && season != string(ctx.Season) {
		return false
	}
	return true
}

// MentionsCategory reports whether the rule's pattern names category directly or in
// its activity list.
func MentionsCategory(r types.AdaptationRule, category string) bool {
	f := r.Pattern.Features
	if c, ok := f[types.FeatureCategory]; ok && c == category {
		return true
	}
	acts, ok := f[types.FeatureActivities]
	return ok && containsItem(acts, category)
}

// JoinItems builds the canonical list encoding used for list-valued pattern features.
func JoinItems(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func containsItem(list, item string) bool {
	if item == "" {
		return false
	}
	for _, v := range strings.Split(list, ",") {
		if v == item {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, v := range items {
		m[v] = true
	}
	return m
}
