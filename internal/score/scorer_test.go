package score

import (
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

func fixedNow() time.Time { return time.Date(2026, 7, 18, 14, 0, 0, 0, time.UTC) }

func newTestScorer() *Scorer {
	cfg := DefaultConfig()
	cfg.Now = fixedNow
	return New(cfg)
}

func summerAfternoon() types.ContextSnapshot {
	return types.ContextSnapshot{TimeOfDay: types.Afternoon, Season: types.Summer}
}

func TestScore_ExplicitSignals(t *testing.T) {
	s := newTestScorer()

	// Given a Cultural >4h user who favorited and planned the Louvre
	req := Request{
		Candidates: []types.CandidatePlace{
			{Name: "Louvre", Category: "Cultural", MinimumDuration: ">4h"},
			{Name: "Parc Monceau", Category: "Outdoor", MinimumDuration: "<2h"},
		},
		Preferences: types.Preferences{Activities: []string{"Cultural"}, Time: ">4h"},
		Favorites:   []string{"Louvre"},
		Itinerary:   []string{"Louvre"},
		Context:     summerAfternoon(),
	}

	// When scoring
	res := s.Score(req)

	// Then the Louvre collects 3+2+5+4 and the park collects nothing
	if len(res.Ranked) != 2 {
		t.Fatalf("got %d ranked, want 2", len(res.Ranked))
	}
	if res.Ranked[0].Place.Name != "Louvre" || res.Ranked[0].Score != 14 {
		t.Errorf("first: %s %.2f, want Louvre 14", res.Ranked[0].Place.Name, res.Ranked[0].Score)
	}
	if len(res.Ranked[0].Reasons) != 4 {
		t.Errorf("reasons: %v", res.Ranked[0].Reasons)
	}
	if res.Ranked[1].Score != 0 {
		t.Errorf("park score: got %.2f, want 0", res.Ranked[1].Score)
	}
}

func TestScore_ActivityAndDurationOnly(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Request{
		Candidates:  []types.CandidatePlace{{Name: "Louvre", Category: "Cultural", MinimumDuration: ">4h"}},
		Preferences: types.Preferences{Activities: []string{"Cultural"}, Time: ">4h"},
		Favorites:   []string{"Louvre"},
	})
	if got := res.Ranked[0].Score; got != 10 {
		t.Errorf("got %.2f, want 10", got)
	}
}

func TestScore_MidDurationEarnsNoDurationPoints(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Request{
		Candidates:  []types.CandidatePlace{{Name: "Orsay", Category: "Cultural", MinimumDuration: "2-4h"}},
		Preferences: types.Preferences{Time: "2-4h"},
	})
	if got := res.Ranked[0].Score; got != 0 {
		t.Errorf("got %.2f, want 0", got)
	}
}

func TestScore_TiesKeepInputOrder(t *testing.T) {
	s := newTestScorer()
	names := []string{"A", "B", "C", "D", "E", "F"}
	var cands []types.CandidatePlace
	for _, n := range names {
		cands = append(cands, types.CandidatePlace{Name: n, Category: "Outdoor"})
	}

	res := s.Score(Request{Candidates: cands, Limit: 6})

	for i, r := range res.Ranked {
		if r.Place.Name != names[i] {
			t.Fatalf("position %d: got %s, want %s", i, r.Place.Name, names[i])
		}
	}
}

func TestScore_DefaultLimitAndMax(t *testing.T) {
	s := newTestScorer()
	cands := make([]types.CandidatePlace, 60)
	for i := range cands {
		cands[i] = types.CandidatePlace{Name: string(rune('a'+i%26)) + strings.Repeat("x", i/26)}
	}

	if got := len(s.Score(Request{Candidates: cands}).Ranked); got != 5 {
		t.Errorf("default limit: got %d, want 5", got)
	}
	if got := len(s.Score(Request{Candidates: cands, Limit: 100}).Ranked); got != 50 {
		t.Errorf("max limit: got %d, want 50", got)
	}
}

func TestScore_LearnedRuleContribution(t *testing.T) {
	s := newTestScorer()
	rule := types.AdaptationRule{
		Category:   types.CategoryStrongPreference,
		Pattern:    types.Pattern{Features: map[string]string{types.FeatureCategory: "Outdoor", types.FeatureSeason: "summer"}},
		Confidence: 0.9,
		Weight:     3.0,
	}

	res := s.Score(Request{
		Candidates: []types.CandidatePlace{
			{Name: "Louvre", Category: "Cultural"},
			{Name: "Parc Monceau", Category: "Outdoor"},
		},
		Rules:   []types.AdaptationRule{rule},
		Context: summerAfternoon(),
	})

	// 0.9 * 3.0 / 3.0
	if res.Ranked[0].Place.Name != "Parc Monceau" {
		t.Fatalf("rule did not lift outdoor place: %+v", res.Ranked)
	}
	if got := res.Ranked[0].Score; got < 0.899 || got > 0.901 {
		t.Errorf("score: got %.4f, want 0.9", got)
	}
	if len(res.Ranked[0].Reasons) != 1 || !strings.Contains(res.Ranked[0].Reasons[0], "strong_preference") {
		t.Errorf("reasons: %v", res.Ranked[0].Reasons)
	}
}

func TestRuleMatches(t *testing.T) {
	place := types.CandidatePlace{Name: "Louvre", Category: "Cultural"}
	ctx := summerAfternoon()

	tests := []struct {
		name     string
		features map[string]string
		want     bool
	}{
		{"category", map[string]string{types.FeatureCategory: "Cultural"}, true},
		{"other category", map[string]string{types.FeatureCategory: "Outdoor"}, false},
		{"activities list", map[string]string{types.FeatureActivities: "Cultural,Gastronomy"}, true},
		{"activities prefix only", map[string]string{types.FeatureActivities: "Culturally"}, false},
		{"place", map[string]string{types.FeaturePlace: "Louvre"}, true},
		{"context matches", map[string]string{types.FeatureCategory: "Cultural", types.FeatureTimeOfDay: "afternoon"}, true},
		{"time mismatch", map[string]string{types.FeatureCategory: "Cultural", types.FeatureTimeOfDay: "night"}, false},
		{"season mismatch", map[string]string{types.FeatureCategory: "Cultural", types.FeatureSeason: "winter"}, false},
		{"context only", map[string]string{types.FeatureTimeOfDay: "afternoon"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := types.AdaptationRule{Pattern: types.Pattern{Features: tt.features}}
			if got := RuleMatches(r, place, ctx); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore_ZeroWeightRuleAddsNothing(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Request{
		Candidates: []types.CandidatePlace{{Name: "Louvre", Category: "Cultural"}},
		Rules: []types.AdaptationRule{{
			Pattern:    types.Pattern{Features: map[string]string{types.FeatureCategory: "Cultural"}},
			Confidence: 0.8,
			Weight:     0,
		}},
	})
	if res.Ranked[0].Score != 0 || len(res.Ranked[0].Reasons) != 0 {
		t.Errorf("got %.2f %v", res.Ranked[0].Score, res.Ranked[0].Reasons)
	}
}

func TestScore_DiscoveryExcludesTopSlice(t *testing.T) {
	s := newTestScorer()
	var cands []types.CandidatePlace
	for _, n := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		cands = append(cands, types.CandidatePlace{Name: n, Category: "Outdoor"})
	}
	seed := uint64(7)

	res := s.Score(Request{Candidates: cands, Limit: 3, Discovery: 2, Seed: &seed})

	if len(res.Discovery) != 2 {
		t.Fatalf("discovery size: got %d, want 2", len(res.Discovery))
	}
	top := map[string]bool{}
	for _, r := range res.Ranked {
		top[r.Place.Name] = true
	}
	seen := map[string]bool{}
	for _, d := range res.Discovery {
		if top[d.Place.Name] {
			t.Errorf("discovery pick %s is already in the top slice", d.Place.Name)
		}
		if seen[d.Place.Name] {
			t.Errorf("discovery pick %s duplicated", d.Place.Name)
		}
		seen[d.Place.Name] = true
	}
}

func TestScore_DiscoverySeedIsDeterministic(t *testing.T) {
	s := newTestScorer()
	var cands []types.CandidatePlace
	for _, n := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"} {
		cands = append(cands, types.CandidatePlace{Name: n})
	}
	seed := uint64(99)

	a := s.Score(Request{Candidates: cands, Limit: 2, Discovery: 4, Seed: &seed})
	b := s.Score(Request{Candidates: cands, Limit: 2, Discovery: 4, Seed: &seed})

	for i := range a.Discovery {
		if a.Discovery[i].Place.Name != b.Discovery[i].Place.Name {
			t.Fatalf("pick %d differs: %s vs %s", i, a.Discovery[i].Place.Name, b.Discovery[i].Place.Name)
		}
	}
}

func TestScore_NoDiscoveryWhenEverythingRanked(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Request{
		Candidates: []types.CandidatePlace{{Name: "A"}, {Name: "B"}},
		Limit:      5,
		Discovery:  3,
	})
	if len(res.Discovery) != 0 {
		t.Errorf("got %d discovery picks, want 0", len(res.Discovery))
	}
}

func TestScore_DoesNotMutateInputs(t *testing.T) {
	s := newTestScorer()
	cands := []types.CandidatePlace{{Name: "A", Category: "Cultural"}, {Name: "B", Category: "Outdoor"}}
	prefs := types.Preferences{Activities: []string{"Outdoor"}}

	s.Score(Request{Candidates: cands, Preferences: prefs})

	if cands[0].Name != "A" || cands[1].Name != "B" {
		t.Errorf("candidate slice reordered: %+v", cands)
	}
}

func TestJoinItems_Sorted(t *testing.T) {
	in := []string{"Outdoor", "Cultural"}
	if got := JoinItems(in); got != "Cultural,Outdoor" {
		t.Errorf("got %q", got)
	}
	if in[0] != "Outdoor" {
		t.Error("input slice was sorted in place")
	}
}
