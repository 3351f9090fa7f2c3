package queue

import (
	"math"
	"sort"
)

// Scorer rates how well two compatible users fit. Weights need not sum to 1;
// the result is normalised to [0, 1].
type Scorer struct {
	AgeWeight         float64
	ProficiencyWeight float64
}

func DefaultScorer() Scorer {
	return Scorer{AgeWeight: 0.5, ProficiencyWeight: 0.5}
}

func (s Scorer) Score(a, b Preferences) float64 {
	total := s.AgeWeight + s.ProficiencyWeight
	if total <= 0 {
		return 0
	}
	return (s.AgeWeight*ageCloseness(a.Age, b.Age) + s.ProficiencyWeight*proficiencyCloseness(a.Proficiency, b.Proficiency)) / total
}

func ageCloseness(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0.5
	}
	d := math.Abs(float64(a - b))
	return 1 - math.Min(d, 50)/50
}

func proficiencyCloseness(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0.5
	}
	d := math.Abs(float64(a - b))
	return 1 - d/float64(MaxProficiency-MinProficiency)
}

// Compatible applies the required filters. Failing any of them excludes the
// candidate regardless of score.
func Compatible(a, b Preferences) bool {
	if a.UserID == b.UserID {
		return false
	}
	if a.NativeLanguage != b.TargetLanguage || a.TargetLanguage != b.NativeLanguage {
		return false
	}
	if !ageAccepted(a, b.Age) || !ageAccepted(b, a.Age) {
		return false
	}
	return genderAccepted(a.GenderPreference, b.Gender) && genderAccepted(b.GenderPreference, a.Gender)
}

// ageAccepted reports whether p's bounds admit age. An unknown age cannot
// satisfy an explicit bound.
func ageAccepted(p Preferences, age int) bool {
	if p.AgeMin == nil && p.AgeMax == nil {
		return true
	}
	if age == 0 {
		return false
	}
	if p.AgeMin != nil && age < *p.AgeMin {
		return false
	}
	if p.AgeMax != nil && age > *p.AgeMax {
		return false
	}
	return true
}

func genderAccepted(pref, gender string) bool {
	if pref == "" || pref == "any" {
		return true
	}
	return pref == gender
}

// Matcher pairs entries of two reciprocal buckets.
type Matcher struct {
	scorer Scorer
}

func NewMatcher(scorer Scorer) *Matcher {
	return &Matcher{scorer: scorer}
}

// Pair visits anchors from both sides in queue order (priority first, then
// oldest) and gives each unmatched anchor its best-scoring compatible
// partner from the other side. Score ties go to a priority partner, then
// the earlier insertion. No entry appears in more than one pair.
func (m *Matcher) Pair(left, right []*Entry) []Pair {
	if len(left) == 0 || len(right) == 0 {
		return nil
	}

	side := make(map[*Entry]int, len(left)+len(right))
	anchors := make([]*Entry, 0, len(left)+len(right))
	for _, e := range left {
		side[e] = 0
		anchors = append(anchors, e)
	}
	for _, e := range right {
		side[e] = 1
		anchors = append(anchors, e)
	}
	sort.SliceStable(anchors, func(i, j int) bool { return anchors[i].before(anchors[j]) })

	used := make(map[*Entry]bool)
	var pairs []Pair

	for _, anchor := range anchors {
		if used[anchor] {
			continue
		}
		candidates := right
		if side[anchor] == 1 {
			candidates = left
		}

		var best *Entry
		bestScore := -1.0
		for _, c := range candidates {
			if used[c] || !Compatible(anchor.Prefs, c.Prefs) {
				continue
			}
			score := m.scorer.Score(anchor.Prefs, c.Prefs)
			if best == nil || score > bestScore || (score == bestScore && c.before(best)) {
				best, bestScore = c, score
			}
		}
		if best == nil {
			continue
		}
		used[anchor] = true
		used[best] = true
		pairs = append(pairs, Pair{A: anchor, B: best, Score: bestScore})
	}
	return pairs
}
