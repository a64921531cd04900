package scoring

import "sort"

// Standing is a ranked leaderboard entry.
type Standing struct {
	Rank int `json:"rank"`
	RoundScore
}

// Rank orders scores for the leaderboard: composite descending, ties broken
// by health, then cost, then team id so the order is total.
func Rank(scores []RoundScore) []Standing {
	sorted := append([]RoundScore(nil), scores...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Health != b.Health {
			return a.Health > b.Health
		}
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.TeamID < b.TeamID
	})
	out := make([]Standing, len(sorted))
	for i, s := range sorted {
		out[i] = Standing{Rank: i + 1, RoundScore: s}
	}
	return out
}
