package selection

import (
	"math"
	"time"

	"voicecast/internal/repo"
)

// Score weights of the composite strategy.
const (
	weightResponse    = 0.5
	weightInteraction = 0.3
	weightPreference  = 0.2

	// One in reserveDivisor requested slots goes to the best scores outright.
	reserveDivisor = 5
	// frequencyCap messages saturate the interaction frequency term.
	frequencyCap = 10
	// weightFloor keeps the lowest-scored candidate drawable.
	weightFloor = 0.01
)

type scored struct {
	user  repo.User
	score float64
}

// responseRate is the Laplace-smoothed share of received broadcasts the user
// replied to. Users without history score 0.5.
func responseRate(st repo.ResponseStat) float64 {
	return float64(st.Replied+1) / float64(st.Received+2)
}

// interactionScore mixes recency (halving after a week) and capped frequency
// of messages exchanged with the sender.
func interactionScore(st repo.InteractionStat, now time.Time) float64 {
	if st.Messages == 0 {
		return 0
	}
	recency := 0.0
	if st.LastMessageAt != nil {
		days := math.Max(now.Sub(*st.LastMessageAt).Hours()/24, 0)
		recency = 1 / (1 + days/7)
	}
	frequency := math.Min(float64(st.Messages), frequencyCap) / frequencyCap
	return 0.5*recency + 0.5*frequency
}

// preferenceScore is the share of the sender's region and age group the
// candidate matches.
func preferenceScore(sender, candidate repo.User) float64 {
	matches := 0.0
	if sameAttr(sender.Region, candidate.Region) {
		matches++
	}
	if sameAttr(sender.AgeGroup, candidate.AgeGroup) {
		matches++
	}
	return matches / 2
}

func sameAttr(a, b *string) bool {
	return a != nil && b != nil && *a != "" && *a == *b
}

func compositeScore(sender, candidate repo.User, resp repo.ResponseStat, inter repo.InteractionStat, now time.Time) float64 {
	return weightResponse*responseRate(resp) +
		weightInteraction*interactionScore(inter, now) +
		weightPreference*preferenceScore(sender, candidate)
}

func reserveCount(count int) int {
	return (count + reserveDivisor - 1) / reserveDivisor
}
