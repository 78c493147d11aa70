package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"voicecast/internal/repo"
)

func TestResponseRateSmoothing(t *testing.T) {
	assert.InDelta(t, 0.5, responseRate(repo.ResponseStat{}), 1e-9)
	assert.InDelta(t, 11.0/12.0, responseRate(repo.ResponseStat{Received: 10, Replied: 10}), 1e-9)
	assert.InDelta(t, 1.0/12.0, responseRate(repo.ResponseStat{Received: 10}), 1e-9)
}

func TestInteractionScore(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	assert.Zero(t, interactionScore(repo.InteractionStat{}, now))
	// recency halves after a week; 5 of 10 messages is half frequency.
	assert.InDelta(t, 0.5*0.5+0.5*0.5, interactionScore(repo.InteractionStat{Messages: 5, LastMessageAt: &weekAgo}, now), 1e-9)
	assert.InDelta(t, 0.5+0.5, interactionScore(repo.InteractionStat{Messages: 50, LastMessageAt: &now}, now), 1e-9)
}

func TestPreferenceScore(t *testing.T) {
	jkt, bdg, young := "jakarta", "bandung", "18-24"
	sender := repo.User{Region: &jkt, AgeGroup: &young}

	assert.InDelta(t, 1.0, preferenceScore(sender, repo.User{Region: &jkt, AgeGroup: &young}), 1e-9)
	assert.InDelta(t, 0.5, preferenceScore(sender, repo.User{Region: &bdg, AgeGroup: &young}), 1e-9)
	assert.Zero(t, preferenceScore(sender, repo.User{}))
	assert.Zero(t, preferenceScore(repo.User{}, repo.User{Region: &jkt}))
}

func TestReserveCount(t *testing.T) {
	assert.Equal(t, 1, reserveCount(1))
	assert.Equal(t, 1, reserveCount(5))
	assert.Equal(t, 2, reserveCount(6))
	assert.Equal(t, 2, reserveCount(10))
	assert.Equal(t, 20, reserveCount(100))
}
