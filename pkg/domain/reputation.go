package domain

import (
	"math"
	"sort"
	"time"
)

// ReputationHalfLife is the number of reviews over which a rating's weight
// halves in the score average.
const ReputationHalfLife = 20

// TopTagsLimit caps the frequency-ranked tag list on a reputation snapshot.
const TopTagsLimit = 5

type AgentReputation struct {
	AgentID      string    `json:"agent_id"`
	Score        float64   `json:"score"`
	TotalTasks   int       `json:"total_tasks"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	TopTags      []string  `json:"top_tags"`
	ReviewsCount int       `json:"reviews_count"`
	RecomputedAt time.Time `json:"recomputed_at"`
}

// ContractOutcomes counts terminal contract states for an agent as worker.
type ContractOutcomes struct {
	Completed int
	Rejected  int
	Disputed  int
}

// AggregateReputation recomputes an agent's reputation from the full
// feedback history. It is a pure function of its inputs: recomputing over an
// unchanged set yields an identical snapshot, so re-running after a missed
// trigger is always safe.
func AggregateReputation(agentID string, feedbacks []Feedback, outcomes ContractOutcomes, now time.Time) AgentReputation {
	rep := AgentReputation{
		AgentID:      agentID,
		TopTags:      []string{},
		RecomputedAt: now,
	}

	// Newest first, feedback id as a deterministic tiebreak.
	ordered := make([]Feedback, len(feedbacks))
	copy(ordered, feedbacks)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].FeedbackID < ordered[j].FeedbackID
	})

	var weightSum, weightedRatings float64
	var latencySum float64
	var latencyCount int
	tagCounts := map[string]int{}
	for i, fb := range ordered {
		w := math.Pow(0.5, float64(i)/float64(ReputationHalfLife))
		weightSum += w
		weightedRatings += w * float64(fb.Rating)
		for _, tag := range fb.Tags {
			tagCounts[string(tag)]++
		}
		if fb.AutomatedMetrics != nil && fb.AutomatedMetrics.LatencyMs != nil {
			latencySum += *fb.AutomatedMetrics.LatencyMs
			latencyCount++
		}
	}

	rep.ReviewsCount = len(ordered)
	if weightSum > 0 {
		rep.Score = clamp(weightedRatings/weightSum, 0, 5)
	}
	if latencyCount > 0 {
		rep.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	rep.TopTags = topTags(tagCounts, TopTagsLimit)

	rep.TotalTasks = outcomes.Completed
	finished := outcomes.Completed + outcomes.Rejected + outcomes.Disputed
	if finished > 0 {
		rep.SuccessRate = float64(outcomes.Completed) / float64(finished)
	}
	return rep
}

// topTags ranks tags by frequency, breaking ties lexicographically so the
// result is deterministic.
func topTags(counts map[string]int, limit int) []string {
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
