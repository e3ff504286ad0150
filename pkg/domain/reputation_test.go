package domain

import (
	"reflect"
	"testing"
	"time"
)

func fb(id string, rating int, age time.Duration, tags ...FeedbackTag) Feedback {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return Feedback{
		FeedbackID:    id,
		ContractID:    "ctr_" + id,
		SeekerAgentID: "agt_seeker",
		WorkerAgentID: "agt_worker",
		Rating:        rating,
		Tags:          tags,
		CreatedAt:     base.Add(-age),
	}
}

func TestAggregateReputationIdempotent(t *testing.T) {
	feedbacks := []Feedback{
		fb("fb_1", 5, 0, TagFast, TagReliable),
		fb("fb_2", 3, time.Hour, TagSlow),
		fb("fb_3", 4, 2*time.Hour, TagFast),
	}
	outcomes := ContractOutcomes{Completed: 3, Rejected: 1}
	now := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

	a := AggregateReputation("agt_worker", feedbacks, outcomes, now)
	b := AggregateReputation("agt_worker", feedbacks, outcomes, now)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("recompute over unchanged set must be identical:\n%+v\n%+v", a, b)
	}
}

func TestAggregateReputationOrderIndependent(t *testing.T) {
	feedbacks := []Feedback{
		fb("fb_1", 5, 0),
		fb("fb_2", 1, time.Hour),
		fb("fb_3", 4, 2*time.Hour),
	}
	reversed := []Feedback{feedbacks[2], feedbacks[1], feedbacks[0]}
	now := time.Now().UTC()

	a := AggregateReputation("agt_worker", feedbacks, ContractOutcomes{}, now)
	b := AggregateReputation("agt_worker", reversed, ContractOutcomes{}, now)
	if a.Score != b.Score {
		t.Fatalf("input order must not matter: %v vs %v", a.Score, b.Score)
	}
}

func TestRecentRatingsWeighMore(t *testing.T) {
	recentGood := []Feedback{
		fb("fb_1", 5, 0),
		fb("fb_2", 1, 100*time.Hour),
	}
	recentBad := []Feedback{
		fb("fb_1", 1, 0),
		fb("fb_2", 5, 100*time.Hour),
	}
	now := time.Now().UTC()
	g := AggregateReputation("agt_worker", recentGood, ContractOutcomes{}, now)
	b := AggregateReputation("agt_worker", recentBad, ContractOutcomes{}, now)
	if g.Score <= b.Score {
		t.Fatalf("recent 5 should outweigh old 5: good=%v bad=%v", g.Score, b.Score)
	}
	if g.Score <= 3 || b.Score >= 3 {
		t.Fatalf("scores should be biased toward the recent rating: good=%v bad=%v", g.Score, b.Score)
	}
}

func TestSuccessRateCountsTerminalOutcomes(t *testing.T) {
	rep := AggregateReputation("agt_worker", nil, ContractOutcomes{Completed: 6, Rejected: 2, Disputed: 2}, time.Now())
	if rep.SuccessRate != 0.6 {
		t.Fatalf("success rate = %v, want 0.6", rep.SuccessRate)
	}
	if rep.TotalTasks != 6 {
		t.Fatalf("total tasks = %d, want 6", rep.TotalTasks)
	}
}

func TestTopTagsRankedWithDeterministicTies(t *testing.T) {
	feedbacks := []Feedback{
		fb("fb_1", 5, 0, TagFast, TagReliable),
		fb("fb_2", 5, time.Hour, TagFast, TagCreative),
		fb("fb_3", 5, 2*time.Hour, TagReliable),
	}
	rep := AggregateReputation("agt_worker", feedbacks, ContractOutcomes{}, time.Now())
	want := []string{"fast", "reliable", "creative"}
	if !reflect.DeepEqual(rep.TopTags, want) {
		t.Fatalf("top tags = %v, want %v", rep.TopTags, want)
	}
}

func TestAvgLatencyIgnoresMissingMetrics(t *testing.T) {
	lat := 200.0
	withMetrics := fb("fb_1", 5, 0)
	withMetrics.AutomatedMetrics = &AutomatedMetrics{LatencyMs: &lat}
	feedbacks := []Feedback{withMetrics, fb("fb_2", 4, time.Hour)}

	rep := AggregateReputation("agt_worker", feedbacks, ContractOutcomes{}, time.Now())
	if rep.AvgLatencyMs != 200 {
		t.Fatalf("avg latency = %v, want 200", rep.AvgLatencyMs)
	}
}

func TestFeedbackValidateBounds(t *testing.T) {
	bad := fb("fb_1", 6, 0)
	if err := bad.Validate(); err == nil {
		t.Fatal("expected rating 6 to be rejected")
	}
	bad = fb("fb_1", 3, 0)
	bad.Tags = []FeedbackTag{"amazing"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown tag to be rejected")
	}
	if _, err := ParseFeedbackTag("accurate"); err == nil {
		t.Fatal("expected near-miss tag to be rejected")
	}
	if err := fb("fb_1", 1, 0, TagSlow).Validate(); err != nil {
		t.Fatalf("expected valid feedback, got %v", err)
	}
}
