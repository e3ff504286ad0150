package domain

import (
	"fmt"
	"time"
)

type FeedbackTag string

const (
	TagFast         FeedbackTag = "fast"
	TagHighQuality  FeedbackTag = "high-quality"
	TagReliable     FeedbackTag = "reliable"
	TagCreative     FeedbackTag = "creative"
	TagResponsive   FeedbackTag = "responsive"
	TagGoodValue    FeedbackTag = "good-value"
	TagSlow         FeedbackTag = "slow"
	TagLowQuality   FeedbackTag = "low-quality"
	TagUnreliable   FeedbackTag = "unreliable"
	TagUnresponsive FeedbackTag = "unresponsive"
	TagOverpriced   FeedbackTag = "overpriced"
)

func ParseFeedbackTag(s string) (FeedbackTag, error) {
	switch FeedbackTag(s) {
	case TagFast, TagHighQuality, TagReliable, TagCreative, TagResponsive,
		TagGoodValue, TagSlow, TagLowQuality, TagUnreliable, TagUnresponsive,
		TagOverpriced:
		return FeedbackTag(s), nil
	}
	return "", fmt.Errorf("unknown feedback tag %q", s)
}

// AutomatedMetrics are measurements collected during execution, attached to
// feedback when available.
type AutomatedMetrics struct {
	LatencyMs    *float64 `json:"latency_ms,omitempty"`
	Retries      *int     `json:"retries,omitempty"`
	OutputValid  *bool    `json:"output_valid,omitempty"`
	UptimeDuring *bool    `json:"uptime_during,omitempty"`
}

type Feedback struct {
	FeedbackID       string            `json:"feedback_id"`
	ContractID       string            `json:"contract_id"`
	SeekerAgentID    string            `json:"seeker_agent_id"`
	WorkerAgentID    string            `json:"worker_agent_id"`
	Rating           int               `json:"rating"`
	Tags             []FeedbackTag     `json:"tags"`
	Comment          string            `json:"comment,omitempty"`
	AutomatedMetrics *AutomatedMetrics `json:"automated_metrics,omitempty"`
	WorkerResponse   string            `json:"worker_response,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Validate enforces creation-time bounds. Ratings are a 1..5 integer and
// every tag must be a known variant.
func (f Feedback) Validate() error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("rating must be within [1,5], got %d", f.Rating)
	}
	for _, tag := range f.Tags {
		if _, err := ParseFeedbackTag(string(tag)); err != nil {
			return err
		}
	}
	if f.AutomatedMetrics != nil {
		if f.AutomatedMetrics.LatencyMs != nil && *f.AutomatedMetrics.LatencyMs < 0 {
			return fmt.Errorf("latency_ms must be nonnegative")
		}
		if f.AutomatedMetrics.Retries != nil && *f.AutomatedMetrics.Retries < 0 {
			return fmt.Errorf("retries must be nonnegative")
		}
	}
	return nil
}
