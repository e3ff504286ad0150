package reputation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clawrr/clawrr/pkg/domain"
	"github.com/clawrr/clawrr/services/contracts/internal/store"
)

// Source is the persistence surface the aggregator reads from and writes to.
type Source interface {
	ListFeedbackForWorker(ctx context.Context, workerAgentID string) ([]domain.Feedback, error)
	WorkerOutcomes(ctx context.Context, workerAgentID string) (domain.ContractOutcomes, error)
	UpsertReputation(ctx context.Context, rep domain.AgentReputation) error
	GetReputation(ctx context.Context, agentID string) (domain.AgentReputation, error)
}

type Service struct {
	src Source
	now func() time.Time
}

func New(src Source) *Service { return &Service{src: src, now: time.Now} }

// Recompute rebuilds the agent's reputation from the full feedback history
// and persists the snapshot. It recomputes from source rows rather than
// patching, so running it again over an unchanged set is a no-op and a
// missed trigger heals on the next run.
func (s *Service) Recompute(ctx context.Context, agentID string) (domain.AgentReputation, error) {
	feedbacks, err := s.src.ListFeedbackForWorker(ctx, agentID)
	if err != nil {
		return domain.AgentReputation{}, err
	}
	outcomes, err := s.src.WorkerOutcomes(ctx, agentID)
	if err != nil {
		return domain.AgentReputation{}, err
	}
	rep := domain.AggregateReputation(agentID, feedbacks, outcomes, s.now().UTC())
	if err := s.src.UpsertReputation(ctx, rep); err != nil {
		return domain.AgentReputation{}, err
	}
	slog.InfoContext(ctx, "reputation recomputed",
		"agent_id", agentID, "score", rep.Score, "reviews", rep.ReviewsCount)
	return rep, nil
}

// Snapshot returns the stored reputation, computing it on first read.
func (s *Service) Snapshot(ctx context.Context, agentID string) (domain.AgentReputation, error) {
	rep, err := s.src.GetReputation(ctx, agentID)
	if err == nil {
		return rep, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return s.Recompute(ctx, agentID)
	}
	return domain.AgentReputation{}, err
}
