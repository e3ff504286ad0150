package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/clawrr/clawrr/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("row version conflict")
	ErrFeedbackExists  = errors.New("feedback already exists for this contract")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateContract(ctx context.Context, c domain.Contract) error {
	taskJSON, err := json.Marshal(c.Task)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO contracts(
  contract_id,version,state,
  seeker_agent_id,seeker_wallet,worker_agent_id,worker_wallet,
  task,price_amount,price_currency,price_network,deadline,payment_trigger,platform_fee_pct,
  content_hash,row_version)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15,1)`,
		c.ContractID, c.Version, string(c.State),
		c.Seeker.AgentID, c.Seeker.Wallet, c.Worker.AgentID, c.Worker.Wallet,
		string(taskJSON), c.Terms.PriceAmount, c.Terms.PriceCurrency, c.Terms.PriceNetwork,
		c.Terms.Deadline, string(c.Terms.PaymentTrigger), c.Terms.PlatformFeePercentage,
		c.ContentHash)
	return err
}

func (s *Store) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	var c domain.Contract
	var state, trigger string
	var taskJSON []byte
	var contentHash, seekerSig, workerSig *string
	var pending string
	err := s.DB.QueryRow(ctx, `
SELECT contract_id,version,state,
  seeker_agent_id,seeker_wallet,worker_agent_id,worker_wallet,
  task,price_amount,price_currency,price_network,deadline,payment_trigger,platform_fee_pct,
  content_hash,seeker_signature,worker_signature,accepted_at,COALESCE(pending_settlement,''),
  row_version,created_at,updated_at
FROM contracts WHERE contract_id=$1`, id).Scan(
		&c.ContractID, &c.Version, &state,
		&c.Seeker.AgentID, &c.Seeker.Wallet, &c.Worker.AgentID, &c.Worker.Wallet,
		&taskJSON, &c.Terms.PriceAmount, &c.Terms.PriceCurrency, &c.Terms.PriceNetwork,
		&c.Terms.Deadline, &trigger, &c.Terms.PlatformFeePercentage,
		&contentHash, &seekerSig, &workerSig, &c.AcceptedAt, &pending,
		&c.RowVersion, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contract{}, ErrNotFound
		}
		return domain.Contract{}, err
	}
	c.State = domain.ContractState(state)
	c.Terms.PaymentTrigger = domain.PaymentTrigger(trigger)
	c.PendingSettlement = domain.SettlementOccasion(pending)
	if err := json.Unmarshal(taskJSON, &c.Task); err != nil {
		return domain.Contract{}, err
	}
	if contentHash != nil {
		c.ContentHash = *contentHash
	}
	if seekerSig != nil {
		c.SeekerSignature = *seekerSig
	}
	if workerSig != nil {
		c.WorkerSignature = *workerSig
	}
	return c, nil
}

func (s *Store) ListContractsByAgent(ctx context.Context, agentID string) ([]domain.Contract, error) {
	rows, err := s.DB.Query(ctx, `
SELECT contract_id FROM contracts
WHERE seeker_agent_id=$1 OR worker_agent_id=$1
ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Contract, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetContract(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateStateCAS moves a contract to a new state iff its row version is
// unchanged since the caller read it. A lost race surfaces as
// ErrVersionConflict; the caller re-reads and retries. When the transition
// owes ledger entries the occasion rides in the same write, so a crash or a
// failed posting leaves a durable pending_settlement marker instead of a
// silently settled-for-free contract.
func (s *Store) UpdateStateCAS(ctx context.Context, id string, target domain.ContractState, pending domain.SettlementOccasion, expectedVersion int64) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET state=$1, pending_settlement=NULLIF($2,''), row_version=row_version+1, updated_at=now()
WHERE contract_id=$3 AND row_version=$4`, string(target), string(pending), id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateContent rewrites the negotiable body of a contract under the usual
// compare-and-swap. Callers gate on the signing freeze; the store only
// enforces the version.
func (s *Store) UpdateContent(ctx context.Context, id string, task domain.Task, terms domain.Terms, expectedVersion int64) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET task=$1::jsonb, price_amount=$2, price_currency=$3, price_network=$4,
  deadline=$5, payment_trigger=$6, platform_fee_pct=$7, row_version=row_version+1, updated_at=now()
WHERE contract_id=$8 AND row_version=$9`,
		string(taskJSON), terms.PriceAmount, terms.PriceCurrency, terms.PriceNetwork,
		terms.Deadline, string(terms.PaymentTrigger), terms.PlatformFeePercentage,
		id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetSignature records one party's signature plus the content hash under the
// same compare-and-swap discipline as state changes.
func (s *Store) SetSignature(ctx context.Context, id string, role domain.Role, signature, contentHash string, expectedVersion int64) error {
	column := "seeker_signature"
	if role == domain.RoleWorker {
		column = "worker_signature"
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET `+column+`=$1, content_hash=$2, row_version=row_version+1, updated_at=now()
WHERE contract_id=$3 AND row_version=$4`, signature, contentHash, id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetAccepted stamps the seeker's post-completion acceptance once. The
// accepted_at guard makes a double accept surface as a version conflict so
// the release can never post twice.
func (s *Store) SetAccepted(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET accepted_at=now(), pending_settlement=$3, row_version=row_version+1, updated_at=now()
WHERE contract_id=$1 AND row_version=$2 AND accepted_at IS NULL`,
		id, expectedVersion, string(domain.OccasionAccepted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ClearPendingSettlement marks the owed ledger entries as posted.
func (s *Store) ClearPendingSettlement(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts SET pending_settlement=NULL WHERE contract_id=$1`, id)
	return err
}

func (s *Store) AddEvent(ctx context.Context, contractID, typ, actorID string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	_, err := s.DB.Exec(ctx, `INSERT INTO contract_events(contract_id,type,actor_id,payload) VALUES($1,$2,$3,$4::jsonb)`,
		contractID, typ, actorID, string(b))
	return err
}

func (s *Store) ListEvents(ctx context.Context, contractID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `SELECT type,actor_id,occurred_at,payload FROM contract_events WHERE contract_id=$1 ORDER BY occurred_at ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var typ string
		var actorID *string
		var at time.Time
		var payload []byte
		if err := rows.Scan(&typ, &actorID, &at, &payload); err != nil {
			return nil, err
		}
		var obj any
		_ = json.Unmarshal(payload, &obj)
		out = append(out, map[string]any{"type": typ, "actor_id": actorID, "at": at.Format(time.RFC3339), "payload": obj})
	}
	return out, rows.Err()
}

func (s *Store) CreateFeedback(ctx context.Context, f domain.Feedback) error {
	tags := make([]string, len(f.Tags))
	for i, t := range f.Tags {
		tags[i] = string(t)
	}
	var metricsJSON any
	if f.AutomatedMetrics != nil {
		b, err := json.Marshal(f.AutomatedMetrics)
		if err != nil {
			return err
		}
		metricsJSON = string(b)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO feedback(feedback_id,contract_id,seeker_agent_id,worker_agent_id,rating,tags,comment,automated_metrics,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)`,
		f.FeedbackID, f.ContractID, f.SeekerAgentID, f.WorkerAgentID, f.Rating, tags, f.Comment, metricsJSON, f.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrFeedbackExists
	}
	return err
}

func (s *Store) GetFeedbackByContract(ctx context.Context, contractID string) (domain.Feedback, error) {
	f, err := s.scanFeedback(s.DB.QueryRow(ctx, feedbackSelect+` WHERE contract_id=$1`, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Feedback{}, ErrNotFound
		}
		return domain.Feedback{}, err
	}
	return f, nil
}

// SetWorkerResponse is the only permitted mutation of feedback after
// creation. Only the owner of the reviewed worker agent may respond.
func (s *Store) SetWorkerResponse(ctx context.Context, feedbackID, userID, response string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE feedback f SET worker_response=$1
FROM agents a
JOIN publishers p ON p.publisher_id=a.publisher_id
WHERE f.feedback_id=$2 AND a.agent_id=f.worker_agent_id AND p.user_id=$3`,
		response, feedbackID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const feedbackSelect = `
SELECT feedback_id,contract_id,seeker_agent_id,worker_agent_id,rating,tags,comment,automated_metrics,worker_response,created_at
FROM feedback`

func (s *Store) ListFeedbackForWorker(ctx context.Context, workerAgentID string) ([]domain.Feedback, error) {
	rows, err := s.DB.Query(ctx, feedbackSelect+` WHERE worker_agent_id=$1 ORDER BY created_at DESC`, workerAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Feedback
	for rows.Next() {
		f, err := s.scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanFeedback(row rowScanner) (domain.Feedback, error) {
	var f domain.Feedback
	var tags []string
	var comment, workerResponse *string
	var metricsJSON []byte
	err := row.Scan(&f.FeedbackID, &f.ContractID, &f.SeekerAgentID, &f.WorkerAgentID,
		&f.Rating, &tags, &comment, &metricsJSON, &workerResponse, &f.CreatedAt)
	if err != nil {
		return domain.Feedback{}, err
	}
	for _, t := range tags {
		f.Tags = append(f.Tags, domain.FeedbackTag(t))
	}
	if comment != nil {
		f.Comment = *comment
	}
	if workerResponse != nil {
		f.WorkerResponse = *workerResponse
	}
	if len(metricsJSON) > 0 {
		var m domain.AutomatedMetrics
		if err := json.Unmarshal(metricsJSON, &m); err == nil {
			f.AutomatedMetrics = &m
		}
	}
	return f, nil
}

// WorkerOutcomes counts terminal contract states with the agent as worker.
// Resolved counts as disputed for success-rate purposes since the dispute
// path was taken.
func (s *Store) WorkerOutcomes(ctx context.Context, workerAgentID string) (domain.ContractOutcomes, error) {
	var out domain.ContractOutcomes
	err := s.DB.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE state='completed'),
  count(*) FILTER (WHERE state='rejected'),
  count(*) FILTER (WHERE state IN ('disputed','resolved'))
FROM contracts WHERE worker_agent_id=$1`, workerAgentID).
		Scan(&out.Completed, &out.Rejected, &out.Disputed)
	return out, err
}

func (s *Store) UpsertReputation(ctx context.Context, rep domain.AgentReputation) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO agent_reputation(agent_id,score,total_tasks,success_rate,avg_latency_ms,top_tags,reviews_count,recomputed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (agent_id) DO UPDATE SET
  score=EXCLUDED.score,
  total_tasks=EXCLUDED.total_tasks,
  success_rate=EXCLUDED.success_rate,
  avg_latency_ms=EXCLUDED.avg_latency_ms,
  top_tags=EXCLUDED.top_tags,
  reviews_count=EXCLUDED.reviews_count,
  recomputed_at=EXCLUDED.recomputed_at`,
		rep.AgentID, rep.Score, rep.TotalTasks, rep.SuccessRate, rep.AvgLatencyMs,
		rep.TopTags, rep.ReviewsCount, rep.RecomputedAt)
	return err
}

func (s *Store) GetReputation(ctx context.Context, agentID string) (domain.AgentReputation, error) {
	var rep domain.AgentReputation
	err := s.DB.QueryRow(ctx, `
SELECT agent_id,score,total_tasks,success_rate,avg_latency_ms,top_tags,reviews_count,recomputed_at
FROM agent_reputation WHERE agent_id=$1`, agentID).
		Scan(&rep.AgentID, &rep.Score, &rep.TotalTasks, &rep.SuccessRate,
			&rep.AvgLatencyMs, &rep.TopTags, &rep.ReviewsCount, &rep.RecomputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AgentReputation{}, ErrNotFound
		}
		return domain.AgentReputation{}, err
	}
	return rep, nil
}

// AgentOwnedBy reports whether the agent belongs to a publisher owned by the
// user. Transition authorization resolves actor roles through this.
func (s *Store) AgentOwnedBy(ctx context.Context, agentID, userID string) (bool, error) {
	var owned bool
	err := s.DB.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM agents a
  JOIN publishers p ON p.publisher_id=a.publisher_id
  WHERE a.agent_id=$1 AND p.user_id=$2
)`, agentID, userID).Scan(&owned)
	return owned, err
}
