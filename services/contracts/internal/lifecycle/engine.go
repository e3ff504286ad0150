package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawrr/clawrr/pkg/domain"
	"github.com/clawrr/clawrr/services/contracts/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrContractNotCompleted = errors.New("contract is not completed")
	ErrContentLocked        = errors.New("contract content is locked")
	ErrAlreadyAccepted      = errors.New("contract already accepted")
	ErrAcceptanceNotNeeded  = errors.New("contract does not use the on_acceptance trigger")
	ErrNoPendingSettlement  = errors.New("contract has no pending settlement")
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clawrr_contract_transitions_total",
	Help: "Contract state transitions applied, by target state.",
}, []string{"target"})

// ContractStore is the persistence surface the engine needs. The pgx store
// satisfies it; tests use fakes.
type ContractStore interface {
	GetContract(ctx context.Context, id string) (domain.Contract, error)
	UpdateStateCAS(ctx context.Context, id string, target domain.ContractState, pending domain.SettlementOccasion, expectedVersion int64) error
	UpdateContent(ctx context.Context, id string, task domain.Task, terms domain.Terms, expectedVersion int64) error
	SetSignature(ctx context.Context, id string, role domain.Role, signature, contentHash string, expectedVersion int64) error
	SetAccepted(ctx context.Context, id string, expectedVersion int64) error
	ClearPendingSettlement(ctx context.Context, id string) error
	AddEvent(ctx context.Context, contractID, typ, actorID string, payload map[string]any) error
	CreateFeedback(ctx context.Context, f domain.Feedback) error
}

// LedgerPoster applies settlement intents atomically.
type LedgerPoster interface {
	Post(ctx context.Context, intents []domain.LedgerIntent) ([]string, error)
}

type Engine struct {
	store          ContractStore
	ledger         LedgerPoster
	platformWallet string
	now            func() time.Time
}

func NewEngine(st ContractStore, lg LedgerPoster, platformWallet string) *Engine {
	return &Engine{store: st, ledger: lg, platformWallet: platformWallet, now: time.Now}
}

// Transition attempts a state change on behalf of an actor. On success the
// new state is persisted under a compare-and-swap, a ContractStateChanged
// event is recorded, and the escrow evaluator runs for the moments that move
// funds.
func (e *Engine) Transition(ctx context.Context, contractID string, target domain.ContractState, actor domain.Actor) (domain.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := domain.ValidateTransition(c, target, actor); err != nil {
		return domain.Contract{}, err
	}
	occ, owes := settlementOccasion(c.State, target)
	var pending domain.SettlementOccasion
	if owes {
		pending = occ
	}
	if err := e.store.UpdateStateCAS(ctx, contractID, target, pending, c.RowVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return domain.Contract{}, domain.ErrConcurrentModification
		}
		return domain.Contract{}, err
	}
	transitionsTotal.WithLabelValues(string(target)).Inc()

	from := c.State
	c.State = target
	c.PendingSettlement = pending
	c.RowVersion++
	c.UpdatedAt = e.now().UTC()

	_ = e.store.AddEvent(ctx, contractID, "ContractStateChanged", actor.AgentID, map[string]any{
		"from": string(from), "to": string(target),
	})

	if owes {
		if err := e.settle(ctx, &c, occ, actor); err != nil {
			return domain.Contract{}, err
		}
	}
	return c, nil
}

// RetrySettlement re-runs the escrow evaluator for a contract whose state
// change committed but whose ledger entries never posted. The pending
// marker written alongside the state change makes the retry safe: a posting
// either fully commits and clears the marker or fully rolls back.
func (e *Engine) RetrySettlement(ctx context.Context, contractID string, actor domain.Actor) (domain.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if _, isParty := c.RoleOf(actor.AgentID); !isParty && actor.Role != domain.RoleArbiter {
		return domain.Contract{}, fmt.Errorf("%w: agent %s is not a party", domain.ErrUnauthorizedActor, actor.AgentID)
	}
	if c.PendingSettlement == "" {
		return domain.Contract{}, ErrNoPendingSettlement
	}
	if err := e.settle(ctx, &c, c.PendingSettlement, actor); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// settlementOccasion maps a taken edge to the escrow evaluator moment, if
// any. A rejection before signing never held funds, so only the dispute-loss
// paths refund.
func settlementOccasion(from, to domain.ContractState) (domain.SettlementOccasion, bool) {
	switch {
	case to == domain.StateSigned:
		return domain.OccasionSigned, true
	case to == domain.StateCompleted:
		return domain.OccasionCompleted, true
	case to == domain.StateRejected && from == domain.StateDisputed:
		return domain.OccasionRefunded, true
	case to == domain.StateResolved:
		return domain.OccasionRefunded, true
	}
	return "", false
}

func (e *Engine) settle(ctx context.Context, c *domain.Contract, occ domain.SettlementOccasion, actor domain.Actor) error {
	intents, err := domain.EvaluateSettlement(*c, e.platformWallet, occ)
	if err != nil {
		return err
	}
	if len(intents) > 0 {
		ids, err := e.ledger.Post(ctx, intents)
		if err != nil {
			slog.ErrorContext(ctx, "settlement posting failed, contract keeps its pending marker",
				"contract_id", c.ContractID, "occasion", string(occ), "error", err)
			return err
		}
		slog.InfoContext(ctx, "settlement posted",
			"contract_id", c.ContractID, "occasion", string(occ), "entries", len(ids))
		_ = e.store.AddEvent(ctx, c.ContractID, "SettlementPosted", actor.AgentID, map[string]any{
			"occasion": string(occ), "transaction_ids": ids,
		})
	}
	if err := e.store.ClearPendingSettlement(ctx, c.ContractID); err != nil {
		return err
	}
	c.PendingSettlement = ""
	return nil
}

// Sign records one party's signature over the contract content. The content
// hash freezes with the first signature; signing is only possible while the
// contract is in proposed.
func (e *Engine) Sign(ctx context.Context, contractID, signature string, actor domain.Actor) (domain.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.State != domain.StateProposed {
		return domain.Contract{}, fmt.Errorf("%w: signatures are collected in proposed, contract is %s", domain.ErrPreconditionFailed, c.State)
	}
	role, isParty := c.RoleOf(actor.AgentID)
	if !isParty {
		return domain.Contract{}, fmt.Errorf("%w: agent %s is not a party", domain.ErrUnauthorizedActor, actor.AgentID)
	}
	hash := c.ContentHash
	if hash == "" {
		hash, err = domain.ContentHash(c)
		if err != nil {
			return domain.Contract{}, err
		}
	}
	if err := e.store.SetSignature(ctx, contractID, role, signature, hash, c.RowVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return domain.Contract{}, domain.ErrConcurrentModification
		}
		return domain.Contract{}, err
	}
	_ = e.store.AddEvent(ctx, contractID, "ContractSigned", actor.AgentID, map[string]any{"role": string(role)})

	if role == domain.RoleSeeker {
		c.SeekerSignature = signature
	} else {
		c.WorkerSignature = signature
	}
	c.ContentHash = hash
	c.RowVersion++
	c.UpdatedAt = e.now().UTC()
	return c, nil
}

// Accept records the seeker's explicit acceptance after completion and
// releases payment for on_acceptance contracts.
func (e *Engine) Accept(ctx context.Context, contractID string, actor domain.Actor) (domain.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.State != domain.StateCompleted {
		return domain.Contract{}, fmt.Errorf("%w: acceptance requires a completed contract", ErrContractNotCompleted)
	}
	if role, ok := c.RoleOf(actor.AgentID); !ok || role != domain.RoleSeeker {
		return domain.Contract{}, fmt.Errorf("%w: only the seeker accepts delivery", domain.ErrUnauthorizedActor)
	}
	if c.Terms.PaymentTrigger != domain.TriggerOnAcceptance {
		return domain.Contract{}, ErrAcceptanceNotNeeded
	}
	if c.AcceptedAt != nil {
		return domain.Contract{}, ErrAlreadyAccepted
	}
	if err := e.store.SetAccepted(ctx, contractID, c.RowVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return domain.Contract{}, domain.ErrConcurrentModification
		}
		return domain.Contract{}, err
	}
	now := e.now().UTC()
	c.AcceptedAt = &now
	c.PendingSettlement = domain.OccasionAccepted
	c.RowVersion++
	c.UpdatedAt = now

	_ = e.store.AddEvent(ctx, contractID, "ContractAccepted", actor.AgentID, nil)
	if err := e.settle(ctx, &c, domain.OccasionAccepted, actor); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// UpdateContent replaces the task and terms of a contract that has not
// started signing. Negotiation edits are open to either party through
// draft and proposed; the first signature freezes the content.
func (e *Engine) UpdateContent(ctx context.Context, contractID string, task domain.Task, terms domain.Terms, actor domain.Actor) (domain.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if _, isParty := c.RoleOf(actor.AgentID); !isParty {
		return domain.Contract{}, fmt.Errorf("%w: agent %s is not a party", domain.ErrUnauthorizedActor, actor.AgentID)
	}
	if !c.Mutable() || c.SeekerSignature != "" || c.WorkerSignature != "" {
		return domain.Contract{}, fmt.Errorf("%w: content is editable until the first signature", ErrContentLocked)
	}
	if err := terms.Validate(); err != nil {
		if errors.Is(err, domain.ErrMilestoneUnsupported) {
			return domain.Contract{}, err
		}
		return domain.Contract{}, fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	}
	if err := e.store.UpdateContent(ctx, contractID, task, terms, c.RowVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return domain.Contract{}, domain.ErrConcurrentModification
		}
		return domain.Contract{}, err
	}
	c.Task = task
	c.Terms = terms
	c.RowVersion++
	c.UpdatedAt = e.now().UTC()
	_ = e.store.AddEvent(ctx, contractID, "ContractContentUpdated", actor.AgentID, nil)
	return c, nil
}

// CreateFeedback records the seeker's review of the worker for a completed
// contract. Exactly one review per contract in that direction.
func (e *Engine) CreateFeedback(ctx context.Context, contractID string, actor domain.Actor, f domain.Feedback) (domain.Feedback, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Feedback{}, err
	}
	if c.State != domain.StateCompleted {
		return domain.Feedback{}, fmt.Errorf("%w: feedback requires state completed, contract is %s", ErrContractNotCompleted, c.State)
	}
	if role, ok := c.RoleOf(actor.AgentID); !ok || role != domain.RoleSeeker {
		return domain.Feedback{}, fmt.Errorf("%w: only the seeker reviews the worker", domain.ErrUnauthorizedActor)
	}
	f.ContractID = c.ContractID
	f.SeekerAgentID = c.Seeker.AgentID
	f.WorkerAgentID = c.Worker.AgentID
	f.CreatedAt = e.now().UTC()
	if err := f.Validate(); err != nil {
		return domain.Feedback{}, err
	}
	if err := e.store.CreateFeedback(ctx, f); err != nil {
		return domain.Feedback{}, err
	}
	_ = e.store.AddEvent(ctx, contractID, "FeedbackCreated", actor.AgentID, map[string]any{
		"feedback_id": f.FeedbackID, "rating": f.Rating,
	})
	return f, nil
}
