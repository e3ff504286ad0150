package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawrr/clawrr/pkg/domain"
	"github.com/clawrr/clawrr/services/contracts/internal/store"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	contract  domain.Contract
	feedbacks map[string]domain.Feedback
	events    []string

	// readView, when set, is served by GetContract instead of the current
	// row, simulating a reader holding a stale snapshot during a race.
	readView *domain.Contract
}

func newFakeStore(c domain.Contract) *fakeStore {
	return &fakeStore{contract: c, feedbacks: map[string]domain.Feedback{}}
}

func (f *fakeStore) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	if id != f.contract.ContractID {
		return domain.Contract{}, store.ErrNotFound
	}
	if f.readView != nil {
		return *f.readView, nil
	}
	return f.contract, nil
}

func (f *fakeStore) UpdateStateCAS(ctx context.Context, id string, target domain.ContractState, pending domain.SettlementOccasion, expectedVersion int64) error {
	if expectedVersion != f.contract.RowVersion {
		return store.ErrVersionConflict
	}
	f.contract.State = target
	f.contract.PendingSettlement = pending
	f.contract.RowVersion++
	return nil
}

func (f *fakeStore) UpdateContent(ctx context.Context, id string, task domain.Task, terms domain.Terms, expectedVersion int64) error {
	if expectedVersion != f.contract.RowVersion {
		return store.ErrVersionConflict
	}
	f.contract.Task = task
	f.contract.Terms = terms
	f.contract.RowVersion++
	return nil
}

func (f *fakeStore) ClearPendingSettlement(ctx context.Context, id string) error {
	f.contract.PendingSettlement = ""
	return nil
}

func (f *fakeStore) SetSignature(ctx context.Context, id string, role domain.Role, signature, contentHash string, expectedVersion int64) error {
	if expectedVersion != f.contract.RowVersion {
		return store.ErrVersionConflict
	}
	if role == domain.RoleSeeker {
		f.contract.SeekerSignature = signature
	} else {
		f.contract.WorkerSignature = signature
	}
	f.contract.ContentHash = contentHash
	f.contract.RowVersion++
	return nil
}

func (f *fakeStore) SetAccepted(ctx context.Context, id string, expectedVersion int64) error {
	if expectedVersion != f.contract.RowVersion || f.contract.AcceptedAt != nil {
		return store.ErrVersionConflict
	}
	now := time.Now()
	f.contract.AcceptedAt = &now
	f.contract.PendingSettlement = domain.OccasionAccepted
	f.contract.RowVersion++
	return nil
}

func (f *fakeStore) AddEvent(ctx context.Context, contractID, typ, actorID string, payload map[string]any) error {
	f.events = append(f.events, typ)
	return nil
}

func (f *fakeStore) CreateFeedback(ctx context.Context, fb domain.Feedback) error {
	if _, ok := f.feedbacks[fb.ContractID]; ok {
		return store.ErrFeedbackExists
	}
	f.feedbacks[fb.ContractID] = fb
	return nil
}

type fakeLedger struct {
	posted [][]domain.LedgerIntent
	err    error
}

func (f *fakeLedger) Post(ctx context.Context, intents []domain.LedgerIntent) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.posted = append(f.posted, intents)
	ids := make([]string, len(intents))
	for i := range intents {
		ids[i] = "txn_fake"
	}
	return ids, nil
}

func testContract(state domain.ContractState, trigger domain.PaymentTrigger) domain.Contract {
	return domain.Contract{
		ContractID: "ctr_1",
		Version:    domain.ContractVersion,
		State:      state,
		Seeker:     domain.Party{AgentID: "agt_s", Wallet: "0xseeker"},
		Worker:     domain.Party{AgentID: "agt_w", Wallet: "0xworker"},
		Task:       domain.Task{Description: "summarize corpus"},
		Terms: domain.Terms{
			PriceAmount:           "100",
			PriceCurrency:         "USDC",
			PriceNetwork:          "base",
			PaymentTrigger:        trigger,
			PlatformFeePercentage: 5,
		},
		RowVersion: 1,
	}
}

var (
	seeker = domain.Actor{AgentID: "agt_s", Role: domain.RoleSeeker}
	worker = domain.Actor{AgentID: "agt_w", Role: domain.RoleWorker}
)

func TestTransitionToCompletedReleasesOnDelivery(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	lg := &fakeLedger{}
	eng := NewEngine(st, lg, "0xplatform")

	c, err := eng.Transition(context.Background(), "ctr_1", domain.StateCompleted, seeker)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", c.State)
	}
	if len(lg.posted) != 1 || len(lg.posted[0]) != 3 {
		t.Fatalf("expected one 3-entry posting, got %+v", lg.posted)
	}
	sum := decimal.Zero
	for _, in := range lg.posted[0] {
		sum = sum.Add(in.Amount)
	}
	if !sum.IsZero() {
		t.Fatalf("posted intents must sum to zero, got %s", sum)
	}
}

func TestTransitionInvalidEdge(t *testing.T) {
	st := newFakeStore(testContract(domain.StateDraft, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	_, err := eng.Transition(context.Background(), "ctr_1", domain.StateExecuting, seeker)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(st.events) != 0 {
		t.Fatalf("rejected transition must not emit events, got %v", st.events)
	}
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")
	ctx := context.Background()

	// Both callers read the same executing snapshot before either writes.
	snapshot := st.contract
	_, err1 := eng.Transition(ctx, "ctr_1", domain.StateCompleted, seeker)
	st.readView = &snapshot
	_, err2 := eng.Transition(ctx, "ctr_1", domain.StateDisputed, worker)

	if err1 != nil {
		t.Fatalf("first transition should win, got %v", err1)
	}
	if !errors.Is(err2, domain.ErrConcurrentModification) {
		t.Fatalf("second transition should lose the race, got %v", err2)
	}
}

func TestEscrowHoldPostedAtSigning(t *testing.T) {
	c := testContract(domain.StateProposed, domain.TriggerEscrow)
	c.SeekerSignature = "sig-s"
	c.WorkerSignature = "sig-w"
	st := newFakeStore(c)
	lg := &fakeLedger{}
	eng := NewEngine(st, lg, "0xplatform")

	if _, err := eng.Transition(context.Background(), "ctr_1", domain.StateSigned, worker); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(lg.posted) != 1 || len(lg.posted[0]) != 2 {
		t.Fatalf("expected escrow hold posting, got %+v", lg.posted)
	}
	if lg.posted[0][0].Type != domain.TxnEscrowHold {
		t.Fatalf("expected escrow hold intent, got %s", lg.posted[0][0].Type)
	}
}

func TestEscrowDisputeLossRefunds(t *testing.T) {
	st := newFakeStore(testContract(domain.StateDisputed, domain.TriggerEscrow))
	lg := &fakeLedger{}
	eng := NewEngine(st, lg, "0xplatform")
	arbiter := domain.Actor{AgentID: "agt_admin", Role: domain.RoleArbiter}

	if _, err := eng.Transition(context.Background(), "ctr_1", domain.StateRejected, arbiter); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	var sawRefund bool
	for _, in := range lg.posted[0] {
		if in.Type == domain.TxnRefund && in.Wallet == "0xseeker" {
			sawRefund = true
		}
		if in.Type == domain.TxnTaskEarning {
			t.Fatal("refund path must not pay the worker")
		}
	}
	if !sawRefund {
		t.Fatalf("expected seeker refund, got %+v", lg.posted)
	}
}

func TestFailedPostingKeepsPendingMarker(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	lg := &fakeLedger{err: errors.New("ledger down")}
	eng := NewEngine(st, lg, "0xplatform")

	_, err := eng.Transition(context.Background(), "ctr_1", domain.StateCompleted, seeker)
	if err == nil {
		t.Fatal("expected posting failure to surface")
	}
	if st.contract.State != domain.StateCompleted {
		t.Fatalf("state change is committed before posting, got %s", st.contract.State)
	}
	if st.contract.PendingSettlement != domain.OccasionCompleted {
		t.Fatalf("owed posting must stay marked, got %q", st.contract.PendingSettlement)
	}
	if len(lg.posted) != 0 {
		t.Fatalf("nothing may post while the ledger errors, got %+v", lg.posted)
	}
}

func TestRetrySettlementPostsOwedEntries(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	lg := &fakeLedger{err: errors.New("ledger down")}
	eng := NewEngine(st, lg, "0xplatform")
	ctx := context.Background()

	if _, err := eng.Transition(ctx, "ctr_1", domain.StateCompleted, seeker); err == nil {
		t.Fatal("expected posting failure to surface")
	}

	lg.err = nil
	c, err := eng.RetrySettlement(ctx, "ctr_1", seeker)
	if err != nil {
		t.Fatalf("retry after the ledger recovers: %v", err)
	}
	if len(lg.posted) != 1 || len(lg.posted[0]) != 3 {
		t.Fatalf("expected the owed release posting, got %+v", lg.posted)
	}
	if c.PendingSettlement != "" || st.contract.PendingSettlement != "" {
		t.Fatal("successful retry must clear the pending marker")
	}

	if _, err := eng.RetrySettlement(ctx, "ctr_1", seeker); !errors.Is(err, ErrNoPendingSettlement) {
		t.Fatalf("second retry must find nothing owed, got %v", err)
	}
}

func TestRetrySettlementRequiresParty(t *testing.T) {
	c := testContract(domain.StateCompleted, domain.TriggerOnDelivery)
	c.PendingSettlement = domain.OccasionCompleted
	st := newFakeStore(c)
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	stranger := domain.Actor{AgentID: "agt_x", Role: domain.RoleWorker}
	if _, err := eng.RetrySettlement(context.Background(), "ctr_1", stranger); !errors.Is(err, domain.ErrUnauthorizedActor) {
		t.Fatalf("expected ErrUnauthorizedActor, got %v", err)
	}
}

func TestRejectionBeforeSigningMovesNoFunds(t *testing.T) {
	st := newFakeStore(testContract(domain.StateProposed, domain.TriggerEscrow))
	lg := &fakeLedger{}
	eng := NewEngine(st, lg, "0xplatform")

	if _, err := eng.Transition(context.Background(), "ctr_1", domain.StateRejected, worker); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(lg.posted) != 0 {
		t.Fatalf("no funds were held, nothing to refund: %+v", lg.posted)
	}
}

func TestSignRecordsSignatureAndFreezesHash(t *testing.T) {
	st := newFakeStore(testContract(domain.StateProposed, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")
	ctx := context.Background()

	c, err := eng.Sign(ctx, "ctr_1", "sig-seeker", seeker)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.SeekerSignature != "sig-seeker" || c.ContentHash == "" {
		t.Fatalf("expected signature and content hash, got %+v", c)
	}
	c2, err := eng.Sign(ctx, "ctr_1", "sig-worker", worker)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c2.ContentHash != c.ContentHash {
		t.Fatal("content hash must not change between signatures")
	}
	if !c2.FullySigned() {
		t.Fatal("expected both signatures recorded")
	}
}

func TestUpdateContentDuringNegotiation(t *testing.T) {
	st := newFakeStore(testContract(domain.StateProposed, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	task := domain.Task{Description: "summarize corpus, include citations"}
	terms := st.contract.Terms
	terms.PriceAmount = "150"
	c, err := eng.UpdateContent(context.Background(), "ctr_1", task, terms, worker)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Terms.PriceAmount != "150" || st.contract.Task.Description != task.Description {
		t.Fatalf("content update not applied: %+v", st.contract)
	}
}

func TestUpdateContentLockedByFirstSignature(t *testing.T) {
	c := testContract(domain.StateProposed, domain.TriggerOnDelivery)
	c.SeekerSignature = "sig-s"
	st := newFakeStore(c)
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	_, err := eng.UpdateContent(context.Background(), "ctr_1", c.Task, c.Terms, worker)
	if !errors.Is(err, ErrContentLocked) {
		t.Fatalf("expected ErrContentLocked, got %v", err)
	}

	st2 := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	eng2 := NewEngine(st2, &fakeLedger{}, "0xplatform")
	if _, err := eng2.UpdateContent(context.Background(), "ctr_1", st2.contract.Task, st2.contract.Terms, seeker); !errors.Is(err, ErrContentLocked) {
		t.Fatalf("expected ErrContentLocked past proposed, got %v", err)
	}
}

func TestSignOutsideProposedRejected(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	_, err := eng.Sign(context.Background(), "ctr_1", "sig", seeker)
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestAcceptReleasesOnAcceptanceOnce(t *testing.T) {
	st := newFakeStore(testContract(domain.StateCompleted, domain.TriggerOnAcceptance))
	lg := &fakeLedger{}
	eng := NewEngine(st, lg, "0xplatform")
	ctx := context.Background()

	if _, err := eng.Accept(ctx, "ctr_1", seeker); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(lg.posted) != 1 || len(lg.posted[0]) != 3 {
		t.Fatalf("expected release posting on accept, got %+v", lg.posted)
	}
	if _, err := eng.Accept(ctx, "ctr_1", seeker); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted, got %v", err)
	}
	if len(lg.posted) != 1 {
		t.Fatal("double accept must not post twice")
	}
}

func TestAcceptRequiresSeeker(t *testing.T) {
	st := newFakeStore(testContract(domain.StateCompleted, domain.TriggerOnAcceptance))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	_, err := eng.Accept(context.Background(), "ctr_1", worker)
	if !errors.Is(err, domain.ErrUnauthorizedActor) {
		t.Fatalf("expected ErrUnauthorizedActor, got %v", err)
	}
}

func TestFeedbackGatedOnCompletion(t *testing.T) {
	st := newFakeStore(testContract(domain.StateExecuting, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")
	ctx := context.Background()
	fb := domain.Feedback{FeedbackID: "fb_1", Rating: 5, Tags: []domain.FeedbackTag{domain.TagFast}}

	if _, err := eng.CreateFeedback(ctx, "ctr_1", seeker, fb); !errors.Is(err, ErrContractNotCompleted) {
		t.Fatalf("expected ErrContractNotCompleted, got %v", err)
	}

	st.contract.State = domain.StateCompleted
	got, err := eng.CreateFeedback(ctx, "ctr_1", seeker, fb)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.WorkerAgentID != "agt_w" || got.SeekerAgentID != "agt_s" {
		t.Fatalf("feedback parties not derived from contract: %+v", got)
	}

	if _, err := eng.CreateFeedback(ctx, "ctr_1", seeker, fb); !errors.Is(err, store.ErrFeedbackExists) {
		t.Fatalf("expected ErrFeedbackExists, got %v", err)
	}
}

func TestFeedbackRejectsBadRating(t *testing.T) {
	st := newFakeStore(testContract(domain.StateCompleted, domain.TriggerOnDelivery))
	eng := NewEngine(st, &fakeLedger{}, "0xplatform")

	_, err := eng.CreateFeedback(context.Background(), "ctr_1", seeker, domain.Feedback{FeedbackID: "fb_1", Rating: 0})
	if err == nil {
		t.Fatal("expected rating 0 to be rejected")
	}
}
