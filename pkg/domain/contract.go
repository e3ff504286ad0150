package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ContractVersion is the wire protocol version stamped on every contract.
const ContractVersion = "HIRE/1.0"

type ContractState string

const (
	StateDraft     ContractState = "draft"
	StateProposed  ContractState = "proposed"
	StateSigned    ContractState = "signed"
	StateExecuting ContractState = "executing"
	StateCompleted ContractState = "completed"
	StateRejected  ContractState = "rejected"
	StateDisputed  ContractState = "disputed"
	StateResolved  ContractState = "resolved"
)

func ParseContractState(s string) (ContractState, error) {
	switch ContractState(s) {
	case StateDraft, StateProposed, StateSigned, StateExecuting,
		StateCompleted, StateRejected, StateDisputed, StateResolved:
		return ContractState(s), nil
	}
	return "", fmt.Errorf("unknown contract state %q", s)
}

// Terminal reports whether the state has no outbound transitions.
func (s ContractState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateResolved:
		return true
	}
	return false
}

type PaymentTrigger string

const (
	TriggerOnDelivery   PaymentTrigger = "on_delivery"
	TriggerOnAcceptance PaymentTrigger = "on_acceptance"
	TriggerEscrow       PaymentTrigger = "escrow"
	TriggerMilestone    PaymentTrigger = "milestone"
)

func ParsePaymentTrigger(s string) (PaymentTrigger, error) {
	switch PaymentTrigger(s) {
	case TriggerOnDelivery, TriggerOnAcceptance, TriggerEscrow, TriggerMilestone:
		return PaymentTrigger(s), nil
	}
	return "", fmt.Errorf("unknown payment trigger %q", s)
}

type Role string

const (
	RoleSeeker  Role = "SEEKER"
	RoleWorker  Role = "WORKER"
	RoleArbiter Role = "ARBITER"
)

// Actor is the resolved identity attempting an operation on a contract.
type Actor struct {
	AgentID string
	Role    Role
}

type Party struct {
	AgentID string `json:"agent_id"`
	Wallet  string `json:"wallet"`
}

type Task struct {
	Description  string         `json:"description"`
	Requirements []string       `json:"requirements"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Terms carries the agreed price. PriceAmount stays a decimal string end to
// end so financial math never touches floating point.
type Terms struct {
	PriceAmount           string         `json:"price_amount"`
	PriceCurrency         string         `json:"price_currency"`
	PriceNetwork          string         `json:"price_network"`
	Deadline              *time.Time     `json:"deadline,omitempty"`
	PaymentTrigger        PaymentTrigger `json:"payment_trigger"`
	PlatformFeePercentage int            `json:"platform_fee_percentage"`
}

// Validate rejects terms that must never reach the store.
func (t Terms) Validate() error {
	price, err := decimal.NewFromString(t.PriceAmount)
	if err != nil {
		return fmt.Errorf("price_amount is not a decimal: %w", err)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("price_amount must be positive")
	}
	if t.PlatformFeePercentage < 0 || t.PlatformFeePercentage > 100 {
		return fmt.Errorf("platform_fee_percentage must be within [0,100]")
	}
	if _, err := ParsePaymentTrigger(string(t.PaymentTrigger)); err != nil {
		return err
	}
	if t.PaymentTrigger == TriggerMilestone {
		return ErrMilestoneUnsupported
	}
	return nil
}

// Price returns the parsed amount. Terms must have been validated first.
func (t Terms) Price() decimal.Decimal {
	d, _ := decimal.NewFromString(t.PriceAmount)
	return d
}

type Contract struct {
	ContractID      string        `json:"contract_id"`
	Version         string        `json:"version"`
	State           ContractState `json:"state"`
	Seeker          Party         `json:"seeker"`
	Worker          Party         `json:"worker"`
	Task            Task          `json:"task"`
	Terms           Terms         `json:"terms"`
	ContentHash     string        `json:"content_hash,omitempty"`
	SeekerSignature string        `json:"seeker_signature,omitempty"`
	WorkerSignature string        `json:"worker_signature,omitempty"`

	// AcceptedAt records the seeker's explicit acceptance after completion,
	// the release condition for the on_acceptance payment trigger.
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	// PendingSettlement is set in the same write as the state change that
	// owes ledger entries, and cleared once they post. A non-empty value on
	// a loaded contract means the posting failed and must be retried.
	PendingSettlement SettlementOccasion `json:"pending_settlement,omitempty"`

	// RowVersion is the optimistic concurrency token; every persisted state
	// change increments it.
	RowVersion int64     `json:"row_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FullySigned reports whether both parties have signed.
func (c Contract) FullySigned() bool {
	return c.SeekerSignature != "" && c.WorkerSignature != ""
}

// Mutable reports whether task and terms may still be edited. Once signing
// starts the content is frozen; only state may change.
func (c Contract) Mutable() bool {
	return c.State == StateDraft || c.State == StateProposed
}

// RoleOf maps an agent id to its role on this contract, if any.
func (c Contract) RoleOf(agentID string) (Role, bool) {
	switch agentID {
	case c.Seeker.AgentID:
		return RoleSeeker, true
	case c.Worker.AgentID:
		return RoleWorker, true
	}
	return "", false
}

type TransactionType string

const (
	TxnDeposit       TransactionType = "DEPOSIT"
	TxnWithdrawal    TransactionType = "WITHDRAWAL"
	TxnTaskPayment   TransactionType = "TASK_PAYMENT"
	TxnTaskEarning   TransactionType = "TASK_EARNING"
	TxnPlatformFee   TransactionType = "PLATFORM_FEE"
	TxnRefund        TransactionType = "REFUND"
	TxnEscrowHold    TransactionType = "ESCROW_HOLD"
	TxnEscrowRelease TransactionType = "ESCROW_RELEASE"
)

type TransactionStatus string

const (
	TxnPending   TransactionStatus = "PENDING"
	TxnCompleted TransactionStatus = "COMPLETED"
	TxnFailed    TransactionStatus = "FAILED"
	TxnCancelled TransactionStatus = "CANCELLED"
)

// Final reports whether the status is append-only terminal.
func (s TransactionStatus) Final() bool {
	return s == TxnCompleted || s == TxnFailed
}

// LedgerIntent is a proposed balance-changing entry awaiting atomic commit.
type LedgerIntent struct {
	Wallet      string
	Type        TransactionType
	Amount      decimal.Decimal
	ContractID  string
	Description string
}
