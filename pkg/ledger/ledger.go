package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawrr/clawrr/pkg/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrLedgerInconsistency wraps any failure inside a multi-entry posting.
	// The transaction is rolled back; partial postings are never observable.
	ErrLedgerInconsistency = errors.New("ledger posting failed, rolled back")
	ErrAlreadyFinal        = errors.New("transaction already in a final status")
	ErrTransactionNotFound = errors.New("transaction not found")
)

var postingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clawrr_ledger_postings_total",
	Help: "Ledger entries posted, by transaction type.",
}, []string{"type", "status"})

type Ledger struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Ledger { return &Ledger{DB: db} }

// settlesInternally reports whether a transaction type moves funds the
// platform itself holds. Internal moves post COMPLETED and adjust balances
// in the same commit; provider-executed moves post PENDING until the
// settlement callback confirms them.
func settlesInternally(t domain.TransactionType) bool {
	switch t {
	case domain.TxnEscrowHold, domain.TxnEscrowRelease, domain.TxnRefund:
		return true
	}
	return false
}

// Post applies a set of ledger intents in one database transaction. Either
// every entry commits or none do.
func (l *Ledger) Post(ctx context.Context, intents []domain.LedgerIntent) ([]string, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	for _, in := range intents {
		if in.Wallet == "" {
			return nil, fmt.Errorf("%w: intent with empty wallet", ErrLedgerInconsistency)
		}
		if in.Amount.IsZero() {
			return nil, fmt.Errorf("%w: intent with zero amount", ErrLedgerInconsistency)
		}
	}

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(intents))
	for _, in := range intents {
		status := domain.TxnPending
		if settlesInternally(in.Type) {
			status = domain.TxnCompleted
		}
		id := "txn_" + uuid.NewString()
		if _, err := tx.Exec(ctx, `
INSERT INTO transactions(txn_id,wallet,type,amount,status,contract_id,description)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
			id, in.Wallet, string(in.Type), in.Amount.String(), string(status), in.ContractID, in.Description); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
		}
		if status == domain.TxnCompleted {
			if err := applyBalance(ctx, tx, in.Wallet, in.Amount.String()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
			}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}
	for _, in := range intents {
		status := domain.TxnPending
		if settlesInternally(in.Type) {
			status = domain.TxnCompleted
		}
		postingsTotal.WithLabelValues(string(in.Type), string(status)).Inc()
	}
	return ids, nil
}

// Confirm finalizes a PENDING transaction once the settlement provider
// reports the fund movement. Completed entries apply their balance delta in
// the same commit; failed ones never touch balances. Final statuses are
// append-only.
func (l *Ledger) Confirm(ctx context.Context, txnID string, succeeded bool) error {
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var wallet, amount, status string
	err = tx.QueryRow(ctx, `
SELECT wallet, amount::text, status FROM transactions WHERE txn_id=$1 FOR UPDATE`, txnID).
		Scan(&wallet, &amount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransactionNotFound
		}
		return err
	}
	if domain.TransactionStatus(status).Final() {
		return ErrAlreadyFinal
	}

	next := domain.TxnFailed
	if succeeded {
		next = domain.TxnCompleted
	}
	if _, err := tx.Exec(ctx, `UPDATE transactions SET status=$1, settled_at=now() WHERE txn_id=$2`, string(next), txnID); err != nil {
		return err
	}
	if succeeded {
		if err := applyBalance(ctx, tx, wallet, amount); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	postingsTotal.WithLabelValues("confirmation", string(next)).Inc()
	return nil
}

func applyBalance(ctx context.Context, tx pgx.Tx, wallet, amount string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO wallet_balances(wallet,balance) VALUES($1,$2::numeric)
ON CONFLICT (wallet) DO UPDATE SET balance=wallet_balances.balance+$2::numeric, updated_at=now()`,
		wallet, amount)
	return err
}
