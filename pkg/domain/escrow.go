package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EscrowWallet is the internal holding account for escrowed funds.
const EscrowWallet = "escrow"

// SettlementOccasion names the lifecycle moments at which the escrow
// evaluator is consulted.
type SettlementOccasion string

const (
	OccasionSigned    SettlementOccasion = "SIGNED"
	OccasionCompleted SettlementOccasion = "COMPLETED"
	OccasionAccepted  SettlementOccasion = "ACCEPTED"
	OccasionRefunded  SettlementOccasion = "REFUNDED"
)

// amountScale is the fixed scale for ledger amounts. USDC-style six decimal
// places.
const amountScale = 6

// SplitPrice computes the platform fee and the worker's net for a price.
// The net is derived by subtraction from the rounded fee so the three-way
// split always sums back to the full price exactly.
func SplitPrice(price decimal.Decimal, feePercentage int) (fee, workerNet decimal.Decimal) {
	pct := decimal.NewFromInt(int64(feePercentage))
	fee = price.Mul(pct).Div(decimal.NewFromInt(100)).Round(amountScale)
	workerNet = price.Sub(fee)
	return fee, workerNet
}

// EvaluateSettlement decides which ledger intents a lifecycle moment
// produces for a contract, per its payment trigger policy. A nil slice
// means no funds move at this occasion.
func EvaluateSettlement(c Contract, platformWallet string, occ SettlementOccasion) ([]LedgerIntent, error) {
	if err := c.Terms.Validate(); err != nil {
		return nil, err
	}
	price := c.Terms.Price()

	switch c.Terms.PaymentTrigger {
	case TriggerOnDelivery:
		if occ == OccasionCompleted {
			return releaseIntents(c, platformWallet, price), nil
		}
		return nil, nil

	case TriggerOnAcceptance:
		if occ == OccasionAccepted {
			return releaseIntents(c, platformWallet, price), nil
		}
		return nil, nil

	case TriggerEscrow:
		switch occ {
		case OccasionSigned:
			return []LedgerIntent{{
				Wallet:      c.Seeker.Wallet,
				Type:        TxnEscrowHold,
				Amount:      price.Neg(),
				ContractID:  c.ContractID,
				Description: "funds held in escrow at signing",
			}, {
				Wallet:      EscrowWallet,
				Type:        TxnEscrowHold,
				Amount:      price,
				ContractID:  c.ContractID,
				Description: "escrow holding balance",
			}}, nil
		case OccasionCompleted:
			fee, workerNet := SplitPrice(price, c.Terms.PlatformFeePercentage)
			return []LedgerIntent{{
				Wallet:      EscrowWallet,
				Type:        TxnEscrowRelease,
				Amount:      price.Neg(),
				ContractID:  c.ContractID,
				Description: "escrow released on completion",
			}, {
				Wallet:      c.Worker.Wallet,
				Type:        TxnTaskEarning,
				Amount:      workerNet,
				ContractID:  c.ContractID,
				Description: "task earning from escrow",
			}, {
				Wallet:      platformWallet,
				Type:        TxnPlatformFee,
				Amount:      fee,
				ContractID:  c.ContractID,
				Description: "platform fee from escrow",
			}}, nil
		case OccasionRefunded:
			return []LedgerIntent{{
				Wallet:      EscrowWallet,
				Type:        TxnEscrowRelease,
				Amount:      price.Neg(),
				ContractID:  c.ContractID,
				Description: "escrow released for refund",
			}, {
				Wallet:      c.Seeker.Wallet,
				Type:        TxnRefund,
				Amount:      price,
				ContractID:  c.ContractID,
				Description: "full refund to seeker",
			}}, nil
		}
		return nil, nil

	case TriggerMilestone:
		return nil, ErrMilestoneUnsupported
	}
	return nil, fmt.Errorf("unknown payment trigger %q", c.Terms.PaymentTrigger)
}

// releaseIntents is the direct seeker-to-worker settlement: seeker pays the
// full price, worker receives the net, platform keeps the fee.
func releaseIntents(c Contract, platformWallet string, price decimal.Decimal) []LedgerIntent {
	fee, workerNet := SplitPrice(price, c.Terms.PlatformFeePercentage)
	return []LedgerIntent{{
		Wallet:      c.Seeker.Wallet,
		Type:        TxnTaskPayment,
		Amount:      price.Neg(),
		ContractID:  c.ContractID,
		Description: "payment for completed task",
	}, {
		Wallet:      c.Worker.Wallet,
		Type:        TxnTaskEarning,
		Amount:      workerNet,
		ContractID:  c.ContractID,
		Description: "earning for completed task",
	}, {
		Wallet:      platformWallet,
		Type:        TxnPlatformFee,
		Amount:      fee,
		ContractID:  c.ContractID,
		Description: "platform fee",
	}}
}
