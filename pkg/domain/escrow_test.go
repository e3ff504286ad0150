package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOnDeliverySplitSumsToZero(t *testing.T) {
	c := contractIn(StateCompleted)
	c.Terms.PriceAmount = "100"
	c.Terms.PlatformFeePercentage = 5

	intents, err := EvaluateSettlement(c, "0xplatform", OccasionCompleted)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("expected 3 intents, got %d", len(intents))
	}
	byType := map[TransactionType]LedgerIntent{}
	sum := decimal.Zero
	for _, in := range intents {
		byType[in.Type] = in
		sum = sum.Add(in.Amount)
	}
	if !sum.IsZero() {
		t.Fatalf("intents must sum to zero, got %s", sum)
	}
	if got := byType[TxnTaskPayment].Amount; !got.Equal(decimal.RequireFromString("-100")) {
		t.Fatalf("seeker payment = %s, want -100", got)
	}
	if got := byType[TxnTaskEarning].Amount; !got.Equal(decimal.RequireFromString("95")) {
		t.Fatalf("worker earning = %s, want 95", got)
	}
	if got := byType[TxnPlatformFee].Amount; !got.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("platform fee = %s, want 5", got)
	}
}

func TestOnDeliveryPaysNothingBeforeCompletion(t *testing.T) {
	c := contractIn(StateSigned)
	intents, err := EvaluateSettlement(c, "0xplatform", OccasionSigned)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("expected no intents at signing for on_delivery, got %d", len(intents))
	}
}

func TestOnAcceptanceWaitsForExplicitAccept(t *testing.T) {
	c := contractIn(StateCompleted)
	c.Terms.PaymentTrigger = TriggerOnAcceptance

	intents, err := EvaluateSettlement(c, "0xplatform", OccasionCompleted)
	if err != nil || len(intents) != 0 {
		t.Fatalf("expected no intents at completion, got %d err=%v", len(intents), err)
	}
	intents, err = EvaluateSettlement(c, "0xplatform", OccasionAccepted)
	if err != nil || len(intents) != 3 {
		t.Fatalf("expected release on acceptance, got %d err=%v", len(intents), err)
	}
}

func TestEscrowHoldAtSigning(t *testing.T) {
	c := contractIn(StateSigned)
	c.Terms.PaymentTrigger = TriggerEscrow

	intents, err := EvaluateSettlement(c, "0xplatform", OccasionSigned)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("expected seeker debit plus escrow credit, got %d", len(intents))
	}
	if intents[0].Wallet != c.Seeker.Wallet || !intents[0].Amount.Equal(decimal.RequireFromString("-100")) {
		t.Fatalf("expected -100 hold on seeker wallet, got %+v", intents[0])
	}
	if intents[1].Wallet != EscrowWallet || !intents[1].Amount.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected +100 into escrow, got %+v", intents[1])
	}
}

func TestEscrowRejectRefundsSeekerInFull(t *testing.T) {
	c := contractIn(StateRejected)
	c.Terms.PaymentTrigger = TriggerEscrow

	intents, err := EvaluateSettlement(c, "0xplatform", OccasionRefunded)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	var refund, earning int
	for _, in := range intents {
		if in.Type == TxnRefund {
			refund++
			if in.Wallet != c.Seeker.Wallet || !in.Amount.Equal(decimal.RequireFromString("100")) {
				t.Fatalf("expected full +100 refund to seeker, got %+v", in)
			}
		}
		if in.Type == TxnTaskEarning {
			earning++
		}
	}
	if refund != 1 {
		t.Fatalf("expected exactly one refund intent, got %d", refund)
	}
	if earning != 0 {
		t.Fatalf("expected zero worker earning on refund, got %d", earning)
	}
}

func TestMilestoneTriggerRejected(t *testing.T) {
	c := contractIn(StateCompleted)
	c.Terms.PaymentTrigger = TriggerMilestone

	_, err := EvaluateSettlement(c, "0xplatform", OccasionCompleted)
	if !errors.Is(err, ErrMilestoneUnsupported) {
		t.Fatalf("expected ErrMilestoneUnsupported, got %v", err)
	}
}

func TestSplitPriceNeverDoubleRounds(t *testing.T) {
	price := decimal.RequireFromString("0.000003")
	fee, net := SplitPrice(price, 33)
	if !fee.Add(net).Equal(price) {
		t.Fatalf("fee %s + net %s != price %s", fee, net, price)
	}
}

func TestTermsValidateBounds(t *testing.T) {
	terms := Terms{PriceAmount: "100", PaymentTrigger: TriggerOnDelivery, PlatformFeePercentage: 101}
	if err := terms.Validate(); err == nil {
		t.Fatal("expected fee percentage above 100 to be rejected")
	}
	terms = Terms{PriceAmount: "not-a-number", PaymentTrigger: TriggerOnDelivery, PlatformFeePercentage: 5}
	if err := terms.Validate(); err == nil {
		t.Fatal("expected non-decimal price to be rejected")
	}
	terms = Terms{PriceAmount: "100", PaymentTrigger: TriggerMilestone, PlatformFeePercentage: 5}
	if err := terms.Validate(); !errors.Is(err, ErrMilestoneUnsupported) {
		t.Fatalf("expected milestone rejection, got %v", err)
	}
}
