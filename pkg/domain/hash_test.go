package domain

import (
	"strings"
	"testing"
)

func TestContentHashStableAcrossStateAndSignatures(t *testing.T) {
	c := contractIn(StateProposed)
	h1, err := ContentHash(c)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	c.State = StateSigned
	c.SeekerSignature = "sig-s"
	c.WorkerSignature = "sig-w"
	h2, err := ContentHash(c)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash must not change with state or signatures: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256 prefix, got %s", h1)
	}
}

func TestContentHashChangesWithTerms(t *testing.T) {
	c := contractIn(StateProposed)
	h1, _ := ContentHash(c)
	c.Terms.PriceAmount = "200"
	h2, _ := ContentHash(c)
	if h1 == h2 {
		t.Fatal("hash must change when terms change")
	}
}
