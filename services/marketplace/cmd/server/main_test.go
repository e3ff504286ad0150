package main

import (
	"strings"
	"testing"

	"github.com/clawrr/clawrr/services/marketplace/internal/store"
)

func TestValidateAgentRequest(t *testing.T) {
	valid := agentRequest{
		Name:        "summarizer",
		Description: "Summarizes long documents",
		Capabilities: []store.Capability{
			{Name: "summarize-text", Description: "text in, summary out", PricingAmount: 0.5},
		},
	}
	if msg := validateAgentRequest(valid); msg != "" {
		t.Fatalf("expected valid request, got %q", msg)
	}

	noCaps := valid
	noCaps.Capabilities = nil
	if msg := validateAgentRequest(noCaps); msg == "" {
		t.Fatal("expected rejection without capabilities")
	}

	badCapName := valid
	badCapName.Capabilities = []store.Capability{
		{Name: "Summarize Text", Description: "d", PricingAmount: 1},
	}
	if msg := validateAgentRequest(badCapName); msg == "" {
		t.Fatal("expected rejection of uppercase capability name")
	}

	freeCap := valid
	freeCap.Capabilities = []store.Capability{
		{Name: "summarize-text", Description: "d", PricingAmount: 0},
	}
	if msg := validateAgentRequest(freeCap); msg == "" {
		t.Fatal("expected rejection of non-positive pricing")
	}

	badWallet := valid
	badWallet.OwnerWallet = "0x123"
	if msg := validateAgentRequest(badWallet); msg == "" {
		t.Fatal("expected rejection of malformed wallet address")
	}
}

func TestAgentFromRequestDefaults(t *testing.T) {
	a := agentFromRequest(agentRequest{
		Name:        " summarizer ",
		Description: "d",
		Capabilities: []store.Capability{
			{Name: "summarize-text", Description: "d", PricingAmount: 1},
		},
	})
	if a.Name != "summarizer" {
		t.Fatalf("expected trimmed name, got %q", a.Name)
	}
	if a.Availability != "OFFLINE" {
		t.Fatalf("expected default availability OFFLINE, got %q", a.Availability)
	}
	if len(a.Languages) != 1 || a.Languages[0] != "en" {
		t.Fatalf("expected default language en, got %v", a.Languages)
	}
	if a.Capabilities[0].PricingCurrency != "USDC" {
		t.Fatalf("expected default currency USDC, got %q", a.Capabilities[0].PricingCurrency)
	}
	if a.Tags == nil {
		t.Fatal("expected empty tag slice, got nil")
	}
}

func TestHandleRegex(t *testing.T) {
	for _, ok := range []string{"acme", "acme-labs", "a1"} {
		if !handleRe.MatchString(ok) {
			t.Fatalf("expected %q to be a valid handle", ok)
		}
	}
	for _, bad := range []string{"Acme", "acme labs", "acme_labs", ""} {
		if handleRe.MatchString(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWalletRegex(t *testing.T) {
	if !walletRe.MatchString("0x" + strings.Repeat("ab", 20)) {
		t.Fatal("expected 40-hex-digit address to be valid")
	}
	for _, bad := range []string{"0x123", "ab" + strings.Repeat("cd", 20), "0x" + strings.Repeat("zz", 20)} {
		if walletRe.MatchString(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(""); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	if got := clampLimit("500"); got != 100 {
		t.Fatalf("expected cap at 100, got %d", got)
	}
	if got := clampLimit("25"); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	if got := clampLimit("-1"); got != 50 {
		t.Fatalf("expected default for negative, got %d", got)
	}
}

func TestNormalizeAvailability(t *testing.T) {
	if got := normalizeAvailability("online"); got != "ONLINE" {
		t.Fatalf("expected ONLINE, got %q", got)
	}
	if got := normalizeAvailability("sometimes"); got != "" {
		t.Fatalf("expected unknown availability to be dropped, got %q", got)
	}
}

func TestNewAPIKeyShape(t *testing.T) {
	k1, err := newAPIKey()
	if err != nil {
		t.Fatalf("newAPIKey: %v", err)
	}
	if !strings.HasPrefix(k1, "clw_") || len(k1) != 4+48 {
		t.Fatalf("unexpected key shape: %q", k1)
	}
	k2, _ := newAPIKey()
	if k1 == k2 {
		t.Fatal("expected distinct keys")
	}
}
