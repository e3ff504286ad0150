// Package webhooks verifies signed settlement callbacks from payment
// providers before the settlement service acts on them. Every callback is
// fingerprinted for its receipt whether or not the signature holds.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// VerificationResult carries the verdict plus enough detail to reconstruct
// why a callback was accepted or rejected from its stored receipt alone.
type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
}

type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}

// matchHMAC reports whether any candidate hex signature equals the
// HMAC-SHA256 of payload under secret. Each comparison is constant time.
func matchHMAC(secret string, payload []byte, candidates ...string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	want := mac.Sum(nil)
	for _, c := range candidates {
		got, err := hex.DecodeString(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		if hmac.Equal(want, got) {
			return true
		}
	}
	return false
}
