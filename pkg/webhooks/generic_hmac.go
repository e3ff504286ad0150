package webhooks

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	genericHMACSignatureHeader = "X-Signature"
	genericHMACEventIDHeader   = "X-Event-Id"
	genericHMACEventTypeHeader = "X-Event-Type"
	genericHMACScheme          = "generic-hmac-sha256/v1"
)

// genericHMACVerifier checks an untimestamped HMAC-SHA256 over the raw body.
// Used for providers that sign the payload alone.
type genericHMACVerifier struct {
	provider string
}

func NewGenericHMACVerifier(provider string) Verifier {
	return &genericHMACVerifier{provider: strings.TrimSpace(provider)}
}

func (v *genericHMACVerifier) Provider() string {
	return v.provider
}

func (v *genericHMACVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	sigHex := strings.TrimSpace(headers.Get(genericHMACSignatureHeader))
	_, decodeErr := hex.DecodeString(sigHex)
	decodable := sigHex != "" && decodeErr == nil

	res := VerificationResult{
		Scheme: genericHMACScheme,
		Details: map[string]any{
			"signature_header_present": sigHex != "",
			"signature_hex_decodable":  decodable,
			"provider":                 v.provider,
			"used_header":              genericHMACSignatureHeader,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(genericHMACEventIDHeader)),
		EventType:       strings.TrimSpace(headers.Get(genericHMACEventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}
	if decodable {
		res.Valid = matchHMAC(secret, rawBody, sigHex)
	}
	return res, nil
}
