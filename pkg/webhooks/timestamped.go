package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	timestampedSignatureHeader = "X-Settlement-Signature"
	timestampedScheme          = "timestamped-hmac-sha256/v1"
	defaultToleranceSeconds    = 300
)

// timestampedVerifier checks a `t=<unix>,v1=<hex>` signature over
// `<timestamp>.<body>` and rejects callbacks outside the replay tolerance
// window. Payment providers that protect against replay sign this way.
type timestampedVerifier struct {
	provider         string
	toleranceSeconds int
}

func NewTimestampedVerifier(provider string) Verifier {
	return &timestampedVerifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: toleranceFromEnv(),
	}
}

func NewTimestampedVerifierWithTolerance(provider string, toleranceSeconds int) Verifier {
	return &timestampedVerifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: toleranceSeconds,
	}
}

func (v *timestampedVerifier) Provider() string {
	return v.provider
}

func (v *timestampedVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	raw := strings.TrimSpace(strings.Join(headers.Values(timestampedSignatureHeader), ","))
	timestamp, signatures := parseTimestampedHeader(raw)
	timestampUnix, _ := strconv.ParseInt(timestamp, 10, 64)
	skew := 0
	if timestampUnix > 0 {
		skew = int(receivedAt.UTC().Unix() - timestampUnix)
		if skew < 0 {
			skew = -skew
		}
	}

	result := VerificationResult{
		Scheme: timestampedScheme,
		Details: map[string]any{
			"signature_header_present": raw != "",
			"parsed_timestamp":         timestampUnix,
			"tolerance_seconds":        v.toleranceSeconds,
			"skew_seconds":             skew,
			"v1_present":               len(signatures) > 0,
		},
		EventType: "unknown",
	}
	if raw == "" || timestampUnix <= 0 || len(signatures) == 0 {
		return result, nil
	}
	if v.toleranceSeconds > 0 && skew > v.toleranceSeconds {
		return result, nil
	}

	signedPayload := append([]byte(timestamp+"."), rawBody...)
	if !matchHMAC(secret, signedPayload, signatures...) {
		return result, nil
	}

	result.Valid = true
	var evt struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(rawBody, &evt); err == nil {
		result.ProviderEventID = strings.TrimSpace(evt.EventID)
		if t := strings.TrimSpace(evt.EventType); t != "" {
			result.EventType = t
		}
	}
	return result, nil
}

func toleranceFromEnv() int {
	raw := strings.TrimSpace(os.Getenv("SETTLEMENT_WEBHOOK_TOLERANCE_SECONDS"))
	if raw == "" {
		return defaultToleranceSeconds
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultToleranceSeconds
	}
	return v
}

// parseTimestampedHeader splits `t=...,v1=...` pairs. The first t wins;
// every non-empty v1 is kept as a candidate so providers can rotate secrets.
func parseTimestampedHeader(joined string) (string, []string) {
	var t string
	var v1 []string
	for _, part := range strings.Split(joined, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			if t == "" {
				t = strings.TrimSpace(val)
			}
		case "v1":
			if s := strings.TrimSpace(val); s != "" {
				v1 = append(v1, s)
			}
		}
	}
	return t, v1
}
