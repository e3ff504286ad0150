package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawrr/clawrr/pkg/httpx"
	"github.com/clawrr/clawrr/pkg/ledger"
	pkgwebhooks "github.com/clawrr/clawrr/pkg/webhooks"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxCallbackBodyBytes = 1 << 20 // 1MB

var callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clawrr_settlement_callbacks_total",
	Help: "Settlement callbacks by provider and processing status.",
}, []string{"provider", "status"})

type verifierFactory func(provider string) pkgwebhooks.Verifier

type ReceiptStore interface {
	GetEndpoint(ctx context.Context, provider, token string) (Endpoint, error)
	InsertReceipt(ctx context.Context, receipt Receipt) (inserted bool, receiptID string, err error)
	GetReceiptByProviderEventID(ctx context.Context, provider, providerEventID string) (Receipt, error)
	MarkProcessed(ctx context.Context, receiptID, txnID, outcome, status string) error
}

// Confirmer finalizes a pending ledger transaction once the provider reports
// the outcome of the on-chain transfer.
type Confirmer interface {
	Confirm(ctx context.Context, txnID string, succeeded bool) error
}

type IngressHandler struct {
	store    ReceiptStore
	ledger   Confirmer
	verifier verifierFactory
}

func NewIngressHandler(store ReceiptStore, confirmer Confirmer) *IngressHandler {
	return &IngressHandler{
		store:  store,
		ledger: confirmer,
		verifier: func(provider string) pkgwebhooks.Verifier {
			switch strings.ToLower(strings.TrimSpace(provider)) {
			case "circle", "coinbase":
				return pkgwebhooks.NewTimestampedVerifier(provider)
			default:
				return pkgwebhooks.NewGenericHMACVerifier(provider)
			}
		},
	}
}

// callbackPayload is the provider-reported settlement outcome. Either
// status COMPLETED or FAILED must reference a previously posted transaction.
type callbackPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TxnID     string `json:"txn_id"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash"`
}

func (h *IngressHandler) HandleIngress(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	endpointToken := strings.TrimSpace(chi.URLParam(r, "endpoint_token"))
	endpoint, err := h.store.GetEndpoint(r.Context(), provider, endpointToken)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "settlement endpoint not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if endpoint.RevokedAt != nil {
		httpx.WriteError(w, 404, "NOT_FOUND", "settlement endpoint not found", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 1MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	headersCanonicalJSON, _, err := pkgwebhooks.CanonicalizeHeaders(r.Header)
	if err != nil {
		httpx.WriteError(w, 500, "CANONICALIZATION_ERROR", err.Error(), nil)
		return
	}
	rawBodySHA, headersSHA, requestSHA := pkgwebhooks.ComputeCallbackHashes(r.Method, r.URL.Path, headersCanonicalJSON, rawBody)

	receivedAt := time.Now().UTC()
	result, err := h.verifier(provider).Verify(r.Header, rawBody, receivedAt, endpoint.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFIER_ERROR", err.Error(), nil)
		return
	}

	eventType := strings.TrimSpace(result.EventType)
	if eventType == "" {
		eventType = "unknown"
	}
	var providerEventID *string
	if v := strings.TrimSpace(result.ProviderEventID); v != "" {
		providerEventID = &v
	}
	processingStatus := "REJECTED"
	if result.Valid {
		processingStatus = "VERIFIED"
	}

	var headersCanonical any
	if err := json.Unmarshal(headersCanonicalJSON, &headersCanonical); err != nil {
		httpx.WriteError(w, 500, "CANONICALIZATION_ERROR", err.Error(), nil)
		return
	}

	receipt := Receipt{
		Provider:         provider,
		EventType:        eventType,
		ProviderEventID:  providerEventID,
		ReceivedAt:       receivedAt,
		RawBody:          rawBody,
		RawBodySHA256:    rawBodySHA,
		HeadersCanonical: headersCanonical,
		HeadersSHA256:    headersSHA,
		RequestSHA256:    requestSHA,
		SignatureValid:   result.Valid,
		SignatureScheme:  result.Scheme,
		SignatureDetails: result.Details,
		ProcessingStatus: processingStatus,
	}

	inserted, receiptID, err := h.store.InsertReceipt(r.Context(), receipt)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if !inserted && providerEventID != nil {
		// Duplicate delivery: answer from the stored receipt without
		// touching the ledger again.
		existing, err := h.store.GetReceiptByProviderEventID(r.Context(), provider, *providerEventID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		callbacksTotal.WithLabelValues(provider, "replay").Inc()
		httpx.WriteJSON(w, 200, map[string]any{
			"status":          "replay",
			"receipt_id":      existing.ReceiptID,
			"request_sha256":  existing.RequestSHA256,
			"signature_valid": existing.SignatureValid,
		})
		return
	}

	finalStatus := processingStatus
	if result.Valid {
		finalStatus = h.applyCallback(r.Context(), receiptID, rawBody)
	}
	callbacksTotal.WithLabelValues(provider, strings.ToLower(finalStatus)).Inc()

	httpx.WriteJSON(w, 200, map[string]any{
		"status":          "accepted",
		"receipt_id":      receiptID,
		"request_sha256":  requestSHA,
		"signature_valid": result.Valid,
	})
}

func (h *IngressHandler) applyCallback(ctx context.Context, receiptID string, rawBody []byte) string {
	var payload callbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return "VERIFIED"
	}
	txnID := strings.TrimSpace(payload.TxnID)
	status := strings.ToUpper(strings.TrimSpace(payload.Status))
	if txnID == "" || (status != "COMPLETED" && status != "FAILED") {
		return "VERIFIED"
	}

	outcome := status
	processing := "PROCESSED"
	err := h.ledger.Confirm(ctx, txnID, status == "COMPLETED")
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyFinal):
		// The transaction settled on an earlier delivery.
	case errors.Is(err, ledger.ErrTransactionNotFound):
		processing = "UNMATCHED"
	default:
		slog.Error("settlement confirmation failed", "txn_id", txnID, "error", err)
		processing = "ERRORED"
	}
	if err := h.store.MarkProcessed(ctx, receiptID, txnID, outcome, processing); err != nil {
		slog.Error("receipt update failed", "receipt_id", receiptID, "error", err)
	}
	return processing
}
