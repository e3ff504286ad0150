package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/clawrr/clawrr/pkg/ledger"

	"github.com/go-chi/chi/v5"
)

type fakeReceiptStore struct {
	endpoint         Endpoint
	inserted         bool
	insertReceipt    Receipt
	existing         Receipt
	insertCalls      int
	getExistingCalls int
	markCalls        int
	lastMarkTxnID    string
	lastMarkOutcome  string
	lastMarkStatus   string
}

func (f *fakeReceiptStore) GetEndpoint(ctx context.Context, provider, token string) (Endpoint, error) {
	if token != "tok_1" {
		return Endpoint{}, ErrEndpointNotFound
	}
	return f.endpoint, nil
}

func (f *fakeReceiptStore) InsertReceipt(ctx context.Context, receipt Receipt) (bool, string, error) {
	f.insertCalls++
	f.insertReceipt = receipt
	if f.inserted {
		return true, "rcp_new", nil
	}
	return false, "", nil
}

func (f *fakeReceiptStore) GetReceiptByProviderEventID(ctx context.Context, provider, providerEventID string) (Receipt, error) {
	f.getExistingCalls++
	return f.existing, nil
}

func (f *fakeReceiptStore) MarkProcessed(ctx context.Context, receiptID, txnID, outcome, status string) error {
	f.markCalls++
	f.lastMarkTxnID = txnID
	f.lastMarkOutcome = outcome
	f.lastMarkStatus = status
	return nil
}

type fakeConfirmer struct {
	calls         int
	lastTxnID     string
	lastSucceeded bool
	err           error
}

func (f *fakeConfirmer) Confirm(ctx context.Context, txnID string, succeeded bool) error {
	f.calls++
	f.lastTxnID = txnID
	f.lastSucceeded = succeeded
	return f.err
}

func TestHandleIngress_ValidCallbackConfirmsTransaction(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	confirmer := &fakeConfirmer{}
	h := NewIngressHandler(store, confirmer)

	body := []byte(`{"event_id":"evt_1","event_type":"settlement.completed","txn_id":"txn_abc","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Signature", signHex("secret", body))
	req.Header.Set("X-Event-Id", "evt_1")
	req.Header.Set("X-Event-Type", "settlement.completed")
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !store.insertReceipt.SignatureValid || store.insertReceipt.ProcessingStatus != "VERIFIED" {
		t.Fatalf("expected verified receipt insert, got %+v", store.insertReceipt)
	}
	if confirmer.calls != 1 || confirmer.lastTxnID != "txn_abc" || !confirmer.lastSucceeded {
		t.Fatalf("expected confirmation of txn_abc as succeeded, got %+v", confirmer)
	}
	if store.lastMarkStatus != "PROCESSED" || store.lastMarkOutcome != "COMPLETED" {
		t.Fatalf("expected PROCESSED/COMPLETED mark, got %s/%s", store.lastMarkStatus, store.lastMarkOutcome)
	}
}

func TestHandleIngress_FailedOutcomeConfirmsAsFailed(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	confirmer := &fakeConfirmer{}
	h := NewIngressHandler(store, confirmer)

	body := []byte(`{"event_id":"evt_2","txn_id":"txn_abc","status":"FAILED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Signature", signHex("secret", body))
	req.Header.Set("X-Event-Id", "evt_2")
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if confirmer.calls != 1 || confirmer.lastSucceeded {
		t.Fatalf("expected failed confirmation, got %+v", confirmer)
	}
	if store.lastMarkOutcome != "FAILED" {
		t.Fatalf("expected FAILED outcome, got %s", store.lastMarkOutcome)
	}
}

func TestHandleIngress_MissingSignaturePersistsRejected(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	confirmer := &fakeConfirmer{}
	h := NewIngressHandler(store, confirmer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader([]byte(`{"txn_id":"txn_abc","status":"COMPLETED"}`)))
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.insertReceipt.SignatureValid {
		t.Fatal("expected signature_valid false")
	}
	if store.insertReceipt.ProcessingStatus != "REJECTED" {
		t.Fatalf("expected REJECTED processing status, got %s", store.insertReceipt.ProcessingStatus)
	}
	if confirmer.calls != 0 {
		t.Fatal("expected no ledger confirmation for rejected signature")
	}
}

func TestHandleIngress_ReplayAnswersFromStoredReceipt(t *testing.T) {
	store := &fakeReceiptStore{
		endpoint: Endpoint{Secret: "secret"},
		inserted: false,
		existing: Receipt{ReceiptID: "rcp_existing", RequestSHA256: "abc", SignatureValid: true},
	}
	confirmer := &fakeConfirmer{}
	h := NewIngressHandler(store, confirmer)

	body := []byte(`{"event_id":"evt_1","txn_id":"txn_abc","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Signature", signHex("secret", body))
	req.Header.Set("X-Event-Id", "evt_1")
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.getExistingCalls != 1 {
		t.Fatal("expected existing receipt lookup")
	}
	if confirmer.calls != 0 {
		t.Fatal("expected no second ledger confirmation on replay")
	}
}

func TestHandleIngress_TimestampedProviderVerifies(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "whsec_test"}, inserted: true}
	confirmer := &fakeConfirmer{}
	h := NewIngressHandler(store, confirmer)

	ts := time.Now().UTC().Unix()
	body := []byte(`{"event_id":"evt_circle_1","event_type":"transfer.completed","txn_id":"txn_abc","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/circle/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Settlement-Signature", "t="+strconv.FormatInt(ts, 10)+",v1="+signTimestampedHex("whsec_test", ts, body))
	req = withChiParams(req, "provider", "circle", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !store.insertReceipt.SignatureValid {
		t.Fatalf("expected verified receipt, got %+v", store.insertReceipt)
	}
	if store.insertReceipt.SignatureScheme != "timestamped-hmac-sha256/v1" {
		t.Fatalf("unexpected scheme: %s", store.insertReceipt.SignatureScheme)
	}
	if store.insertReceipt.ProviderEventID == nil || *store.insertReceipt.ProviderEventID != "evt_circle_1" {
		t.Fatalf("expected provider_event_id evt_circle_1, got %+v", store.insertReceipt.ProviderEventID)
	}
	if confirmer.calls != 1 {
		t.Fatal("expected ledger confirmation")
	}
}

func TestHandleIngress_AlreadyFinalTreatedAsProcessed(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	confirmer := &fakeConfirmer{err: ledger.ErrAlreadyFinal}
	h := NewIngressHandler(store, confirmer)

	body := []byte(`{"event_id":"evt_3","txn_id":"txn_abc","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Signature", signHex("secret", body))
	req.Header.Set("X-Event-Id", "evt_3")
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.lastMarkStatus != "PROCESSED" {
		t.Fatalf("expected PROCESSED for already-final transaction, got %s", store.lastMarkStatus)
	}
}

func TestHandleIngress_UnknownTransactionMarksUnmatched(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	confirmer := &fakeConfirmer{err: ledger.ErrTransactionNotFound}
	h := NewIngressHandler(store, confirmer)

	body := []byte(`{"event_id":"evt_4","txn_id":"txn_missing","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req.Header.Set("X-Signature", signHex("secret", body))
	req.Header.Set("X-Event-Id", "evt_4")
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.lastMarkStatus != "UNMATCHED" {
		t.Fatalf("expected UNMATCHED, got %s", store.lastMarkStatus)
	}
}

func TestHandleIngress_PayloadTooLarge(t *testing.T) {
	store := &fakeReceiptStore{endpoint: Endpoint{Secret: "secret"}, inserted: true}
	h := NewIngressHandler(store, &fakeConfirmer{})

	body := make([]byte, maxCallbackBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/settlement/internal/tok_1", bytes.NewReader(body))
	req = withChiParams(req, "provider", "internal", "endpoint_token", "tok_1")
	rr := httptest.NewRecorder()
	h.HandleIngress(rr, req)

	if rr.Code != 413 {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func withChiParams(req *http.Request, kv ...string) *http.Request {
	rc := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rc.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signTimestampedHex(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	payload := []byte(strconv.FormatInt(ts, 10) + ".")
	payload = append(payload, body...)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
