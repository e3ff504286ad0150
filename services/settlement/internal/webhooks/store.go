package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrEndpointNotFound = errors.New("settlement endpoint not found")

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

// Endpoint is one provisioned callback URL for a payment provider. The
// secret signs every callback the provider sends to it.
type Endpoint struct {
	EndpointID string
	Provider   string
	Secret     string
	RevokedAt  *time.Time
}

// Receipt is the durable record of one settlement callback, stored before
// any ledger side effect so replays can be answered from it.
type Receipt struct {
	ReceiptID        string
	Provider         string
	EventType        string
	ProviderEventID  *string
	ReceivedAt       time.Time
	RawBody          []byte
	RawBodySHA256    string
	HeadersCanonical any
	HeadersSHA256    string
	RequestSHA256    string
	SignatureValid   bool
	SignatureScheme  string
	SignatureDetails map[string]any
	TxnID            *string
	Outcome          *string
	ProcessingStatus string
	ProcessedAt      *time.Time
}

func (s *Store) GetEndpoint(ctx context.Context, provider, token string) (Endpoint, error) {
	var out Endpoint
	err := s.DB.QueryRow(ctx, `
SELECT endpoint_id, provider, secret, revoked_at
FROM settlement_endpoints
WHERE provider=$1 AND endpoint_token=$2`, provider, token).
		Scan(&out.EndpointID, &out.Provider, &out.Secret, &out.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, ErrEndpointNotFound
		}
		return Endpoint{}, err
	}
	return out, nil
}

func (s *Store) InsertReceipt(ctx context.Context, receipt Receipt) (inserted bool, receiptID string, err error) {
	detailsJSON, err := json.Marshal(receipt.SignatureDetails)
	if err != nil {
		return false, "", err
	}
	headersJSON, err := json.Marshal(receipt.HeadersCanonical)
	if err != nil {
		return false, "", err
	}
	var providerEventID any
	if receipt.ProviderEventID != nil && strings.TrimSpace(*receipt.ProviderEventID) != "" {
		providerEventID = strings.TrimSpace(*receipt.ProviderEventID)
	}

	err = s.DB.QueryRow(ctx, `
INSERT INTO settlement_receipts(
  provider,event_type,provider_event_id,received_at,
  raw_body,raw_body_sha256,headers_canonical_json,headers_sha256,request_sha256,
  signature_valid,signature_scheme,signature_details,txn_id,outcome,processing_status,processed_at
)
VALUES(
  $1,$2,$3,$4,
  $5,$6,$7::jsonb,$8,$9,
  $10,$11,$12::jsonb,$13,$14,$15,$16
)
ON CONFLICT (provider,provider_event_id)
  WHERE provider_event_id IS NOT NULL
DO NOTHING
RETURNING receipt_id::text
`, receipt.Provider, receipt.EventType, providerEventID, receipt.ReceivedAt.UTC(),
		receipt.RawBody, receipt.RawBodySHA256, string(headersJSON), receipt.HeadersSHA256, receipt.RequestSHA256,
		receipt.SignatureValid, receipt.SignatureScheme, string(detailsJSON), receipt.TxnID, receipt.Outcome, receipt.ProcessingStatus, receipt.ProcessedAt).
		Scan(&receiptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, receiptID, nil
}

func (s *Store) GetReceiptByProviderEventID(ctx context.Context, provider, providerEventID string) (Receipt, error) {
	var out Receipt
	err := s.DB.QueryRow(ctx, `
SELECT receipt_id::text, request_sha256, signature_valid, event_type, txn_id, processing_status
FROM settlement_receipts
WHERE provider=$1 AND provider_event_id=$2`, provider, providerEventID).
		Scan(&out.ReceiptID, &out.RequestSHA256, &out.SignatureValid, &out.EventType, &out.TxnID, &out.ProcessingStatus)
	if err != nil {
		return Receipt{}, err
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, receiptID, txnID, outcome, status string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE settlement_receipts
SET txn_id=COALESCE(txn_id,$2), outcome=$3, processing_status=$4, processed_at=now()
WHERE receipt_id=$1::uuid`, receiptID, txnID, outcome, status)
	return err
}
