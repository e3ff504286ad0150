package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller of an API request. PublisherID is
// empty for users that have not created a publisher profile yet.
type Identity struct {
	UserID      string
	PublisherID string
	Role        string
	Wallet      string
}

// IsPlatformOperator reports whether the identity may act as the platform
// arbiter in dispute resolution.
func (id *Identity) IsPlatformOperator() bool { return id.Role == "ADMIN" }

// AuthenticateAPIKey resolves an Authorization header carrying a bearer API
// key. Keys are stored hashed; the raw key is never persisted.
func AuthenticateAPIKey(ctx context.Context, db *pgxpool.Pool, authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	keyHash := HashKey(token)
	var out Identity
	var publisherID *string
	var wallet *string
	err := db.QueryRow(ctx, `
SELECT u.user_id, u.role, u.wallet_address, p.publisher_id
FROM users u
LEFT JOIN publishers p ON p.user_id = u.user_id
WHERE u.api_key_hash=$1
  AND u.status='ACTIVE'
`, keyHash).Scan(&out.UserID, &out.Role, &wallet, &publisherID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if publisherID != nil {
		out.PublisherID = *publisherID
	}
	if wallet != nil {
		out.Wallet = *wallet
	}
	return &out, nil
}

// HashKey is the storage form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}
