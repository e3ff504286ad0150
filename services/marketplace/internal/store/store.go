package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrHandleTaken     = errors.New("publisher handle already taken")
	ErrPublisherExists = errors.New("user already has a publisher")
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type Publisher struct {
	PublisherID string    `json:"publisher_id"`
	UserID      string    `json:"user_id"`
	Handle      string    `json:"handle"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	Verified    bool      `json:"verified"`
	AgentsCount int       `json:"agents_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type Capability struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	InputSchema     map[string]any `json:"input_schema,omitempty"`
	OutputSchema    map[string]any `json:"output_schema,omitempty"`
	PricingAmount   float64        `json:"pricing_amount"`
	PricingCurrency string         `json:"pricing_currency"`
	SLAMaxLatencyMs int            `json:"sla_max_latency_ms,omitempty"`
	SLAAvailability float64        `json:"sla_availability,omitempty"`
}

type Agent struct {
	AgentID      string       `json:"agent_id"`
	PublisherID  string       `json:"publisher_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Availability string       `json:"availability"`
	OwnerWallet  string       `json:"owner_wallet"`
	Tags         []string     `json:"tags"`
	Languages    []string     `json:"languages"`
	Capabilities []Capability `json:"capabilities"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Listing is the public marketplace view of an agent, joined with its
// reputation aggregate and publisher identity.
type Listing struct {
	Agent
	ReputationScore float64 `json:"reputation_score"`
	TotalTasks      int     `json:"total_tasks"`
	SuccessRate     float64 `json:"success_rate"`
	PublisherHandle string  `json:"publisher_handle"`
	PublisherName   string  `json:"publisher_name"`
	Verified        bool    `json:"publisher_verified"`
}

type SearchQuery struct {
	Search       string
	Tag          string
	Availability string
	SortBy       string
	Limit        int
	Offset       int
}

type SearchResult struct {
	Agents  []Listing `json:"agents"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
	HasMore bool      `json:"has_more"`
}

func (s *Store) CreatePublisher(ctx context.Context, p Publisher) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO publishers(publisher_id,user_id,handle,type,name,description,website,verified,agents_count)
VALUES($1,$2,$3,$4,$5,$6,$7,false,0)`,
		p.PublisherID, p.UserID, p.Handle, p.Type, p.Name, p.Description, p.Website)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "publishers_user_id_key" {
			return ErrPublisherExists
		}
		return ErrHandleTaken
	}
	return err
}

func (s *Store) GetPublisherByUser(ctx context.Context, userID string) (Publisher, error) {
	var p Publisher
	err := s.DB.QueryRow(ctx, `
SELECT publisher_id,user_id,handle,type,name,COALESCE(description,''),COALESCE(website,''),verified,agents_count,created_at
FROM publishers WHERE user_id=$1`, userID).
		Scan(&p.PublisherID, &p.UserID, &p.Handle, &p.Type, &p.Name, &p.Description, &p.Website, &p.Verified, &p.AgentsCount, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Publisher{}, ErrNotFound
	}
	return p, err
}

func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
INSERT INTO agents(agent_id,publisher_id,name,description,availability,owner_wallet,tags,languages,capabilities)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.AgentID, a.PublisherID, a.Name, a.Description, a.Availability, a.OwnerWallet, a.Tags, a.Languages, a.Capabilities); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE publishers SET agents_count=agents_count+1 WHERE publisher_id=$1`, a.PublisherID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const agentSelect = `
SELECT agent_id,publisher_id,name,description,availability,owner_wallet,tags,languages,capabilities,created_at,updated_at
FROM agents`

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.DB.QueryRow(ctx, agentSelect+` WHERE agent_id=$1`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListAgentsByPublisher(ctx context.Context, publisherID string) ([]Agent, error) {
	rows, err := s.DB.Query(ctx, agentSelect+` WHERE publisher_id=$1 ORDER BY created_at DESC`, publisherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent rewrites the mutable fields. The handler checks ownership
// before calling.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE agents SET name=$1,description=$2,availability=$3,owner_wallet=$4,tags=$5,languages=$6,capabilities=$7,updated_at=now()
WHERE agent_id=$8`,
		a.Name, a.Description, a.Availability, a.OwnerWallet, a.Tags, a.Languages, a.Capabilities, a.AgentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID, publisherID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE agent_id=$1 AND publisher_id=$2`, agentID, publisherID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE publishers SET agents_count=greatest(agents_count-1,0) WHERE publisher_id=$1`, publisherID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var sortColumns = map[string]string{
	"reputation":  "r.score DESC NULLS LAST",
	"total_tasks": "r.total_tasks DESC NULLS LAST",
	"newest":      "a.created_at DESC",
	"name":        "a.name ASC",
}

const listingSelect = `
SELECT a.agent_id,a.publisher_id,a.name,a.description,a.availability,a.owner_wallet,a.tags,a.languages,a.capabilities,a.created_at,a.updated_at,
       COALESCE(r.score,0),COALESCE(r.total_tasks,0),COALESCE(r.success_rate,0),
       p.handle,p.name,p.verified
FROM agents a
JOIN publishers p ON p.publisher_id=a.publisher_id
LEFT JOIN agent_reputation r ON r.agent_id=a.agent_id`

func (s *Store) SearchListings(ctx context.Context, q SearchQuery) (SearchResult, error) {
	where := " WHERE true"
	args := []any{}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		where += fmt.Sprintf(" AND (a.name ILIKE $%d OR a.description ILIKE $%d)", len(args), len(args))
	}
	if q.Tag != "" {
		args = append(args, "%"+q.Tag+"%")
		where += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM unnest(a.tags) t WHERE t ILIKE $%d)", len(args))
	}
	if q.Availability != "" {
		args = append(args, q.Availability)
		where += fmt.Sprintf(" AND a.availability=$%d", len(args))
	}

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM agents a JOIN publishers p ON p.publisher_id=a.publisher_id`+where, args...).Scan(&total); err != nil {
		return SearchResult{}, err
	}

	order, ok := sortColumns[q.SortBy]
	if !ok {
		order = sortColumns["reputation"]
	}
	args = append(args, q.Limit, q.Offset)
	sql := listingSelect + where + " ORDER BY " + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return SearchResult{}, err
	}
	defer rows.Close()
	res := SearchResult{Agents: []Listing{}, Total: total, Limit: q.Limit, Offset: q.Offset}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return SearchResult{}, err
		}
		res.Agents = append(res.Agents, l)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, err
	}
	res.HasMore = q.Offset+len(res.Agents) < total
	return res, nil
}

func (s *Store) GetListing(ctx context.Context, agentID string) (Listing, error) {
	row := s.DB.QueryRow(ctx, listingSelect+` WHERE a.agent_id=$1`, agentID)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	return l, err
}

// RotateAPIKey replaces the stored hash. The plaintext key is returned to the
// caller exactly once by the handler and never persisted.
func (s *Store) RotateAPIKey(ctx context.Context, userID, keyHash string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE users SET api_key_hash=$1, api_key_rotated_at=now() WHERE user_id=$2`, keyHash, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) APIKeyRotatedAt(ctx context.Context, userID string) (*time.Time, error) {
	var at *time.Time
	err := s.DB.QueryRow(ctx, `SELECT api_key_rotated_at FROM users WHERE user_id=$1`, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return at, err
}

type WalletTransaction struct {
	TxnID       string     `json:"txn_id"`
	Type        string     `json:"type"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	ContractID  string     `json:"contract_id,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type WalletView struct {
	WalletAddress string              `json:"wallet_address"`
	Balance       string              `json:"balance"`
	Transactions  []WalletTransaction `json:"transactions"`
}

func (s *Store) GetWallet(ctx context.Context, userID string) (WalletView, error) {
	var wallet string
	err := s.DB.QueryRow(ctx, `SELECT COALESCE(wallet_address,'') FROM users WHERE user_id=$1`, userID).Scan(&wallet)
	if errors.Is(err, pgx.ErrNoRows) {
		return WalletView{}, ErrNotFound
	}
	if err != nil {
		return WalletView{}, err
	}
	view := WalletView{WalletAddress: wallet, Balance: "0", Transactions: []WalletTransaction{}}
	if wallet == "" {
		return view, nil
	}
	var balance *string
	if err := s.DB.QueryRow(ctx, `SELECT balance::text FROM wallet_balances WHERE wallet=$1`, wallet).Scan(&balance); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return WalletView{}, err
	}
	if balance != nil {
		view.Balance = *balance
	}
	rows, err := s.DB.Query(ctx, `
SELECT txn_id,type,amount::text,status,COALESCE(contract_id,''),COALESCE(description,''),created_at,settled_at
FROM transactions WHERE wallet=$1 ORDER BY created_at DESC LIMIT 50`, wallet)
	if err != nil {
		return WalletView{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var t WalletTransaction
		if err := rows.Scan(&t.TxnID, &t.Type, &t.Amount, &t.Status, &t.ContractID, &t.Description, &t.CreatedAt, &t.SettledAt); err != nil {
			return WalletView{}, err
		}
		view.Transactions = append(view.Transactions, t)
	}
	return view, rows.Err()
}

func (s *Store) UpdateWalletAddress(ctx context.Context, userID, address string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE users SET wallet_address=$1 WHERE user_id=$2`, address, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.PublisherID, &a.Name, &a.Description, &a.Availability, &a.OwnerWallet,
		&a.Tags, &a.Languages, &a.Capabilities, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanListing(row rowScanner) (Listing, error) {
	var l Listing
	err := row.Scan(&l.AgentID, &l.PublisherID, &l.Agent.Name, &l.Agent.Description, &l.Availability, &l.OwnerWallet,
		&l.Tags, &l.Languages, &l.Capabilities, &l.CreatedAt, &l.UpdatedAt,
		&l.ReputationScore, &l.TotalTasks, &l.SuccessRate,
		&l.PublisherHandle, &l.PublisherName, &l.Verified)
	return l, err
}
