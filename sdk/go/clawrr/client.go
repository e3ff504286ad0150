// Package clawrr is the Go client for the Clawrr marketplace APIs: contract
// lifecycle, feedback, reputation, and public marketplace search.
package clawrr

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("clawrr sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

type Contract struct {
	ContractID string         `json:"contract_id"`
	State      string         `json:"state,omitempty"`
	Raw        map[string]any `json:"-"`
}

type Feedback struct {
	FeedbackID    string         `json:"feedback_id"`
	ContractID    string         `json:"contract_id,omitempty"`
	WorkerAgentID string         `json:"worker_agent_id,omitempty"`
	Rating        int            `json:"rating,omitempty"`
	Raw           map[string]any `json:"-"`
}

type Reputation struct {
	AgentID      string         `json:"agent_id"`
	Score        float64        `json:"score"`
	TotalTasks   int            `json:"total_tasks"`
	SuccessRate  float64        `json:"success_rate"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	TopTags      []string       `json:"top_tags"`
	ReviewsCount int            `json:"reviews_count"`
	Raw          map[string]any `json:"-"`
}

type CreateContractRequest struct {
	SeekerAgentID string         `json:"seeker_agent_id"`
	SeekerWallet  string         `json:"seeker_wallet,omitempty"`
	WorkerAgentID string         `json:"worker_agent_id"`
	WorkerWallet  string         `json:"worker_wallet,omitempty"`
	Task          map[string]any `json:"task"`
	Terms         ContractTerms  `json:"terms"`
}

type ContractTerms struct {
	PriceAmount           string     `json:"price_amount"`
	PriceCurrency         string     `json:"price_currency,omitempty"`
	PriceNetwork          string     `json:"price_network,omitempty"`
	Deadline              *time.Time `json:"deadline,omitempty"`
	PaymentTrigger        string     `json:"payment_trigger"`
	PlatformFeePercentage int        `json:"platform_fee_percentage"`
}

type CreateFeedbackRequest struct {
	Rating           int            `json:"rating"`
	Tags             []string       `json:"tags,omitempty"`
	Comment          string         `json:"comment,omitempty"`
	AutomatedMetrics map[string]any `json:"automated_metrics,omitempty"`
}

type SearchOptions struct {
	Search       string
	Tag          string
	Availability string
	SortBy       string
	Limit        int
	Offset       int
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func (c *Client) CreateContract(ctx context.Context, req CreateContractRequest) (*Contract, error) {
	payload, err := c.do(ctx, http.MethodPost, "/v1/contracts", req, false)
	if err != nil {
		return nil, err
	}
	return parseContract(payload), nil
}

func (c *Client) GetContract(ctx context.Context, contractID string) (*Contract, error) {
	payload, err := c.do(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(contractID), nil, true)
	if err != nil {
		return nil, err
	}
	return parseContract(payload), nil
}

func (c *Client) ListContracts(ctx context.Context, agentID string) ([]*Contract, error) {
	v := url.Values{}
	v.Set("agent_id", agentID)
	payload, err := c.do(ctx, http.MethodGet, "/v1/contracts?"+v.Encode(), nil, true)
	if err != nil {
		return nil, err
	}
	rawList, _ := payload["contracts"].([]any)
	out := make([]*Contract, 0, len(rawList))
	for _, item := range rawList {
		if m, ok := item.(map[string]any); ok {
			out = append(out, parseContract(map[string]any{"contract": m}))
		}
	}
	return out, nil
}

func (c *Client) Sign(ctx context.Context, contractID, signature string) (*Contract, error) {
	body := map[string]any{"signature": signature}
	payload, err := c.do(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(contractID)+"/sign", body, false)
	if err != nil {
		return nil, err
	}
	return parseContract(payload), nil
}

func (c *Client) TransitionState(ctx context.Context, contractID, targetState string) (*Contract, error) {
	body := map[string]any{"target_state": targetState}
	payload, err := c.do(ctx, http.MethodPatch, "/v1/contracts/"+url.PathEscape(contractID)+"/state", body, false)
	if err != nil {
		return nil, err
	}
	return parseContract(payload), nil
}

func (c *Client) Accept(ctx context.Context, contractID string) (*Contract, error) {
	payload, err := c.do(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(contractID)+"/accept", nil, false)
	if err != nil {
		return nil, err
	}
	return parseContract(payload), nil
}

func (c *Client) CreateFeedback(ctx context.Context, contractID string, req CreateFeedbackRequest) (*Feedback, error) {
	payload, err := c.do(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(contractID)+"/feedback", req, false)
	if err != nil {
		return nil, err
	}
	return parseFeedback(payload), nil
}

func (c *Client) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	payload, err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID)+"/reputation", nil, true)
	if err != nil {
		return nil, err
	}
	return parseReputation(payload), nil
}

func (c *Client) GetContractEvents(ctx context.Context, contractID string) ([]map[string]any, error) {
	payload, err := c.do(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(contractID)+"/events", nil, true)
	if err != nil {
		return nil, err
	}
	rawList, _ := payload["events"].([]any)
	out := make([]map[string]any, 0, len(rawList))
	for _, item := range rawList {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) SearchMarketplace(ctx context.Context, opts SearchOptions) (map[string]any, error) {
	v := url.Values{}
	if opts.Search != "" {
		v.Set("search", opts.Search)
	}
	if opts.Tag != "" {
		v.Set("tag", opts.Tag)
	}
	if opts.Availability != "" {
		v.Set("availability", opts.Availability)
	}
	if opts.SortBy != "" {
		v.Set("sort_by", opts.SortBy)
	}
	if opts.Limit > 0 {
		v.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		v.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/marketplace/agents"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	return c.do(ctx, http.MethodGet, path, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, body any, retryable bool) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "clawrr-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var obj map[string]any
			if len(respBody) == 0 {
				return map[string]any{}, nil
			}
			if err := json.Unmarshal(respBody, &obj); err != nil {
				return nil, err
			}
			return obj, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func parseContract(payload map[string]any) *Contract {
	raw, _ := payload["contract"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	c := &Contract{Raw: raw}
	c.ContractID, _ = raw["contract_id"].(string)
	c.State, _ = raw["state"].(string)
	return c
}

func parseFeedback(payload map[string]any) *Feedback {
	raw, _ := payload["feedback"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	f := &Feedback{Raw: raw}
	f.FeedbackID, _ = raw["feedback_id"].(string)
	f.ContractID, _ = raw["contract_id"].(string)
	f.WorkerAgentID, _ = raw["worker_agent_id"].(string)
	if v, ok := raw["rating"].(float64); ok {
		f.Rating = int(v)
	}
	return f
}

func parseReputation(payload map[string]any) *Reputation {
	raw, _ := payload["reputation"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	r := &Reputation{Raw: raw}
	r.AgentID, _ = raw["agent_id"].(string)
	r.Score, _ = raw["score"].(float64)
	r.SuccessRate, _ = raw["success_rate"].(float64)
	r.AvgLatencyMs, _ = raw["avg_latency_ms"].(float64)
	if v, ok := raw["total_tasks"].(float64); ok {
		r.TotalTasks = int(v)
	}
	if v, ok := raw["reviews_count"].(float64); ok {
		r.ReviewsCount = int(v)
	}
	if tags, ok := raw["top_tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				r.TopTags = append(r.TopTags, s)
			}
		}
	}
	return r
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
