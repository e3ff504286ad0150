package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/clawrr/clawrr/pkg/authn"
	"github.com/clawrr/clawrr/pkg/db"
	"github.com/clawrr/clawrr/pkg/httpx"
	"github.com/clawrr/clawrr/services/marketplace/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var searchesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clawrr_marketplace_searches_total",
	Help: "Public marketplace search requests served.",
})

var (
	handleRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	walletRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

var availabilities = map[string]bool{
	"ONLINE": true, "BUSY": true, "OFFLINE": true, "EXCLUSIVE": true,
}

func main() {
	pool := db.MustConnect()
	st := store.New(pool)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8085"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {

		api.Post("/publishers", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			var req struct {
				Handle      string `json:"handle"`
				Name        string `json:"name"`
				Type        string `json:"type"`
				Description string `json:"description"`
				Website     string `json:"website"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			handle := strings.ToLower(strings.TrimSpace(req.Handle))
			if !handleRe.MatchString(handle) {
				httpx.WriteError(w, 422, "INVALID_HANDLE", "handle must be lowercase alphanumeric with dashes", nil)
				return
			}
			if strings.TrimSpace(req.Name) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "name is required", nil)
				return
			}
			typ := strings.ToUpper(strings.TrimSpace(req.Type))
			if typ == "" {
				typ = "USER"
			}
			if typ != "USER" && typ != "ORGANIZATION" {
				httpx.WriteError(w, 422, "INVALID_TYPE", "type must be USER or ORGANIZATION", nil)
				return
			}
			p := store.Publisher{
				PublisherID: "pub_" + uuid.NewString(),
				UserID:      ident.UserID,
				Handle:      handle,
				Type:        typ,
				Name:        strings.TrimSpace(req.Name),
				Description: strings.TrimSpace(req.Description),
				Website:     strings.TrimSpace(req.Website),
			}
			if err := st.CreatePublisher(r.Context(), p); err != nil {
				switch {
				case errors.Is(err, store.ErrHandleTaken):
					httpx.WriteError(w, 409, "HANDLE_TAKEN", "publisher handle already taken", nil)
				case errors.Is(err, store.ErrPublisherExists):
					httpx.WriteError(w, 409, "PUBLISHER_EXISTS", "user already has a publisher profile", nil)
				default:
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				}
				return
			}
			slog.Info("publisher created", "publisher_id", p.PublisherID, "handle", p.Handle)
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "publisher": p})
		})

		api.Get("/publishers", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			p, err := st.GetPublisherByUser(r.Context(), ident.UserID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "publisher not found", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "publisher": p})
		})

		api.Post("/agents", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			pub, err := st.GetPublisherByUser(r.Context(), ident.UserID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 400, "NO_PUBLISHER", "create a publisher profile first", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			var req agentRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if msg := validateAgentRequest(req); msg != "" {
				httpx.WriteError(w, 422, "INVALID_AGENT", msg, nil)
				return
			}
			a := agentFromRequest(req)
			a.AgentID = "agt_" + uuid.NewString()
			a.PublisherID = pub.PublisherID
			if a.OwnerWallet == "" {
				a.OwnerWallet = ident.Wallet
			}
			if err := st.CreateAgent(r.Context(), a); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			slog.Info("agent created", "agent_id", a.AgentID, "publisher_id", pub.PublisherID)
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "agent": a})
		})

		api.Get("/agents", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			pub, err := st.GetPublisherByUser(r.Context(), ident.UserID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 400, "NO_PUBLISHER", "create a publisher profile first", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			agents, err := st.ListAgentsByPublisher(r.Context(), pub.PublisherID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agents": agents})
		})

		api.Get("/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			a, owned, ok2 := loadOwnedAgent(w, r, st, ident, chi.URLParam(r, "agent_id"))
			if !ok2 {
				return
			}
			if !owned {
				httpx.WriteError(w, 403, "FORBIDDEN", "agent belongs to another publisher", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agent": a})
		})

		api.Patch("/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			a, owned, ok2 := loadOwnedAgent(w, r, st, ident, chi.URLParam(r, "agent_id"))
			if !ok2 {
				return
			}
			if !owned {
				httpx.WriteError(w, 403, "FORBIDDEN", "agent belongs to another publisher", nil)
				return
			}
			var req agentRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if msg := validateAgentRequest(req); msg != "" {
				httpx.WriteError(w, 422, "INVALID_AGENT", msg, nil)
				return
			}
			updated := agentFromRequest(req)
			updated.AgentID = a.AgentID
			updated.PublisherID = a.PublisherID
			if updated.OwnerWallet == "" {
				updated.OwnerWallet = a.OwnerWallet
			}
			if err := st.UpdateAgent(r.Context(), updated); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agent": updated})
		})

		api.Delete("/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			a, owned, ok2 := loadOwnedAgent(w, r, st, ident, chi.URLParam(r, "agent_id"))
			if !ok2 {
				return
			}
			if !owned {
				httpx.WriteError(w, 403, "FORBIDDEN", "agent belongs to another publisher", nil)
				return
			}
			if err := st.DeleteAgent(r.Context(), a.AgentID, a.PublisherID); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			slog.Info("agent deleted", "agent_id", a.AgentID)
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deleted": true})
		})

		// Public listing; no authentication.
		api.Get("/marketplace/agents", func(w http.ResponseWriter, r *http.Request) {
			searchesTotal.Inc()
			q := r.URL.Query()
			sq := store.SearchQuery{
				Search:       strings.TrimSpace(q.Get("search")),
				Tag:          strings.TrimSpace(q.Get("tag")),
				Availability: normalizeAvailability(q.Get("availability")),
				SortBy:       strings.TrimSpace(q.Get("sort_by")),
				Limit:        clampLimit(q.Get("limit")),
				Offset:       parseOffset(q.Get("offset")),
			}
			res, err := st.SearchListings(r.Context(), sq)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"agents":     res.Agents,
				"pagination": map[string]any{
					"total":    res.Total,
					"limit":    res.Limit,
					"offset":   res.Offset,
					"has_more": res.HasMore,
				},
			})
		})

		api.Get("/marketplace/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
			l, err := st.GetListing(r.Context(), chi.URLParam(r, "agent_id"))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "agent not found", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agent": l})
		})

		api.Post("/users/api-key", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			key, err := newAPIKey()
			if err != nil {
				httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
				return
			}
			if err := st.RotateAPIKey(r.Context(), ident.UserID, authn.HashKey(key)); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			slog.Info("api key rotated", "user_id", ident.UserID)
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"api_key":    key,
				"key_hint":   "store once; not retrievable again",
			})
		})

		api.Get("/users/api-key", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			rotatedAt, err := st.APIKeyRotatedAt(r.Context(), ident.UserID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"active":     true,
				"rotated_at": rotatedAt,
			})
		})

		api.Get("/users/wallet", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			view, err := st.GetWallet(r.Context(), ident.UserID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "wallet": view})
		})

		api.Patch("/users/wallet", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			var req struct {
				WalletAddress string `json:"wallet_address"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			addr := strings.TrimSpace(req.WalletAddress)
			if !walletRe.MatchString(addr) {
				httpx.WriteError(w, 422, "INVALID_WALLET", "wallet_address must be a 0x-prefixed 40-hex-digit address", nil)
				return
			}
			if err := st.UpdateWalletAddress(r.Context(), ident.UserID, addr); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "wallet_address": addr})
		})
	})

	slog.Info("marketplace service listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func requireIdentity(w http.ResponseWriter, r *http.Request, pool *pgxpool.Pool) (*authn.Identity, bool) {
	ident, err := authn.AuthenticateAPIKey(r.Context(), pool, r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, authn.ErrUnauthorized) {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "a valid API key is required", nil)
		} else {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		}
		return nil, false
	}
	return ident, true
}

func loadOwnedAgent(w http.ResponseWriter, r *http.Request, st *store.Store, ident *authn.Identity, agentID string) (store.Agent, bool, bool) {
	a, err := st.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "agent not found", nil)
			return store.Agent{}, false, false
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return store.Agent{}, false, false
	}
	return a, a.PublisherID == ident.PublisherID, true
}

type agentRequest struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Availability string             `json:"availability"`
	OwnerWallet  string             `json:"owner_wallet"`
	Tags         []string           `json:"tags"`
	Languages    []string           `json:"languages"`
	Capabilities []store.Capability `json:"capabilities"`
}

var capabilityNameRe = regexp.MustCompile(`^[a-z0-9-]+$`)

func validateAgentRequest(req agentRequest) string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Description) == "" {
		return "description is required"
	}
	if req.Availability != "" && !availabilities[strings.ToUpper(req.Availability)] {
		return "availability must be one of ONLINE, BUSY, OFFLINE, EXCLUSIVE"
	}
	if req.OwnerWallet != "" && !walletRe.MatchString(req.OwnerWallet) {
		return "owner_wallet must be a 0x-prefixed 40-hex-digit address"
	}
	if len(req.Capabilities) == 0 {
		return "at least one capability is required"
	}
	for _, c := range req.Capabilities {
		if !capabilityNameRe.MatchString(c.Name) {
			return "capability name must be lowercase alphanumeric with dashes"
		}
		if c.PricingAmount <= 0 {
			return "capability pricing_amount must be positive"
		}
		if c.SLAAvailability < 0 || c.SLAAvailability > 1 {
			return "capability sla_availability must be between 0 and 1"
		}
	}
	return ""
}

func agentFromRequest(req agentRequest) store.Agent {
	availability := strings.ToUpper(strings.TrimSpace(req.Availability))
	if availability == "" {
		availability = "OFFLINE"
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	languages := req.Languages
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	caps := req.Capabilities
	for i := range caps {
		if caps[i].PricingCurrency == "" {
			caps[i].PricingCurrency = "USDC"
		}
	}
	return store.Agent{
		Name:         strings.TrimSpace(req.Name),
		Description:  strings.TrimSpace(req.Description),
		Availability: availability,
		OwnerWallet:  strings.TrimSpace(req.OwnerWallet),
		Tags:         tags,
		Languages:    languages,
		Capabilities: caps,
	}
}

func normalizeAvailability(raw string) string {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if availabilities[v] {
		return v
	}
	return ""
}

func clampLimit(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return 50
	}
	if v > 100 {
		return 100
	}
	return v
}

func parseOffset(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "clw_" + hex.EncodeToString(b), nil
}
