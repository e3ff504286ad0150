package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/clawrr/clawrr/pkg/authn"
	"github.com/clawrr/clawrr/pkg/db"
	"github.com/clawrr/clawrr/pkg/domain"
	"github.com/clawrr/clawrr/pkg/httpx"
	"github.com/clawrr/clawrr/pkg/ledger"
	"github.com/clawrr/clawrr/services/contracts/internal/lifecycle"
	"github.com/clawrr/clawrr/services/contracts/internal/reputation"
	"github.com/clawrr/clawrr/services/contracts/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)
	lg := ledger.New(pool)

	platformWallet := os.Getenv("PLATFORM_WALLET")
	if platformWallet == "" {
		platformWallet = "platform"
	}
	eng := lifecycle.NewEngine(st, lg, platformWallet)
	rep := reputation.New(st)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {

		api.Post("/contracts", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			var req struct {
				SeekerAgentID string      `json:"seeker_agent_id"`
				SeekerWallet  string      `json:"seeker_wallet"`
				WorkerAgentID string      `json:"worker_agent_id"`
				WorkerWallet  string      `json:"worker_wallet"`
				Task          domain.Task `json:"task"`
				Terms         struct {
					PriceAmount           string     `json:"price_amount"`
					PriceCurrency         string     `json:"price_currency"`
					PriceNetwork          string     `json:"price_network"`
					Deadline              *time.Time `json:"deadline"`
					PaymentTrigger        string     `json:"payment_trigger"`
					PlatformFeePercentage int        `json:"platform_fee_percentage"`
				} `json:"terms"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			owned, err := st.AgentOwnedBy(r.Context(), req.SeekerAgentID, ident.UserID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if !owned {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "seeker agent is not owned by the caller", nil)
				return
			}
			trigger, err := domain.ParsePaymentTrigger(req.Terms.PaymentTrigger)
			if err != nil {
				httpx.WriteError(w, 422, "UNSUPPORTED_TRIGGER", err.Error(), nil)
				return
			}
			c := domain.Contract{
				ContractID: "ctr_" + uuid.NewString(),
				Version:    domain.ContractVersion,
				State:      domain.StateDraft,
				Seeker:     domain.Party{AgentID: req.SeekerAgentID, Wallet: req.SeekerWallet},
				Worker:     domain.Party{AgentID: req.WorkerAgentID, Wallet: req.WorkerWallet},
				Task:       req.Task,
				Terms: domain.Terms{
					PriceAmount:           req.Terms.PriceAmount,
					PriceCurrency:         defaultString(req.Terms.PriceCurrency, "USDC"),
					PriceNetwork:          defaultString(req.Terms.PriceNetwork, "base"),
					Deadline:              req.Terms.Deadline,
					PaymentTrigger:        trigger,
					PlatformFeePercentage: req.Terms.PlatformFeePercentage,
				},
			}
			if err := c.Terms.Validate(); err != nil {
				if errors.Is(err, domain.ErrMilestoneUnsupported) {
					httpx.WriteError(w, 422, "UNSUPPORTED_TRIGGER", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 422, "INVALID_TERMS", err.Error(), nil)
				return
			}
			if err := st.CreateContract(r.Context(), c); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			_ = st.AddEvent(r.Context(), c.ContractID, "ContractCreated", req.SeekerAgentID, nil)
			slog.Info("contract created", "contract_id", c.ContractID, "trigger", string(trigger))
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Get("/contracts/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			c, err := st.GetContract(r.Context(), chi.URLParam(r, "contract_id"))
			if err != nil {
				writeEngineError(w, err)
				return
			}
			if _, err := resolveActor(r, st, ident, c); err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Get("/contracts", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			agentID := r.URL.Query().Get("agent_id")
			if agentID == "" {
				httpx.WriteError(w, 400, "MISSING_AGENT_ID", "agent_id query parameter is required", nil)
				return
			}
			owned, err := st.AgentOwnedBy(r.Context(), agentID, ident.UserID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if !owned && !ident.IsPlatformOperator() {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "agent is not owned by the caller", nil)
				return
			}
			contracts, err := st.ListContractsByAgent(r.Context(), agentID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contracts": contracts})
		})

		api.Patch("/contracts/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			var req struct {
				Task  domain.Task `json:"task"`
				Terms struct {
					PriceAmount           string     `json:"price_amount"`
					PriceCurrency         string     `json:"price_currency"`
					PriceNetwork          string     `json:"price_network"`
					Deadline              *time.Time `json:"deadline"`
					PaymentTrigger        string     `json:"payment_trigger"`
					PlatformFeePercentage int        `json:"platform_fee_percentage"`
				} `json:"terms"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			trigger, err := domain.ParsePaymentTrigger(req.Terms.PaymentTrigger)
			if err != nil {
				httpx.WriteError(w, 422, "UNSUPPORTED_TRIGGER", err.Error(), nil)
				return
			}
			terms := domain.Terms{
				PriceAmount:           req.Terms.PriceAmount,
				PriceCurrency:         defaultString(req.Terms.PriceCurrency, "USDC"),
				PriceNetwork:          defaultString(req.Terms.PriceNetwork, "base"),
				Deadline:              req.Terms.Deadline,
				PaymentTrigger:        trigger,
				PlatformFeePercentage: req.Terms.PlatformFeePercentage,
			}
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			updated, err := eng.UpdateContent(r.Context(), contractID, req.Task, terms, actor)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": updated})
		})

		api.Post("/contracts/{contract_id}/settlement/retry", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			updated, err := eng.RetrySettlement(r.Context(), contractID, actor)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": updated})
		})

		api.Patch("/contracts/{contract_id}/state", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			var req struct {
				TargetState string `json:"target_state"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			target, err := domain.ParseContractState(req.TargetState)
			if err != nil {
				httpx.WriteError(w, 422, "UNKNOWN_STATE", err.Error(), nil)
				return
			}
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			updated, err := eng.Transition(r.Context(), contractID, target, actor)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": updated})
		})

		api.Post("/contracts/{contract_id}/sign", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			var req struct {
				Signature string `json:"signature"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.Signature == "" {
				httpx.WriteError(w, 422, "MISSING_SIGNATURE", "signature is required", nil)
				return
			}
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			updated, err := eng.Sign(r.Context(), contractID, req.Signature, actor)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": updated})
		})

		api.Post("/contracts/{contract_id}/accept", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			updated, err := eng.Accept(r.Context(), contractID, actor)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": updated})
		})

		api.Post("/contracts/{contract_id}/feedback", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			contractID := chi.URLParam(r, "contract_id")
			var req struct {
				Rating           int                      `json:"rating"`
				Tags             []string                 `json:"tags"`
				Comment          string                   `json:"comment"`
				AutomatedMetrics *domain.AutomatedMetrics `json:"automated_metrics"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := st.GetContract(r.Context(), contractID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			actor, err := resolveActor(r, st, ident, c)
			if err != nil {
				httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", "caller is not a party to this contract", nil)
				return
			}
			fb := domain.Feedback{
				FeedbackID:       "fb_" + uuid.NewString(),
				Rating:           req.Rating,
				Comment:          req.Comment,
				AutomatedMetrics: req.AutomatedMetrics,
			}
			for _, t := range req.Tags {
				tag, err := domain.ParseFeedbackTag(t)
				if err != nil {
					httpx.WriteError(w, 422, "UNKNOWN_TAG", err.Error(), nil)
					return
				}
				fb.Tags = append(fb.Tags, tag)
			}
			created, err := eng.CreateFeedback(r.Context(), contractID, actor, fb)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			if _, err := rep.Recompute(r.Context(), created.WorkerAgentID); err != nil {
				// The aggregate heals on the next recompute; the feedback row
				// itself is already durable.
				slog.Warn("reputation recompute failed", "agent_id", created.WorkerAgentID, "error", err)
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "feedback": created})
		})

		api.Get("/contracts/{contract_id}/feedback", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := requireIdentity(w, r, pool); !ok {
				return
			}
			fb, err := st.GetFeedbackByContract(r.Context(), chi.URLParam(r, "contract_id"))
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "feedback": fb})
		})

		api.Post("/feedback/{feedback_id}/response", func(w http.ResponseWriter, r *http.Request) {
			ident, ok := requireIdentity(w, r, pool)
			if !ok {
				return
			}
			feedbackID := chi.URLParam(r, "feedback_id")
			var req struct {
				Response string `json:"response"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := st.SetWorkerResponse(r.Context(), feedbackID, ident.UserID, req.Response); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "no such feedback for an agent owned by the caller", nil)
					return
				}
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "updated": true})
		})

		api.Get("/contracts/{contract_id}/events", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := requireIdentity(w, r, pool); !ok {
				return
			}
			evs, err := st.ListEvents(r.Context(), chi.URLParam(r, "contract_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": evs})
		})

		api.Get("/agents/{agent_id}/reputation", func(w http.ResponseWriter, r *http.Request) {
			snapshot, err := rep.Snapshot(r.Context(), chi.URLParam(r, "agent_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "reputation": snapshot})
		})
	})

	slog.Info("contracts service listening", "port", port)
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

// resolveActor maps the authenticated user onto the contract: owner of the
// seeker agent, owner of the worker agent, or platform arbiter.
func resolveActor(r *http.Request, st *store.Store, ident *authn.Identity, c domain.Contract) (domain.Actor, error) {
	if owned, err := st.AgentOwnedBy(r.Context(), c.Seeker.AgentID, ident.UserID); err != nil {
		return domain.Actor{}, err
	} else if owned {
		return domain.Actor{AgentID: c.Seeker.AgentID, Role: domain.RoleSeeker}, nil
	}
	if owned, err := st.AgentOwnedBy(r.Context(), c.Worker.AgentID, ident.UserID); err != nil {
		return domain.Actor{}, err
	} else if owned {
		return domain.Actor{AgentID: c.Worker.AgentID, Role: domain.RoleWorker}, nil
	}
	if ident.IsPlatformOperator() {
		return domain.Actor{AgentID: "platform", Role: domain.RoleArbiter}, nil
	}
	return domain.Actor{}, authn.ErrUnauthorized
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		httpx.WriteError(w, 409, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		httpx.WriteError(w, 409, "CONCURRENT_MODIFICATION", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorizedActor):
		httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", err.Error(), nil)
	case errors.Is(err, domain.ErrPreconditionFailed):
		httpx.WriteError(w, 422, "PRECONDITION_FAILED", err.Error(), nil)
	case errors.Is(err, domain.ErrMilestoneUnsupported):
		httpx.WriteError(w, 422, "UNSUPPORTED_TRIGGER", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrContractNotCompleted):
		httpx.WriteError(w, 409, "CONTRACT_NOT_COMPLETED", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrAlreadyAccepted):
		httpx.WriteError(w, 409, "ALREADY_ACCEPTED", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrAcceptanceNotNeeded):
		httpx.WriteError(w, 409, "ACCEPTANCE_NOT_REQUIRED", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrContentLocked):
		httpx.WriteError(w, 409, "CONTENT_LOCKED", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrNoPendingSettlement):
		httpx.WriteError(w, 409, "NO_PENDING_SETTLEMENT", err.Error(), nil)
	case errors.Is(err, store.ErrFeedbackExists):
		httpx.WriteError(w, 409, "FEEDBACK_EXISTS", err.Error(), nil)
	case errors.Is(err, ledger.ErrLedgerInconsistency):
		httpx.WriteError(w, 500, "LEDGER_ERROR", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
