// Package gateway exposes the market, bridge intake and ledger read views
// over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/market"
	"github.com/solace-ledger/solace/internal/platform/httpx"
	"github.com/solace-ledger/solace/internal/relay"
	"github.com/solace-ledger/solace/jobs"
)

type analyzer interface {
	Analyze(ctx context.Context, address string) (market.Analysis, error)
}

type pricer interface {
	Price(ctx context.Context, token string) (market.Quote, error)
}

type enqueuer interface {
	EnqueueBridgeInitiate(ctx context.Context, payload jobs.BridgeInitiatePayload) (*asynq.TaskInfo, error)
}

// Handler serves the gateway routes.
type Handler struct {
	logger    *slog.Logger
	analyzer  analyzer
	pricer    pricer
	requests  relay.Repository
	queue     enqueuer
	ledger    ledgerReader
	validator *validator.Validate
	now       func() time.Time
}

// Deps collects the collaborators of Handler. Nil members disable the routes
// that need them with 503.
type Deps struct {
	Logger   *slog.Logger
	Analyzer analyzer
	Pricer   pricer
	Requests relay.Repository
	Queue    enqueuer
	Ledger   ledgerReader
}

// NewHandler constructs the gateway handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger.With(slog.String("component", "gateway")),
		analyzer:  deps.Analyzer,
		pricer:    deps.Pricer,
		requests:  deps.Requests,
		queue:     deps.Queue,
		ledger:    deps.Ledger,
		validator: validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/pools/{address}/analytics", h.poolAnalytics)
	r.Get("/tokens/{address}/price", h.tokenPrice)
	r.Post("/bridge/initiate", h.initiateBridge)
	r.Get("/bridge/requests/{txHash}", h.bridgeRequest)
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/supply", h.supply)
		r.Get("/events", h.events)
		r.Get("/accounts/{identity}", h.account)
		r.Get("/bots/{identity}", h.bot)
		r.Get("/dapps/{identity}", h.dapp)
		r.Get("/synthetics", h.synthetics)
		r.Get("/synthetics/{symbol}", h.synthetic)
		r.Get("/receipts/{fingerprint}", h.receipt)
	})
}

type analyticsResponse struct {
	RecommendedAction float64 `json:"recommendedAction"`
	Confidence        float64 `json:"confidence"`
}

func (h *Handler) poolAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		h.unavailable(w, "pool analytics")
		return
	}
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Address", "pool address is required")
		return
	}
	analysis, err := h.analyzer.Analyze(r.Context(), address)
	if err != nil {
		h.marketError(w, "pool analytics", err)
		return
	}
	httpx.JSON(w, http.StatusOK, analyticsResponse{
		RecommendedAction: analysis.RecommendedAction,
		Confidence:        analysis.Confidence,
	})
}

type priceResponse struct {
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) tokenPrice(w http.ResponseWriter, r *http.Request) {
	if h.pricer == nil {
		h.unavailable(w, "token price")
		return
	}
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	quote, err := h.pricer.Price(r.Context(), address)
	if err != nil {
		h.marketError(w, "token price", err)
		return
	}
	httpx.JSON(w, http.StatusOK, priceResponse{Price: quote.Price, Timestamp: quote.Timestamp})
}

type initiateBridgeRequest struct {
	SourceChain string `json:"sourceChain" validate:"required,max=64"`
	TargetChain string `json:"targetChain" validate:"required,max=64,nefield=SourceChain"`
	Amount      string `json:"amount" validate:"required,numeric,max=78"`
	Token       string `json:"token" validate:"required,max=128"`
}

type initiateBridgeResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
}

func (h *Handler) initiateBridge(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil || h.queue == nil {
		h.unavailable(w, "bridge intake")
		return
	}
	var in initiateBridgeRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(in); err != nil {
		httpx.TypedProblem(w, http.StatusUnprocessableEntity, "ValidationFailed", "Validation Failed", describeValidation(err))
		return
	}
	amount, err := uint256.FromDecimal(in.Amount)
	if err != nil || amount.IsZero() {
		httpx.TypedProblem(w, http.StatusUnprocessableEntity, "InvalidAmount", "Invalid Amount", "amount must be a positive integer below 2^256")
		return
	}

	req := relay.NewRequest(strings.TrimSpace(in.SourceChain), strings.TrimSpace(in.TargetChain), strings.TrimSpace(in.Token), amount, h.now())
	if err := h.requests.Create(r.Context(), req); err != nil {
		if errors.Is(err, relay.ErrDuplicate) {
			httpx.RespondError(w, httpx.ErrDuplicate)
			return
		}
		h.logger.Error("store bridge request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	_, err = h.queue.EnqueueBridgeInitiate(r.Context(), jobs.BridgeInitiatePayload{
		RequestID:   req.ID,
		TxHash:      req.TxHash,
		SourceChain: req.SourceChain,
		TargetChain: req.TargetChain,
		Token:       req.Token,
		Amount:      req.Amount.Dec(),
	})
	if err != nil {
		// the row stays pending and the sweep picks it up
		h.logger.Warn("enqueue bridge request", slog.String("tx_hash", req.TxHash), slog.Any("error", err))
	}
	h.logger.Info("bridge request accepted",
		slog.String("tx_hash", req.TxHash),
		slog.String("source_chain", req.SourceChain),
		slog.String("target_chain", req.TargetChain),
	)
	httpx.JSON(w, http.StatusAccepted, initiateBridgeResponse{Status: string(relay.StatusPending), TxHash: req.TxHash})
}

func (h *Handler) bridgeRequest(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		h.unavailable(w, "bridge intake")
		return
	}
	req, err := h.requests.ByTxHash(r.Context(), chi.URLParam(r, "txHash"))
	if errors.Is(err, relay.ErrNotFound) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load bridge request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) marketError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, market.ErrUpstream):
		h.logger.Warn(what+" upstream failure", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.logger.Error(what+" failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", what+" is not configured")
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()[:1])+fe.Field()[1:]+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}
