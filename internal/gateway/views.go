package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/platform/httpx"
	"github.com/solace-ledger/solace/internal/registry"
	"github.com/solace-ledger/solace/internal/synthetic"
)

const maxEventPage = 500

type ledgerReader interface {
	Supply() ledger.Supply
	Paused() bool
	Account(identity string) ledger.Account
	BotType(identity string) (string, bool)
	DAppMetadata(identity string) (registry.DApp, bool)
	SyntheticBySymbol(symbol string) (synthetic.Asset, bool)
	SyntheticsByCategory(category synthetic.Category) []synthetic.Asset
	Synthetics() []synthetic.Asset
	Receipt(fp bridgeproof.Fingerprint) (ledger.BridgeReceipt, bool)
	Events(after uint64) []ledger.Event
}

type supplyView struct {
	Total      string `json:"total"`
	Minted     string `json:"minted"`
	Burned     string `json:"burned"`
	BridgedIn  string `json:"bridgedIn"`
	BridgedOut string `json:"bridgedOut"`
	FlashFees  string `json:"flashFees"`
	Paused     bool   `json:"paused"`
}

type accountView struct {
	Identity  string     `json:"identity"`
	Balance   string     `json:"balance"`
	Mirrored  string     `json:"mirrored"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type receiptView struct {
	Fingerprint  string    `json:"fingerprint"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	SourceDomain uint64    `json:"sourceDomain"`
	ReceivedBy   string    `json:"receivedBy"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

func (h *Handler) supply(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	s := h.ledger.Supply()
	httpx.JSON(w, http.StatusOK, supplyView{
		Total:      s.Total().Dec(),
		Minted:     s.Minted.Dec(),
		Burned:     s.Burned.Dec(),
		BridgedIn:  s.BridgedIn.Dec(),
		BridgedOut: s.BridgedOut.Dec(),
		FlashFees:  s.FlashFees.Dec(),
		Paused:     h.ledger.Paused(),
	})
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Cursor", "after must be an unsigned integer")
			return
		}
		after = v
	}
	events := h.ledger.Events(after)
	if len(events) > maxEventPage {
		events = events[:maxEventPage]
	}
	if events == nil {
		events = []ledger.Event{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	id, err := ledger.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.ledgerProblem(w, err)
		return
	}
	acc := h.ledger.Account(id)
	view := accountView{Identity: id, Balance: amountString(acc.Balance), Mirrored: amountString(acc.Mirrored)}
	if !acc.UpdatedAt.IsZero() {
		at := acc.UpdatedAt
		view.UpdatedAt = &at
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) bot(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	id, err := ledger.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.ledgerProblem(w, err)
		return
	}
	label, ok := h.ledger.BotType(id)
	if !ok {
		h.ledgerProblem(w, ledger.ErrBotNotRegistered)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"identity": id, "botType": label})
}

func (h *Handler) dapp(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	id, err := ledger.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.ledgerProblem(w, err)
		return
	}
	d, ok := h.ledger.DAppMetadata(id)
	if !ok {
		h.ledgerProblem(w, ledger.ErrDAppNotRegistered)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"identity": d.Identity, "label": d.Label, "metadataURI": d.MetadataURI})
}

func (h *Handler) synthetics(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	var assets []synthetic.Asset
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		cat, err := synthetic.ParseCategory(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Category", err.Error())
			return
		}
		assets = h.ledger.SyntheticsByCategory(cat)
	} else {
		assets = h.ledger.Synthetics()
	}
	if assets == nil {
		assets = []synthetic.Asset{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"synthetics": assets})
}

func (h *Handler) synthetic(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	asset, ok := h.ledger.SyntheticBySymbol(chi.URLParam(r, "symbol"))
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, asset)
}

func (h *Handler) receipt(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.unavailable(w, "ledger")
		return
	}
	fp, err := bridgeproof.Parse(chi.URLParam(r, "fingerprint"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Fingerprint", err.Error())
		return
	}
	rec, ok := h.ledger.Receipt(fp)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView{
		Fingerprint:  rec.Fingerprint.String(),
		To:           rec.To,
		Amount:       amountString(rec.Amount),
		SourceDomain: rec.SourceDomain,
		ReceivedBy:   rec.ReceivedBy,
		ReceivedAt:   rec.ReceivedAt,
	})
}

// ledgerProblem renders a ledger error as a typed problem keyed by its code.
func (h *Handler) ledgerProblem(w http.ResponseWriter, err error) {
	code := ledger.Code(err)
	status, ok := ledgerStatus[code]
	if !ok {
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.TypedProblem(w, status, code, http.StatusText(status), err.Error())
}

var ledgerStatus = map[string]int{
	"Unauthorized":        http.StatusForbidden,
	"InvalidAmount":       http.StatusUnprocessableEntity,
	"InvalidSwapAmount":   http.StatusUnprocessableEntity,
	"InvalidMirrorAmount": http.StatusUnprocessableEntity,
	"InsufficientBalance": http.StatusConflict,
	"BridgeError":         http.StatusConflict,
	"FlashLoanNotRepaid":  http.StatusConflict,
	"DAppNotRegistered":   http.StatusNotFound,
	"BotNotRegistered":    http.StatusNotFound,
	"Paused":              http.StatusLocked,
	"SlippageExceeded":    http.StatusConflict,
	"InvalidReceiver":     http.StatusUnprocessableEntity,
	"InvalidIdentity":     http.StatusBadRequest,
	"AssetExists":         http.StatusConflict,
	"InvalidAsset":        http.StatusUnprocessableEntity,
	"SessionClosed":       http.StatusConflict,
	"InvalidRoute":        http.StatusUnprocessableEntity,
	"Reentrant":           http.StatusConflict,
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
