package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/relay"
)

// AuditReport is the outcome of an offline supply audit.
type AuditReport struct {
	Accounts   int    `json:"accounts"`
	Minted     string `json:"minted"`
	Burned     string `json:"burned"`
	Total      string `json:"total"`
	BridgedIn  string `json:"bridgedIn"`
	BridgedOut string `json:"bridgedOut"`
	FlashFees  string `json:"flashFees"`
	Paused     bool   `json:"paused"`
	OK         bool   `json:"ok"`
	Problem    string `json:"problem,omitempty"`
}

// LedgerCLI inspects persisted ledger state without starting an engine.
type LedgerCLI struct {
	store    ledger.Store
	requests relay.Repository
	out      io.Writer
}

// NewLedgerCLI constructs the helper. requests may be nil.
func NewLedgerCLI(store ledger.Store, requests relay.Repository, out io.Writer) *LedgerCLI {
	return &LedgerCLI{store: store, requests: requests, out: out}
}

// Audit checks balances against the supply counters and prints the report.
// A broken invariant is returned as ledger.ErrInvariantViolated after printing.
func (c *LedgerCLI) Audit(ctx context.Context) (AuditReport, error) {
	snap, err := c.store.Load(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{
		Accounts:   len(snap.Accounts),
		Minted:     snap.Supply.Minted.Dec(),
		Burned:     snap.Supply.Burned.Dec(),
		BridgedIn:  snap.Supply.BridgedIn.Dec(),
		BridgedOut: snap.Supply.BridgedOut.Dec(),
		FlashFees:  snap.Supply.FlashFees.Dec(),
		Paused:     snap.Paused,
		OK:         true,
	}
	if !snap.Supply.Burned.Gt(snap.Supply.Minted) {
		report.Total = snap.Supply.Total().Dec()
	}
	verr := ledger.VerifySupply(snap.Accounts, snap.Supply)
	if verr != nil {
		report.OK = false
		report.Problem = verr.Error()
	}
	if err := c.print(report); err != nil {
		return report, err
	}
	return report, verr
}

type outboundLine struct {
	Nonce        uint64 `json:"nonce"`
	Sender       string `json:"sender"`
	Amount       string `json:"amount"`
	TargetDomain uint64 `json:"targetDomain"`
	CreatedAt    string `json:"createdAt"`
}

// Outbound prints outbound bridge transfers after the given nonce, one JSON
// object per line.
func (c *LedgerCLI) Outbound(ctx context.Context, after uint64, limit int) (int, error) {
	transfers, err := c.store.Outbound(ctx, after, limit)
	if err != nil {
		return 0, err
	}
	for _, o := range transfers {
		if err := c.print(outboundLine{
			Nonce:        o.Nonce,
			Sender:       o.Sender,
			Amount:       o.Amount.Dec(),
			TargetDomain: o.TargetDomain,
			CreatedAt:    o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}); err != nil {
			return 0, err
		}
	}
	return len(transfers), nil
}

// BridgeRequests prints bridge requests in the given status.
func (c *LedgerCLI) BridgeRequests(ctx context.Context, status relay.Status, limit int) (int, error) {
	if c.requests == nil {
		return 0, errors.New("ledger cli: bridge requests not configured")
	}
	switch status {
	case relay.StatusPending, relay.StatusSubmitted, relay.StatusFailed:
	default:
		return 0, fmt.Errorf("ledger cli: unknown status %q", status)
	}
	reqs, err := c.requests.ListByStatus(ctx, status, limit)
	if err != nil {
		return 0, err
	}
	for _, r := range reqs {
		if err := c.print(r); err != nil {
			return 0, err
		}
	}
	return len(reqs), nil
}

func (c *LedgerCLI) print(v any) error {
	return json.NewEncoder(c.out).Encode(v)
}
