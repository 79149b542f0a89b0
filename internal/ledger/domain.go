package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/bridgeproof"
)

const (
	// FlashPoolIdentity is the lender account of flash credit.
	FlashPoolIdentity = "ledger:flash-pool"
	// TradeVenueIdentity settles ledger-token legs of bot trades.
	TradeVenueIdentity = "ledger:trade-venue"

	// DefaultToken identifies the ledger token in trade routes when none is
	// configured.
	DefaultToken = "solace"

	// DefaultFlashFeeBps is the flash credit fee in basis points.
	DefaultFlashFeeBps = 9
	bpsDenominator     = 10000
)

var (
	// ErrUnauthorized indicates a failed role check.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrInvalidAmount indicates a zero or out of range quantity.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidSwapAmount indicates a zero transfer or swap quantity.
	ErrInvalidSwapAmount = errors.New("ledger: invalid swap amount")
	// ErrInvalidMirrorAmount indicates a zero or excessive mirror quantity.
	ErrInvalidMirrorAmount = errors.New("ledger: invalid mirror amount")
	// ErrInsufficientBalance indicates the spendable balance is too low.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrBridge indicates a replayed bridge proof.
	ErrBridge = errors.New("ledger: bridge error")
	// ErrFlashLoanNotRepaid indicates principal plus fee was not returned.
	ErrFlashLoanNotRepaid = errors.New("ledger: flash loan not repaid")
	// ErrDAppNotRegistered indicates an unknown dApp.
	ErrDAppNotRegistered = errors.New("ledger: dapp not registered")
	// ErrPaused indicates the global pause switch is active.
	ErrPaused = errors.New("ledger: paused")
	// ErrBotNotRegistered indicates trade execution by an unknown bot.
	ErrBotNotRegistered = errors.New("ledger: bot not registered")
	// ErrSlippageExceeded indicates the realized output is below the minimum.
	ErrSlippageExceeded = errors.New("ledger: slippage exceeded")
	// ErrInvalidReceiver indicates a flash receiver without a callback.
	ErrInvalidReceiver = errors.New("ledger: invalid flash receiver")
	// ErrInvalidIdentity indicates an empty or reserved identity.
	ErrInvalidIdentity = errors.New("ledger: invalid identity")
	// ErrAssetExists indicates a duplicate synthetic symbol.
	ErrAssetExists = errors.New("ledger: synthetic asset already exists")
	// ErrInvalidAsset indicates malformed synthetic asset fields.
	ErrInvalidAsset = errors.New("ledger: invalid synthetic asset")
	// ErrSessionClosed indicates use of a session after its callback returned.
	ErrSessionClosed = errors.New("ledger: session closed")
	// ErrInvalidRoute indicates a trade that does not touch the ledger token.
	ErrInvalidRoute = errors.New("ledger: invalid trade route")
	// ErrReentrant indicates an engine call made from inside a callback.
	ErrReentrant = errors.New("ledger: reentrant call")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidSwapAmount, "InvalidSwapAmount"},
	{ErrInvalidMirrorAmount, "InvalidMirrorAmount"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrBridge, "BridgeError"},
	{ErrFlashLoanNotRepaid, "FlashLoanNotRepaid"},
	{ErrDAppNotRegistered, "DAppNotRegistered"},
	{ErrPaused, "Paused"},
	{ErrBotNotRegistered, "BotNotRegistered"},
	{ErrSlippageExceeded, "SlippageExceeded"},
	{ErrInvalidReceiver, "InvalidReceiver"},
	{ErrInvalidIdentity, "InvalidIdentity"},
	{ErrAssetExists, "AssetExists"},
	{ErrInvalidAsset, "InvalidAsset"},
	{ErrSessionClosed, "SessionClosed"},
	{ErrInvalidRoute, "InvalidRoute"},
	{ErrReentrant, "Reentrant"},
}

// Code returns the short taxonomy name of err, or "Internal" for errors
// outside the ledger taxonomy.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// NormalizeIdentity trims and lower-cases an identity. Reserved ledger
// identities are rejected.
func NormalizeIdentity(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", ErrInvalidIdentity
	}
	if strings.HasPrefix(id, "ledger:") {
		return "", fmt.Errorf("%w: %s is reserved", ErrInvalidIdentity, id)
	}
	return id, nil
}

// Account holds the balances of one identity.
type Account struct {
	Identity  string
	Balance   *uint256.Int
	Mirrored  *uint256.Int
	UpdatedAt time.Time
}

func newAccount(id string) *Account {
	return &Account{Identity: id, Balance: new(uint256.Int), Mirrored: new(uint256.Int)}
}

func (a *Account) clone() *Account {
	return &Account{
		Identity:  a.Identity,
		Balance:   a.Balance.Clone(),
		Mirrored:  a.Mirrored.Clone(),
		UpdatedAt: a.UpdatedAt,
	}
}

// Supply tracks issuance counters.
type Supply struct {
	Minted     *uint256.Int
	Burned     *uint256.Int
	BridgedIn  *uint256.Int
	BridgedOut *uint256.Int
	FlashFees  *uint256.Int
}

func newSupply() Supply {
	return Supply{
		Minted:     new(uint256.Int),
		Burned:     new(uint256.Int),
		BridgedIn:  new(uint256.Int),
		BridgedOut: new(uint256.Int),
		FlashFees:  new(uint256.Int),
	}
}

func (s Supply) clone() Supply {
	return Supply{
		Minted:     s.Minted.Clone(),
		Burned:     s.Burned.Clone(),
		BridgedIn:  s.BridgedIn.Clone(),
		BridgedOut: s.BridgedOut.Clone(),
		FlashFees:  s.FlashFees.Clone(),
	}
}

// Total returns minted minus burned.
func (s Supply) Total() *uint256.Int {
	return new(uint256.Int).Sub(s.Minted, s.Burned)
}

// BridgeReceipt records a settled inbound transfer.
type BridgeReceipt struct {
	Fingerprint  bridgeproof.Fingerprint
	To           string
	Amount       *uint256.Int
	SourceDomain uint64
	ReceivedBy   string
	ReceivedAt   time.Time
}

// OutboundTransfer records a lock-and-burn toward another domain.
type OutboundTransfer struct {
	Nonce        uint64
	Sender       string
	Amount       *uint256.Int
	TargetDomain uint64
	CreatedAt    time.Time
}

// EventKind names an observable ledger event.
type EventKind string

const (
	EventMint              EventKind = "Mint"
	EventBurn              EventKind = "Burn"
	EventTransfer          EventKind = "Transfer"
	EventSwap              EventKind = "Swap"
	EventPaused            EventKind = "Paused"
	EventUnpaused          EventKind = "Unpaused"
	EventRoleGranted       EventKind = "RoleGranted"
	EventRoleRevoked       EventKind = "RoleRevoked"
	EventRoleAdminChanged  EventKind = "RoleAdminChanged"
	EventMirrorCreated     EventKind = "MirrorCreated"
	EventMirrorRedeemed    EventKind = "MirrorRedeemed"
	EventTokensBridged     EventKind = "TokensBridged"
	EventTokensReceived    EventKind = "TokensReceived"
	EventFlashLoan         EventKind = "FlashLoan"
	EventBotRegistered     EventKind = "BotRegistered"
	EventBotDeregistered   EventKind = "BotDeregistered"
	EventTradeExecuted     EventKind = "TradeExecuted"
	EventDAppRegistered    EventKind = "DAppRegistered"
	EventDAppDeregistered  EventKind = "DAppDeregistered"
	EventDAppInteraction   EventKind = "DAppInteraction"
	EventSyntheticDeployed EventKind = "SyntheticDeployed"
)

// Event is an entry of the append-only ledger journal.
type Event struct {
	ID    uuid.UUID         `json:"id"`
	Seq   uint64            `json:"seq"`
	Kind  EventKind         `json:"kind"`
	At    time.Time         `json:"at"`
	Attrs map[string]string `json:"attrs"`
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
