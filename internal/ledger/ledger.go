// Package ledger implements the token accounting engine: balances, mint and
// burn, transfers, mirroring, bridging, flash credit and the actor registry.
//
// The Engine is a single-writer state machine. Every mutating operation holds
// the write lock for its whole duration, stages its effects in a transaction
// overlay, persists them through the Store and only then makes them visible.
// A failing operation discards its overlay and leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/registry"
	"github.com/solace-ledger/solace/internal/synthetic"
)

const recentEventLimit = 1024

// callbackKey marks contexts handed to callbacks running under the engine lock.
type callbackKey struct{}

// Publisher receives committed events. Publish is called with the engine
// lock held and must not block or call back into the Engine.
type Publisher interface {
	Publish(events []Event)
}

// Observer records operation outcomes.
type Observer interface {
	ObserveOperation(op, code string, elapsed time.Duration)
}

// Options configures an Engine.
type Options struct {
	// Genesis receives every genesis role when the store holds no grants.
	Genesis string
	// FlashFeeBps is the flash credit fee. Nil selects DefaultFlashFeeBps.
	FlashFeeBps *uint64
	// Treasury receives flash fees. Empty burns them.
	Treasury string
	// Token is the identifier of the ledger token in trade routes. Empty
	// selects DefaultToken.
	Token     string
	Quoter    TradeQuoter
	Publisher Publisher
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine is the authoritative ledger state machine.
type Engine struct {
	mu sync.RWMutex

	store    Store
	access   *access.Control
	registry *registry.Registry
	catalog  *synthetic.Catalog

	accounts map[string]*Account
	supply   Supply
	paused   bool
	receipts map[bridgeproof.Fingerprint]BridgeReceipt
	nonce    uint64
	seq      uint64
	recent   []Event

	// cbMu guards inCallback. While a callback runs under the write lock
	// the committed state is frozen and reads proceed without mu.
	cbMu       sync.RWMutex
	inCallback bool

	bindMu    sync.RWMutex
	borrowers map[string]FlashBorrower
	handlers  map[string]DAppHandler

	feeBps    uint64
	treasury  string
	token     string
	quoter    TradeQuoter
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Open loads the ledger from store and applies genesis when the store is
// empty of role grants.
func Open(ctx context.Context, store Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("ledger: store required")
	}
	e := &Engine{
		store:     store,
		access:    access.New(),
		registry:  registry.New(),
		catalog:   synthetic.NewCatalog(),
		accounts:  make(map[string]*Account),
		supply:    newSupply(),
		receipts:  make(map[bridgeproof.Fingerprint]BridgeReceipt),
		borrowers: make(map[string]FlashBorrower),
		handlers:  make(map[string]DAppHandler),
		feeBps:    DefaultFlashFeeBps,
		token:     DefaultToken,
		quoter:    opts.Quoter,
		publisher: opts.Publisher,
		observer:  opts.Observer,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if opts.FlashFeeBps != nil {
		e.feeBps = *opts.FlashFeeBps
	}
	if e.feeBps >= bpsDenominator {
		return nil, fmt.Errorf("ledger: flash fee %d bps out of range", e.feeBps)
	}
	if e.quoter == nil {
		e.quoter = ConstantFeeQuoter{FeeBps: DefaultTradeFeeBps}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "ledger"))
	if e.now == nil {
		e.now = time.Now
	}
	if opts.Treasury != "" {
		treasury, err := NormalizeIdentity(opts.Treasury)
		if err != nil {
			return nil, fmt.Errorf("ledger: treasury: %w", err)
		}
		e.treasury = treasury
	}
	if opts.Token != "" {
		token, err := NormalizeIdentity(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("ledger: token: %w", err)
		}
		e.token = token
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load: %w", err)
	}
	e.restore(snap)

	// Genesis emits events, so a non-zero sequence means it already ran even
	// if every role has since been renounced.
	if snap.EventSeq == 0 && len(snap.Grants) == 0 && opts.Genesis != "" {
		if err := e.genesis(ctx, opts.Genesis); err != nil {
			return nil, err
		}
	}
	e.logger.Info("ledger opened",
		slog.Int("accounts", len(e.accounts)),
		slog.Int("receipts", len(e.receipts)),
		slog.String("total_supply", e.supply.Total().Dec()),
		slog.Bool("paused", e.paused),
	)
	return e, nil
}

func (e *Engine) restore(snap Snapshot) {
	for i := range snap.Accounts {
		acc := snap.Accounts[i].clone()
		e.accounts[acc.Identity] = acc
	}
	if snap.Supply.Minted != nil {
		e.supply = snap.Supply.clone()
	}
	e.paused = snap.Paused
	for _, r := range snap.Receipts {
		e.receipts[r.Fingerprint] = r
	}
	e.nonce = snap.OutboundNonce
	e.seq = snap.EventSeq
	e.access.Restore(snap.Grants, snap.RoleAdmins)
	e.registry.Restore(snap.Bots, snap.DApps)
	e.catalog.Restore(snap.Synthetics)
}

func (e *Engine) genesis(ctx context.Context, deployer string) error {
	id, err := NormalizeIdentity(deployer)
	if err != nil {
		return fmt.Errorf("ledger: genesis: %w", err)
	}
	return e.execute(ctx, "genesis", true, func(tx *txn) error {
		for _, role := range access.GenesisRoles() {
			tx.grants = append(tx.grants, access.Grant{Role: role, Identity: id})
			tx.emit(EventRoleGranted, map[string]string{"role": string(role), "account": id, "sender": id})
		}
		return nil
	})
}

// execute runs fn as one serialized, all-or-nothing operation.
func (e *Engine) execute(ctx context.Context, op string, allowPaused bool, fn func(*txn) error) (err error) {
	start := time.Now()
	defer func() {
		if e.observer != nil {
			e.observer.ObserveOperation(op, Code(err), time.Since(start))
		}
	}()

	if held, _ := ctx.Value(callbackKey{}).(*Engine); held == e {
		return fmt.Errorf("%w: %s", ErrReentrant, op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused && !allowPaused {
		return ErrPaused
	}
	tx := newTxn(e, op)
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.outstanding.IsZero() {
		return fmt.Errorf("ledger: %s left %s flash principal outstanding", op, tx.outstanding.Dec())
	}
	if err := e.store.Apply(ctx, tx.changeset()); err != nil {
		e.logger.Error("persist operation", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("ledger: persist %s: %w", op, err)
	}
	tx.commit()
	if e.publisher != nil && len(tx.events) > 0 {
		e.publisher.Publish(tx.events)
	}
	return nil
}

// callback runs fn, a user callback invoked under the write lock.
func (e *Engine) callback(fn func() error) error {
	e.cbMu.Lock()
	e.inCallback = true
	e.cbMu.Unlock()
	defer func() {
		e.cbMu.Lock()
		e.inCallback = false
		e.cbMu.Unlock()
	}()
	return fn()
}

// readLock locks the committed state for reading and returns the unlock
// function. Reads made while a callback holds the write lock, including
// reads from the callback itself, see the state as of before the operation.
func (e *Engine) readLock() func() {
	if e.mu.TryRLock() {
		return e.mu.RUnlock
	}
	e.cbMu.RLock()
	if e.inCallback {
		return e.cbMu.RUnlock
	}
	e.cbMu.RUnlock()
	e.mu.RLock()
	return e.mu.RUnlock
}

func (e *Engine) require(role access.Role, caller string) error {
	if !e.access.HasRole(role, caller) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, caller, role)
	}
	return nil
}

func (e *Engine) remember(events []Event) {
	e.recent = append(e.recent, events...)
	if over := len(e.recent) - recentEventLimit; over > 0 {
		e.recent = append([]Event(nil), e.recent[over:]...)
	}
}

// Mint creates amount new tokens for to. Requires MINTER.
func (e *Engine) Mint(ctx context.Context, caller, to string, amount *uint256.Int) error {
	return e.execute(ctx, "mint", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleMinter, sender); err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		recipient, err := NormalizeIdentity(to)
		if err != nil {
			return err
		}
		if err := tx.mint(recipient, amount); err != nil {
			return err
		}
		tx.emit(EventMint, map[string]string{"sender": sender, "to": recipient, "amount": amount.Dec()})
		return nil
	})
}

// Burn destroys amount from the caller's own balance.
func (e *Engine) Burn(ctx context.Context, caller string, amount *uint256.Int) error {
	return e.execute(ctx, "burn", false, func(tx *txn) error {
		holder, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if err := tx.burn(holder, amount); err != nil {
			return err
		}
		tx.emit(EventBurn, map[string]string{"from": holder, "amount": amount.Dec()})
		return nil
	})
}

// Transfer moves amount from caller to to.
func (e *Engine) Transfer(ctx context.Context, caller, to string, amount *uint256.Int) error {
	return e.transfer(ctx, "transfer", EventTransfer, caller, to, amount)
}

// Swap moves amount from caller to to. It differs from Transfer only in the
// event it emits.
func (e *Engine) Swap(ctx context.Context, caller, to string, amount *uint256.Int) error {
	return e.transfer(ctx, "swap", EventSwap, caller, to, amount)
}

func (e *Engine) transfer(ctx context.Context, op string, kind EventKind, caller, to string, amount *uint256.Int) error {
	return e.execute(ctx, op, false, func(tx *txn) error {
		from, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidSwapAmount
		}
		recipient, err := NormalizeIdentity(to)
		if err != nil {
			return err
		}
		if err := tx.move(from, recipient, amount); err != nil {
			return err
		}
		tx.emit(kind, map[string]string{"from": from, "to": recipient, "amount": amount.Dec()})
		return nil
	})
}

// Pause activates the global pause switch. Requires PAUSER.
func (e *Engine) Pause(ctx context.Context, caller string) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause lifts the global pause switch. Requires PAUSER.
func (e *Engine) Unpause(ctx context.Context, caller string) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller string, paused bool) error {
	op, kind := "pause", EventPaused
	if !paused {
		op, kind = "unpause", EventUnpaused
	}
	return e.execute(ctx, op, !paused, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RolePauser, sender); err != nil {
			return err
		}
		tx.paused = &paused
		tx.emit(kind, map[string]string{"sender": sender})
		return nil
	})
}

// GrantRole gives role to identity. The caller must hold the admin role of role.
func (e *Engine) GrantRole(ctx context.Context, caller string, role access.Role, identity string) error {
	return e.execute(ctx, "grant_role", false, func(tx *txn) error {
		sender, account, err := e.roleParties(caller, role, identity)
		if err != nil {
			return err
		}
		if e.access.HasRole(role, account) {
			return nil
		}
		tx.grants = append(tx.grants, access.Grant{Role: role, Identity: account})
		tx.emit(EventRoleGranted, map[string]string{"role": string(role), "account": account, "sender": sender})
		return nil
	})
}

// RevokeRole removes role from identity. The caller must hold the admin role of role.
func (e *Engine) RevokeRole(ctx context.Context, caller string, role access.Role, identity string) error {
	return e.execute(ctx, "revoke_role", false, func(tx *txn) error {
		sender, account, err := e.roleParties(caller, role, identity)
		if err != nil {
			return err
		}
		if !e.access.HasRole(role, account) {
			return nil
		}
		tx.revokes = append(tx.revokes, access.Grant{Role: role, Identity: account})
		tx.emit(EventRoleRevoked, map[string]string{"role": string(role), "account": account, "sender": sender})
		return nil
	})
}

// RenounceRole drops role from the caller itself.
func (e *Engine) RenounceRole(ctx context.Context, caller string, role access.Role) error {
	return e.execute(ctx, "renounce_role", false, func(tx *txn) error {
		account, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if !e.access.HasRole(role, account) {
			return nil
		}
		tx.revokes = append(tx.revokes, access.Grant{Role: role, Identity: account})
		tx.emit(EventRoleRevoked, map[string]string{"role": string(role), "account": account, "sender": account})
		return nil
	})
}

// SetRoleAdmin changes which role administers role. Requires ADMIN.
func (e *Engine) SetRoleAdmin(ctx context.Context, caller string, role, admin access.Role) error {
	return e.execute(ctx, "set_role_admin", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleAdmin, sender); err != nil {
			return err
		}
		previous := e.access.RoleAdmin(role)
		tx.roleAdmins = map[access.Role]access.Role{role: admin}
		tx.emit(EventRoleAdminChanged, map[string]string{"role": string(role), "previous": string(previous), "admin": string(admin)})
		return nil
	})
}

func (e *Engine) roleParties(caller string, role access.Role, identity string) (string, string, error) {
	sender, err := NormalizeIdentity(caller)
	if err != nil {
		return "", "", err
	}
	if !e.access.CanAdminister(role, sender) {
		return "", "", fmt.Errorf("%w: %s cannot administer %s", ErrUnauthorized, sender, role)
	}
	account, err := NormalizeIdentity(identity)
	if err != nil {
		return "", "", err
	}
	return sender, account, nil
}

// HasRole reports whether identity holds role.
func (e *Engine) HasRole(role access.Role, identity string) bool {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return false
	}
	return e.access.HasRole(role, id)
}

// BalanceOf returns the spendable balance of identity.
func (e *Engine) BalanceOf(identity string) *uint256.Int {
	return e.Account(identity).Balance
}

// MirroredBalanceOf returns the mirrored balance of identity.
func (e *Engine) MirroredBalanceOf(identity string) *uint256.Int {
	return e.Account(identity).Mirrored
}

// Account returns a copy of the account of identity. Unknown identities have
// zero balances.
func (e *Engine) Account(identity string) Account {
	id := identity
	if normalized, err := NormalizeIdentity(identity); err == nil {
		id = normalized
	}
	defer e.readLock()()
	if acc, ok := e.accounts[id]; ok {
		return *acc.clone()
	}
	return *newAccount(id)
}

// Supply returns a copy of the issuance counters.
func (e *Engine) Supply() Supply {
	defer e.readLock()()
	return e.supply.clone()
}

// Paused reports whether the pause switch is active.
func (e *Engine) Paused() bool {
	defer e.readLock()()
	return e.paused
}

// Events returns retained events with sequence greater than after.
func (e *Engine) Events(after uint64) []Event {
	defer e.readLock()()
	var out []Event
	for _, ev := range e.recent {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// ErrInvariantViolated indicates balances no longer add up to the supply.
var ErrInvariantViolated = errors.New("ledger: supply invariant violated")

// CheckInvariant verifies that spendable plus mirrored balances equal minted
// minus burned.
func (e *Engine) CheckInvariant() error {
	defer e.readLock()()
	accounts := make([]Account, 0, len(e.accounts))
	for _, acc := range e.accounts {
		accounts = append(accounts, *acc)
	}
	return VerifySupply(accounts, e.supply)
}

// VerifySupply checks the bookkeeping invariant over a set of accounts.
func VerifySupply(accounts []Account, supply Supply) error {
	sum := new(uint256.Int)
	for _, acc := range accounts {
		var overflow bool
		if sum, overflow = new(uint256.Int).AddOverflow(sum, acc.Balance); overflow {
			return fmt.Errorf("%w: balance sum overflow", ErrInvariantViolated)
		}
		if sum, overflow = new(uint256.Int).AddOverflow(sum, acc.Mirrored); overflow {
			return fmt.Errorf("%w: balance sum overflow", ErrInvariantViolated)
		}
	}
	if supply.Burned.Gt(supply.Minted) {
		return fmt.Errorf("%w: burned %s exceeds minted %s", ErrInvariantViolated, supply.Burned.Dec(), supply.Minted.Dec())
	}
	if total := supply.Total(); !sum.Eq(total) {
		return fmt.Errorf("%w: balances %s, supply %s", ErrInvariantViolated, sum.Dec(), total.Dec())
	}
	return nil
}
