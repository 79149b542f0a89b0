package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/registry"
	"github.com/solace-ledger/solace/internal/synthetic"
)

// txn stages the effects of one operation. Nothing it records is visible to
// readers until the engine commits it; discarding a txn is the rollback.
type txn struct {
	eng  *Engine
	now  time.Time
	op   string
	seq  uint64
	next uint64

	accounts map[string]*Account
	order    []string
	supply   Supply
	paused   *bool

	receipts []BridgeReceipt
	seen     map[bridgeproof.Fingerprint]struct{}
	outbound []OutboundTransfer

	grants     []access.Grant
	revokes    []access.Grant
	roleAdmins map[access.Role]access.Role

	bots         []registry.Bot
	removedBots  []string
	dapps        []registry.DApp
	removedDApps []string
	synthetics   []synthetic.Asset

	events []Event
	// outstanding flash principal; must be zero at commit
	outstanding *uint256.Int
}

func newTxn(e *Engine, op string) *txn {
	return &txn{
		eng:         e,
		now:         e.now().UTC(),
		op:          op,
		seq:         e.seq,
		next:        e.nonce,
		accounts:    make(map[string]*Account),
		supply:      e.supply.clone(),
		seen:        make(map[bridgeproof.Fingerprint]struct{}),
		outstanding: new(uint256.Int),
	}
}

// account returns the staged copy of id, creating it on first touch.
func (tx *txn) account(id string) *Account {
	if acc, ok := tx.accounts[id]; ok {
		return acc
	}
	var acc *Account
	if committed, ok := tx.eng.accounts[id]; ok {
		acc = committed.clone()
	} else {
		acc = newAccount(id)
	}
	tx.accounts[id] = acc
	tx.order = append(tx.order, id)
	return acc
}

func (tx *txn) balance(id string) *uint256.Int {
	if acc, ok := tx.accounts[id]; ok {
		return acc.Balance.Clone()
	}
	if acc, ok := tx.eng.accounts[id]; ok {
		return acc.Balance.Clone()
	}
	return new(uint256.Int)
}

func (tx *txn) credit(id string, amount *uint256.Int) error {
	acc := tx.account(id)
	sum, overflow := new(uint256.Int).AddOverflow(acc.Balance, amount)
	if overflow {
		return fmt.Errorf("%w: balance overflow for %s", ErrInvalidAmount, id)
	}
	acc.Balance = sum
	acc.UpdatedAt = tx.now
	return nil
}

func (tx *txn) debit(id string, amount *uint256.Int) error {
	acc := tx.account(id)
	if acc.Balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, id, acc.Balance.Dec(), amount.Dec())
	}
	acc.Balance = new(uint256.Int).Sub(acc.Balance, amount)
	acc.UpdatedAt = tx.now
	return nil
}

// move debits from and credits to, or changes nothing.
func (tx *txn) move(from, to string, amount *uint256.Int) error {
	src := tx.account(from)
	if src.Balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, src.Balance.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	dst := tx.account(to)
	if _, overflow := new(uint256.Int).AddOverflow(dst.Balance, amount); overflow {
		return fmt.Errorf("%w: balance overflow for %s", ErrInvalidAmount, to)
	}
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	return tx.credit(to, amount)
}

func (tx *txn) mint(to string, amount *uint256.Int) error {
	minted, overflow := new(uint256.Int).AddOverflow(tx.supply.Minted, amount)
	if overflow {
		return fmt.Errorf("%w: supply overflow", ErrInvalidAmount)
	}
	if err := tx.credit(to, amount); err != nil {
		return err
	}
	tx.supply.Minted = minted
	return nil
}

func (tx *txn) burn(from string, amount *uint256.Int) error {
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	tx.supply.Burned = new(uint256.Int).Add(tx.supply.Burned, amount)
	return nil
}

func (tx *txn) mirror(id string, amount *uint256.Int) error {
	acc := tx.account(id)
	if acc.Balance.Lt(amount) {
		return fmt.Errorf("%w: spendable %s below %s", ErrInsufficientBalance, acc.Balance.Dec(), amount.Dec())
	}
	mirrored, overflow := new(uint256.Int).AddOverflow(acc.Mirrored, amount)
	if overflow {
		return fmt.Errorf("%w: mirrored overflow", ErrInvalidMirrorAmount)
	}
	acc.Balance = new(uint256.Int).Sub(acc.Balance, amount)
	acc.Mirrored = mirrored
	acc.UpdatedAt = tx.now
	return nil
}

func (tx *txn) unmirror(id string, amount *uint256.Int) error {
	acc := tx.account(id)
	if acc.Mirrored.Lt(amount) {
		return fmt.Errorf("%w: mirrored %s below %s", ErrInvalidMirrorAmount, acc.Mirrored.Dec(), amount.Dec())
	}
	balance, overflow := new(uint256.Int).AddOverflow(acc.Balance, amount)
	if overflow {
		return fmt.Errorf("%w: balance overflow", ErrInvalidMirrorAmount)
	}
	acc.Mirrored = new(uint256.Int).Sub(acc.Mirrored, amount)
	acc.Balance = balance
	acc.UpdatedAt = tx.now
	return nil
}

func (tx *txn) settled(fp bridgeproof.Fingerprint) bool {
	if _, ok := tx.seen[fp]; ok {
		return true
	}
	_, ok := tx.eng.receipts[fp]
	return ok
}

func (tx *txn) emit(kind EventKind, attrs map[string]string) {
	tx.seq++
	tx.events = append(tx.events, Event{
		ID:    uuid.New(),
		Seq:   tx.seq,
		Kind:  kind,
		At:    tx.now,
		Attrs: attrs,
	})
}

func (tx *txn) changeset() Changeset {
	cs := Changeset{
		Operation:    tx.op,
		Supply:       tx.supply.clone(),
		Paused:       tx.paused,
		Receipts:     tx.receipts,
		Outbound:     tx.outbound,
		Grants:       tx.grants,
		Revokes:      tx.revokes,
		RoleAdmins:   tx.roleAdmins,
		Bots:         tx.bots,
		RemovedBots:  tx.removedBots,
		DApps:        tx.dapps,
		RemovedDApps: tx.removedDApps,
		Synthetics:   tx.synthetics,
		Events:       tx.events,
	}
	for _, id := range tx.order {
		cs.Accounts = append(cs.Accounts, *tx.accounts[id].clone())
	}
	return cs
}

// commit publishes the staged state into the engine. The caller holds the
// engine write lock and has already persisted the change set.
func (tx *txn) commit() {
	e := tx.eng
	for _, id := range tx.order {
		e.accounts[id] = tx.accounts[id]
	}
	e.supply = tx.supply
	if tx.paused != nil {
		e.paused = *tx.paused
	}
	for _, r := range tx.receipts {
		e.receipts[r.Fingerprint] = r
	}
	e.nonce = tx.next
	e.seq = tx.seq
	for _, g := range tx.grants {
		e.access.Grant(g.Role, g.Identity)
	}
	for _, g := range tx.revokes {
		e.access.Revoke(g.Role, g.Identity)
	}
	for role, admin := range tx.roleAdmins {
		e.access.SetRoleAdmin(role, admin)
	}
	for _, b := range tx.bots {
		e.registry.PutBot(b)
	}
	for _, id := range tx.removedBots {
		e.registry.RemoveBot(id)
	}
	for _, d := range tx.dapps {
		e.registry.PutDApp(d)
	}
	for _, id := range tx.removedDApps {
		e.registry.RemoveDApp(id)
	}
	for _, a := range tx.synthetics {
		e.catalog.Add(a)
	}
	e.remember(tx.events)
}
