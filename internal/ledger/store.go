package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/registry"
	"github.com/solace-ledger/solace/internal/synthetic"
)

// Store persists the ledger. Apply must be atomic: either the whole change
// set is durable or none of it is.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Apply(ctx context.Context, cs Changeset) error
	// Outbound lists outbound transfers with nonce greater than after,
	// oldest first. A limit of zero means no limit.
	Outbound(ctx context.Context, after uint64, limit int) ([]OutboundTransfer, error)
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Accounts      []Account
	Supply        Supply
	Paused        bool
	Receipts      []BridgeReceipt
	OutboundNonce uint64
	EventSeq      uint64
	Grants        []access.Grant
	RoleAdmins    map[access.Role]access.Role
	Bots          []registry.Bot
	DApps         []registry.DApp
	Synthetics    []synthetic.Asset
}

// Changeset is the durable effect of one committed operation.
type Changeset struct {
	Operation    string
	Accounts     []Account
	Supply       Supply
	Paused       *bool
	Receipts     []BridgeReceipt
	Outbound     []OutboundTransfer
	Grants       []access.Grant
	Revokes      []access.Grant
	RoleAdmins   map[access.Role]access.Role
	Bots         []registry.Bot
	RemovedBots  []string
	DApps        []registry.DApp
	RemovedDApps []string
	Synthetics   []synthetic.Asset
	Events       []Event
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]Account
	supply     Supply
	paused     bool
	receipts   map[bridgeproof.Fingerprint]BridgeReceipt
	outbound   []OutboundTransfer
	events     []Event
	grants     map[access.Grant]struct{}
	roleAdmins map[access.Role]access.Role
	bots       map[string]registry.Bot
	dapps      map[string]registry.DApp
	synthetics []synthetic.Asset
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]Account),
		supply:     newSupply(),
		receipts:   make(map[bridgeproof.Fingerprint]BridgeReceipt),
		grants:     make(map[access.Grant]struct{}),
		roleAdmins: make(map[access.Role]access.Role),
		bots:       make(map[string]registry.Bot),
		dapps:      make(map[string]registry.DApp),
	}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("ledger: memory store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Supply:     s.supply.clone(),
		Paused:     s.paused,
		RoleAdmins: make(map[access.Role]access.Role, len(s.roleAdmins)),
		Synthetics: append([]synthetic.Asset(nil), s.synthetics...),
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, *(&a).clone())
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].Identity < snap.Accounts[j].Identity })
	for _, r := range s.receipts {
		r.Amount = r.Amount.Clone()
		snap.Receipts = append(snap.Receipts, r)
	}
	if n := len(s.outbound); n > 0 {
		snap.OutboundNonce = s.outbound[n-1].Nonce
	}
	if n := len(s.events); n > 0 {
		snap.EventSeq = s.events[n-1].Seq
	}
	for g := range s.grants {
		snap.Grants = append(snap.Grants, g)
	}
	for k, v := range s.roleAdmins {
		snap.RoleAdmins[k] = v
	}
	for _, b := range s.bots {
		snap.Bots = append(snap.Bots, b)
	}
	for _, d := range s.dapps {
		snap.DApps = append(snap.DApps, d)
	}
	return snap, nil
}

// Apply stores the change set.
func (s *MemoryStore) Apply(ctx context.Context, cs Changeset) error {
	if s == nil {
		return errors.New("ledger: memory store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range cs.Accounts {
		s.accounts[a.Identity] = *(&a).clone()
	}
	if cs.Supply.Minted != nil {
		s.supply = cs.Supply.clone()
	}
	if cs.Paused != nil {
		s.paused = *cs.Paused
	}
	for _, r := range cs.Receipts {
		s.receipts[r.Fingerprint] = r
	}
	s.outbound = append(s.outbound, cs.Outbound...)
	s.events = append(s.events, cs.Events...)
	for _, g := range cs.Grants {
		s.grants[g] = struct{}{}
	}
	for _, g := range cs.Revokes {
		delete(s.grants, g)
	}
	for k, v := range cs.RoleAdmins {
		s.roleAdmins[k] = v
	}
	for _, b := range cs.Bots {
		s.bots[b.Identity] = b
	}
	for _, id := range cs.RemovedBots {
		delete(s.bots, id)
	}
	for _, d := range cs.DApps {
		s.dapps[d.Identity] = d
	}
	for _, id := range cs.RemovedDApps {
		delete(s.dapps, id)
	}
	s.synthetics = append(s.synthetics, cs.Synthetics...)
	return nil
}

// Outbound returns outbound records with nonce greater than after.
func (s *MemoryStore) Outbound(ctx context.Context, after uint64, limit int) ([]OutboundTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboundTransfer
	for _, o := range s.outbound {
		if o.Nonce <= after {
			continue
		}
		o.Amount = o.Amount.Clone()
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Events returns every stored event.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
