// Package pgstore persists the ledger in PostgreSQL.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/platform/db"
	"github.com/solace-ledger/solace/internal/registry"
	"github.com/solace-ledger/solace/internal/synthetic"
)

//go:embed schema.sql
var schema string

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the ledger tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("pgstore: not initialised")
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

// Load reads the full ledger state in one repeatable-read transaction.
func (s *Store) Load(ctx context.Context) (ledger.Snapshot, error) {
	if s == nil || s.pool == nil {
		return ledger.Snapshot{}, errors.New("pgstore: not initialised")
	}
	var snap ledger.Snapshot
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		r := reader{tx: tx}
		var err error
		if snap.Accounts, err = r.accounts(ctx); err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		if snap.Supply, err = r.supply(ctx); err != nil {
			return fmt.Errorf("supply: %w", err)
		}
		if err = tx.QueryRow(ctx, `SELECT paused, outbound_nonce, event_seq FROM ledger_state WHERE id=1`).
			Scan(&snap.Paused, &snap.OutboundNonce, &snap.EventSeq); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("state: %w", err)
		}
		if snap.Receipts, err = r.receipts(ctx); err != nil {
			return fmt.Errorf("receipts: %w", err)
		}
		if snap.Grants, snap.RoleAdmins, err = r.roles(ctx); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
		if snap.Bots, snap.DApps, err = r.actors(ctx); err != nil {
			return fmt.Errorf("actors: %w", err)
		}
		if snap.Synthetics, err = r.synthetics(ctx); err != nil {
			return fmt.Errorf("synthetics: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("pgstore: load: %w", err)
	}
	return snap, nil
}

// Apply writes a change set in one transaction.
func (s *Store) Apply(ctx context.Context, cs ledger.Changeset) error {
	if s == nil || s.pool == nil {
		return errors.New("pgstore: not initialised")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		w := writer{tx: tx}
		for _, a := range cs.Accounts {
			if _, err := tx.Exec(ctx, `INSERT INTO ledger_accounts (identity, balance, mirrored, updated_at)
VALUES ($1, $2::numeric, $3::numeric, $4)
ON CONFLICT (identity) DO UPDATE SET balance=EXCLUDED.balance, mirrored=EXCLUDED.mirrored, updated_at=EXCLUDED.updated_at`,
				a.Identity, a.Balance.Dec(), a.Mirrored.Dec(), a.UpdatedAt); err != nil {
				return fmt.Errorf("pgstore: upsert account %s: %w", a.Identity, err)
			}
		}
		if err := w.supply(ctx, cs.Supply); err != nil {
			return err
		}
		if err := w.state(ctx, cs); err != nil {
			return err
		}
		for _, r := range cs.Receipts {
			_, err := tx.Exec(ctx, `INSERT INTO ledger_bridge_receipts (fingerprint, recipient, amount, source_domain, received_by, received_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6)`, r.Fingerprint[:], r.To, r.Amount.Dec(), int64(r.SourceDomain), r.ReceivedBy, r.ReceivedAt)
			if err != nil {
				if db.IsUniqueViolation(err) {
					return fmt.Errorf("%w: proof %s already settled", ledger.ErrBridge, r.Fingerprint)
				}
				return fmt.Errorf("pgstore: insert receipt: %w", err)
			}
		}
		for _, o := range cs.Outbound {
			if _, err := tx.Exec(ctx, `INSERT INTO ledger_bridge_outbound (nonce, sender, amount, target_domain, created_at)
VALUES ($1, $2, $3::numeric, $4, $5)`, int64(o.Nonce), o.Sender, o.Amount.Dec(), int64(o.TargetDomain), o.CreatedAt); err != nil {
				return fmt.Errorf("pgstore: insert outbound: %w", err)
			}
		}
		if err := w.roles(ctx, cs); err != nil {
			return err
		}
		if err := w.actors(ctx, cs); err != nil {
			return err
		}
		for _, a := range cs.Synthetics {
			if _, err := tx.Exec(ctx, `INSERT INTO ledger_synthetics (symbol, name, category, underlying, oracle, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, a.Symbol, a.Name, int16(a.Category), a.Underlying, a.Oracle, a.CreatedBy, a.CreatedAt); err != nil {
				if db.IsUniqueViolation(err) {
					return fmt.Errorf("%w: %s", ledger.ErrAssetExists, a.Symbol)
				}
				return fmt.Errorf("pgstore: insert synthetic: %w", err)
			}
		}
		return w.events(ctx, cs.Operation, cs.Events)
	})
}

// Outbound lists outbound transfers after nonce after.
func (s *Store) Outbound(ctx context.Context, after uint64, limit int) ([]ledger.OutboundTransfer, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT nonce, sender, amount::text, target_domain, created_at
FROM ledger_bridge_outbound WHERE nonce > $1 ORDER BY nonce ASC LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list outbound: %w", err)
	}
	defer rows.Close()
	var out []ledger.OutboundTransfer
	for rows.Next() {
		var (
			o             ledger.OutboundTransfer
			nonce, domain int64
			amount        string
		)
		if err := rows.Scan(&nonce, &o.Sender, &amount, &domain, &o.CreatedAt); err != nil {
			return nil, err
		}
		if o.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		o.Nonce, o.TargetDomain = uint64(nonce), uint64(domain)
		out = append(out, o)
	}
	return out, rows.Err()
}

// StoredEvent is a journal row.
type StoredEvent struct {
	ledger.Event
	Operation string
}

// Events lists journal entries with sequence greater than after.
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `SELECT seq, id, kind, operation, attrs, at FROM ledger_events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list events: %w", err)
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var (
			ev   StoredEvent
			seq  int64
			kind string
		)
		if err := rows.Scan(&seq, &ev.ID, &kind, &ev.Operation, &ev.Attrs, &ev.At); err != nil {
			return nil, err
		}
		ev.Seq, ev.Kind = uint64(seq), ledger.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type reader struct {
	tx pgx.Tx
}

func (r reader) accounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT identity, balance::text, mirrored::text, updated_at FROM ledger_accounts ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []ledger.Account
	for rows.Next() {
		var (
			a                 ledger.Account
			balance, mirrored string
		)
		if err := rows.Scan(&a.Identity, &balance, &mirrored, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if a.Balance, err = parseAmount(balance); err != nil {
			return nil, err
		}
		if a.Mirrored, err = parseAmount(mirrored); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r reader) supply(ctx context.Context) (ledger.Supply, error) {
	var minted, burned, in, out, fees string
	err := r.tx.QueryRow(ctx, `SELECT minted::text, burned::text, bridged_in::text, bridged_out::text, flash_fees::text FROM ledger_supply WHERE id=1`).
		Scan(&minted, &burned, &in, &out, &fees)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Supply{}, nil
	}
	if err != nil {
		return ledger.Supply{}, err
	}
	var sup ledger.Supply
	for _, f := range []struct {
		dst **uint256.Int
		raw string
	}{{&sup.Minted, minted}, {&sup.Burned, burned}, {&sup.BridgedIn, in}, {&sup.BridgedOut, out}, {&sup.FlashFees, fees}} {
		if *f.dst, err = parseAmount(f.raw); err != nil {
			return ledger.Supply{}, err
		}
	}
	return sup, nil
}

func (r reader) receipts(ctx context.Context) ([]ledger.BridgeReceipt, error) {
	rows, err := r.tx.Query(ctx, `SELECT fingerprint, recipient, amount::text, source_domain, received_by, received_at FROM ledger_bridge_receipts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.BridgeReceipt
	for rows.Next() {
		var (
			rec    ledger.BridgeReceipt
			fp     []byte
			amount string
			domain int64
		)
		if err := rows.Scan(&fp, &rec.To, &amount, &domain, &rec.ReceivedBy, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if len(fp) != len(rec.Fingerprint) {
			return nil, bridgeproof.ErrMalformed
		}
		copy(rec.Fingerprint[:], fp)
		if rec.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		rec.SourceDomain = uint64(domain)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r reader) roles(ctx context.Context) ([]access.Grant, map[access.Role]access.Role, error) {
	rows, err := r.tx.Query(ctx, `SELECT role, identity FROM ledger_roles ORDER BY role, identity`)
	if err != nil {
		return nil, nil, err
	}
	var grants []access.Grant
	for rows.Next() {
		var role, id string
		if err := rows.Scan(&role, &id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		grants = append(grants, access.Grant{Role: access.Role(role), Identity: id})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = r.tx.Query(ctx, `SELECT role, admin_role FROM ledger_role_admins`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	admins := make(map[access.Role]access.Role)
	for rows.Next() {
		var role, admin string
		if err := rows.Scan(&role, &admin); err != nil {
			return nil, nil, err
		}
		admins[access.Role(role)] = access.Role(admin)
	}
	return grants, admins, rows.Err()
}

func (r reader) actors(ctx context.Context) ([]registry.Bot, []registry.DApp, error) {
	rows, err := r.tx.Query(ctx, `SELECT identity, label, registered_at FROM ledger_bots ORDER BY identity`)
	if err != nil {
		return nil, nil, err
	}
	var bots []registry.Bot
	for rows.Next() {
		var b registry.Bot
		if err := rows.Scan(&b.Identity, &b.Label, &b.RegisteredAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		bots = append(bots, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = r.tx.Query(ctx, `SELECT identity, label, metadata_uri, registered_at FROM ledger_dapps ORDER BY identity`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var dapps []registry.DApp
	for rows.Next() {
		var d registry.DApp
		if err := rows.Scan(&d.Identity, &d.Label, &d.MetadataURI, &d.RegisteredAt); err != nil {
			return nil, nil, err
		}
		dapps = append(dapps, d)
	}
	return bots, dapps, rows.Err()
}

func (r reader) synthetics(ctx context.Context) ([]synthetic.Asset, error) {
	rows, err := r.tx.Query(ctx, `SELECT symbol, name, category, underlying, oracle, created_by, created_at FROM ledger_synthetics ORDER BY created_at, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []synthetic.Asset
	for rows.Next() {
		var (
			a   synthetic.Asset
			cat int16
		)
		if err := rows.Scan(&a.Symbol, &a.Name, &cat, &a.Underlying, &a.Oracle, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Category = synthetic.Category(cat)
		out = append(out, a)
	}
	return out, rows.Err()
}

type writer struct {
	tx pgx.Tx
}

func (w writer) supply(ctx context.Context, sup ledger.Supply) error {
	if sup.Minted == nil {
		return nil
	}
	_, err := w.tx.Exec(ctx, `INSERT INTO ledger_supply (id, minted, burned, bridged_in, bridged_out, flash_fees)
VALUES (1, $1::numeric, $2::numeric, $3::numeric, $4::numeric, $5::numeric)
ON CONFLICT (id) DO UPDATE SET minted=EXCLUDED.minted, burned=EXCLUDED.burned, bridged_in=EXCLUDED.bridged_in,
bridged_out=EXCLUDED.bridged_out, flash_fees=EXCLUDED.flash_fees`,
		sup.Minted.Dec(), sup.Burned.Dec(), sup.BridgedIn.Dec(), sup.BridgedOut.Dec(), sup.FlashFees.Dec())
	if err != nil {
		return fmt.Errorf("pgstore: update supply: %w", err)
	}
	return nil
}

func (w writer) state(ctx context.Context, cs ledger.Changeset) error {
	var nonce int64
	for _, o := range cs.Outbound {
		if int64(o.Nonce) > nonce {
			nonce = int64(o.Nonce)
		}
	}
	var seq int64
	if n := len(cs.Events); n > 0 {
		seq = int64(cs.Events[n-1].Seq)
	}
	_, err := w.tx.Exec(ctx, `INSERT INTO ledger_state (id, paused, outbound_nonce, event_seq, updated_at)
VALUES (1, COALESCE($1, FALSE), $2, $3, NOW())
ON CONFLICT (id) DO UPDATE SET paused=COALESCE($1, ledger_state.paused),
outbound_nonce=GREATEST(ledger_state.outbound_nonce, $2),
event_seq=GREATEST(ledger_state.event_seq, $3), updated_at=NOW()`, cs.Paused, nonce, seq)
	if err != nil {
		return fmt.Errorf("pgstore: update state: %w", err)
	}
	return nil
}

func (w writer) roles(ctx context.Context, cs ledger.Changeset) error {
	for _, g := range cs.Grants {
		if _, err := w.tx.Exec(ctx, `INSERT INTO ledger_roles (role, identity) VALUES ($1,$2) ON CONFLICT DO NOTHING`, string(g.Role), g.Identity); err != nil {
			return fmt.Errorf("pgstore: grant role: %w", err)
		}
	}
	for _, g := range cs.Revokes {
		if _, err := w.tx.Exec(ctx, `DELETE FROM ledger_roles WHERE role=$1 AND identity=$2`, string(g.Role), g.Identity); err != nil {
			return fmt.Errorf("pgstore: revoke role: %w", err)
		}
	}
	for role, admin := range cs.RoleAdmins {
		var err error
		if admin == access.RoleAdmin {
			_, err = w.tx.Exec(ctx, `DELETE FROM ledger_role_admins WHERE role=$1`, string(role))
		} else {
			_, err = w.tx.Exec(ctx, `INSERT INTO ledger_role_admins (role, admin_role) VALUES ($1,$2)
ON CONFLICT (role) DO UPDATE SET admin_role=EXCLUDED.admin_role`, string(role), string(admin))
		}
		if err != nil {
			return fmt.Errorf("pgstore: set role admin: %w", err)
		}
	}
	return nil
}

func (w writer) actors(ctx context.Context, cs ledger.Changeset) error {
	for _, b := range cs.Bots {
		if _, err := w.tx.Exec(ctx, `INSERT INTO ledger_bots (identity, label, registered_at) VALUES ($1,$2,$3)
ON CONFLICT (identity) DO UPDATE SET label=EXCLUDED.label, registered_at=EXCLUDED.registered_at`, b.Identity, b.Label, b.RegisteredAt); err != nil {
			return fmt.Errorf("pgstore: upsert bot: %w", err)
		}
	}
	for _, id := range cs.RemovedBots {
		if _, err := w.tx.Exec(ctx, `DELETE FROM ledger_bots WHERE identity=$1`, id); err != nil {
			return fmt.Errorf("pgstore: delete bot: %w", err)
		}
	}
	for _, d := range cs.DApps {
		if _, err := w.tx.Exec(ctx, `INSERT INTO ledger_dapps (identity, label, metadata_uri, registered_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (identity) DO UPDATE SET label=EXCLUDED.label, metadata_uri=EXCLUDED.metadata_uri, registered_at=EXCLUDED.registered_at`,
			d.Identity, d.Label, d.MetadataURI, d.RegisteredAt); err != nil {
			return fmt.Errorf("pgstore: upsert dapp: %w", err)
		}
	}
	for _, id := range cs.RemovedDApps {
		if _, err := w.tx.Exec(ctx, `DELETE FROM ledger_dapps WHERE identity=$1`, id); err != nil {
			return fmt.Errorf("pgstore: delete dapp: %w", err)
		}
	}
	return nil
}

func (w writer) events(ctx context.Context, op string, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		id := ev.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		attrs := ev.Attrs
		if attrs == nil {
			attrs = map[string]string{}
		}
		batch.Queue(`INSERT INTO ledger_events (seq, id, kind, operation, attrs, at) VALUES ($1,$2,$3,$4,$5,$6)`,
			int64(ev.Seq), id, string(ev.Kind), op, attrs, ev.At)
	}
	results := w.tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("pgstore: insert event: %w", err)
		}
	}
	return results.Close()
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("pgstore: amount %q: %w", raw, err)
	}
	return v, nil
}

var _ ledger.Store = (*Store)(nil)
