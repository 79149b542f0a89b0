package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solace-ledger/solace/internal/platform/db"
)

// PGRepository persists requests in the bridge_requests table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs PGRepository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectRequest = `SELECT id, tx_hash, source_chain, target_chain, token, amount::text, status, attempts, last_error, created_at, updated_at FROM bridge_requests`

// Create implements Repository.
func (r *PGRepository) Create(ctx context.Context, req Request) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO bridge_requests (id, tx_hash, source_chain, target_chain, token, amount, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9)`, req.ID, req.TxHash, req.SourceChain, req.TargetChain, req.Token, req.Amount.Dec(), string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("relay: insert request: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	return r.one(ctx, selectRequest+` WHERE id=$1`, id)
}

// ByTxHash implements Repository.
func (r *PGRepository) ByTxHash(ctx context.Context, txHash string) (Request, error) {
	return r.one(ctx, selectRequest+` WHERE tx_hash=$1`, txHash)
}

// MarkAttempt implements Repository.
func (r *PGRepository) MarkAttempt(ctx context.Context, id uuid.UUID, status Status, lastErr string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE bridge_requests SET status=$2, attempts=attempts+1, last_error=$3, updated_at=NOW() WHERE id=$1`, id, string(status), lastErr)
	if err != nil {
		return fmt.Errorf("relay: mark attempt: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus implements Repository.
func (r *PGRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, selectRequest+` WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("relay: list requests: %w", err)
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PGRepository) one(ctx context.Context, query string, arg any) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req            Request
		amount, status string
	)
	if err := row.Scan(&req.ID, &req.TxHash, &req.SourceChain, &req.TargetChain, &req.Token, &amount, &status,
		&req.Attempts, &req.LastError, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return Request{}, err
	}
	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return Request{}, fmt.Errorf("relay: amount %q: %w", amount, err)
	}
	req.Amount = v
	req.Status = Status(status)
	return req, nil
}

var _ Repository = (*PGRepository)(nil)
