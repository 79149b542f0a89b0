// Package relay tracks bridge initiation requests from intake to hand-off to
// the external relay.
package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/bridgeproof"
)

// Status of a bridge request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound indicates an unknown request.
	ErrNotFound = errors.New("relay: request not found")
	// ErrDuplicate indicates a request with the same tx hash exists.
	ErrDuplicate = errors.New("relay: duplicate request")
)

// Request is a bridge initiation accepted by the gateway.
type Request struct {
	ID          uuid.UUID    `json:"id"`
	TxHash      string       `json:"txHash"`
	SourceChain string       `json:"sourceChain"`
	TargetChain string       `json:"targetChain"`
	Token       string       `json:"token"`
	Amount      *uint256.Int `json:"amount"`
	Status      Status       `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// NewRequest builds a pending request with a derived tx hash.
func NewRequest(sourceChain, targetChain, token string, amount *uint256.Int, now time.Time) Request {
	id := uuid.New()
	word := amount.Bytes32()
	return Request{
		ID:          id,
		TxHash:      bridgeproof.TxHash(id[:], []byte(sourceChain), []byte(targetChain), []byte(strings.ToLower(token)), word[:]),
		SourceChain: sourceChain,
		TargetChain: targetChain,
		Token:       strings.ToLower(token),
		Amount:      amount.Clone(),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Repository stores requests.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	ByTxHash(ctx context.Context, txHash string) (Request, error)
	MarkAttempt(ctx context.Context, id uuid.UUID, status Status, lastErr string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Request, error)
}

// MemoryRepository keeps requests in memory.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]Request
	now  func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]Request), now: time.Now}
}

// Create implements Repository.
func (m *MemoryRepository) Create(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.TxHash == req.TxHash {
			return ErrDuplicate
		}
	}
	if _, ok := m.byID[req.ID]; ok {
		return ErrDuplicate
	}
	req.Amount = req.Amount.Clone()
	m.byID[req.ID] = req
	return nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

// ByTxHash implements Repository.
func (m *MemoryRepository) ByTxHash(_ context.Context, txHash string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.byID {
		if req.TxHash == txHash {
			return req, nil
		}
	}
	return Request{}, ErrNotFound
}

// MarkAttempt implements Repository.
func (m *MemoryRepository) MarkAttempt(_ context.Context, id uuid.UUID, status Status, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = status
	req.Attempts++
	req.LastError = lastErr
	req.UpdatedAt = m.now().UTC()
	m.byID[id] = req
	return nil
}

// ListByStatus implements Repository.
func (m *MemoryRepository) ListByStatus(_ context.Context, status Status, limit int) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.byID {
		if req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
