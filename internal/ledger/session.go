package ledger

import (
	"context"

	"github.com/holiman/uint256"
)

// Session gives a callback running under the engine lock access to the
// in-flight operation. It acts on behalf of a single owner and is valid only
// until the callback returns. A Session must not be shared across goroutines.
type Session struct {
	tx     *txn
	owner  string
	closed bool
}

func newSession(tx *txn, owner string) *Session {
	return &Session{tx: tx, owner: owner}
}

// Owner returns the identity whose funds the session moves.
func (s *Session) Owner() string { return s.owner }

// BalanceOf returns the in-flight spendable balance of identity.
func (s *Session) BalanceOf(identity string) (*uint256.Int, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	id, err := sessionIdentity(identity)
	if err != nil {
		return nil, err
	}
	return s.tx.balance(id), nil
}

// Transfer moves amount from the owner to identity within the operation.
func (s *Session) Transfer(to string, amount *uint256.Int) error {
	if s.closed {
		return ErrSessionClosed
	}
	recipient, err := NormalizeIdentity(to)
	if err != nil {
		return err
	}
	return s.transfer(recipient, amount)
}

func (s *Session) transfer(to string, amount *uint256.Int) error {
	if isZero(amount) {
		return ErrInvalidAmount
	}
	if err := s.tx.move(s.owner, to, amount); err != nil {
		return err
	}
	s.tx.emit(EventTransfer, map[string]string{"from": s.owner, "to": to, "amount": amount.Dec()})
	return nil
}

func (s *Session) close() { s.closed = true }

// sessionIdentity accepts reserved identities so callbacks can inspect the
// flash pool and the trade venue.
func sessionIdentity(raw string) (string, error) {
	switch raw {
	case FlashPoolIdentity, TradeVenueIdentity:
		return raw, nil
	}
	return NormalizeIdentity(raw)
}

func callbackContext(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, callbackKey{}, e)
}
