package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
)

// FlashBorrower receives flash credit. OnFlashLoan runs under the engine lock
// and must repay amount plus fee through the session before returning.
// Mutating engine calls made with ctx fail ErrReentrant; engine reads return
// the state as of before the loan.
type FlashBorrower interface {
	OnFlashLoan(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, data []byte) error
}

// FlashBorrowerFunc adapts a function to FlashBorrower.
type FlashBorrowerFunc func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, data []byte) error

// OnFlashLoan calls f.
func (f FlashBorrowerFunc) OnFlashLoan(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, data []byte) error {
	return f(ctx, s, amount, fee, data)
}

// FlashSession is the session of a borrower during its callback.
type FlashSession struct {
	*Session
}

// Repay returns amount from the borrower to the flash pool.
func (s *FlashSession) Repay(amount *uint256.Int) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.transfer(FlashPoolIdentity, amount)
}

// BindBorrower registers the callback of identity. A nil borrower unbinds it.
func (e *Engine) BindBorrower(identity string, b FlashBorrower) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	if b == nil {
		delete(e.borrowers, id)
		return nil
	}
	e.borrowers[id] = b
	return nil
}

func (e *Engine) borrower(id string) (FlashBorrower, bool) {
	e.bindMu.RLock()
	defer e.bindMu.RUnlock()
	b, ok := e.borrowers[id]
	return b, ok
}

// FlashFee returns the fee charged for borrowing amount.
func (e *Engine) FlashFee(amount *uint256.Int) *uint256.Int {
	if isZero(amount) {
		return new(uint256.Int)
	}
	fee, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(e.feeBps))
	if overflow {
		// amount*fee/denom == amount/denom*fee + (amount%denom)*fee/denom
		q, r := new(uint256.Int).DivMod(amount, uint256.NewInt(bpsDenominator), new(uint256.Int))
		q.Mul(q, uint256.NewInt(e.feeBps))
		r.Mul(r, uint256.NewInt(e.feeBps))
		r.Div(r, uint256.NewInt(bpsDenominator))
		return q.Add(q, r)
	}
	return fee.Div(fee, uint256.NewInt(bpsDenominator))
}

// FlashLoan credits amount to receiver, invokes its bound callback and
// requires the flash pool to be repaid amount plus fee before the callback
// returns. Any failure discards every effect of the loan.
func (e *Engine) FlashLoan(ctx context.Context, caller, receiver string, amount *uint256.Int, data []byte) error {
	return e.execute(ctx, "flash_loan", false, func(tx *txn) error {
		initiator, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		borrowerID, err := NormalizeIdentity(receiver)
		if err != nil {
			return err
		}
		b, ok := e.borrower(borrowerID)
		if !ok {
			return fmt.Errorf("%w: %s has no flash callback", ErrInvalidReceiver, borrowerID)
		}
		fee := e.FlashFee(amount)
		required, overflow := new(uint256.Int).AddOverflow(tx.balance(FlashPoolIdentity), amount)
		if !overflow {
			required, overflow = new(uint256.Int).AddOverflow(required, fee)
		}
		if overflow {
			return fmt.Errorf("%w: flash amount out of range", ErrInvalidAmount)
		}

		if err := tx.credit(borrowerID, amount); err != nil {
			return err
		}
		tx.outstanding = new(uint256.Int).Add(tx.outstanding, amount)

		session := &FlashSession{Session: newSession(tx, borrowerID)}
		err = e.callback(func() error {
			return b.OnFlashLoan(callbackContext(ctx, e), session, amount.Clone(), fee.Clone(), data)
		})
		session.close()
		if err != nil {
			e.logger.Warn("flash callback failed", slog.String("receiver", borrowerID), slog.Any("error", err))
			return fmt.Errorf("ledger: flash callback: %w", err)
		}
		if pool := tx.balance(FlashPoolIdentity); pool.Lt(required) {
			return fmt.Errorf("%w: pool holds %s, needs %s", ErrFlashLoanNotRepaid, pool.Dec(), required.Dec())
		}

		if err := tx.debit(FlashPoolIdentity, amount); err != nil {
			return err
		}
		tx.outstanding = new(uint256.Int).Sub(tx.outstanding, amount)
		if !fee.IsZero() {
			if e.treasury != "" {
				if err := tx.move(FlashPoolIdentity, e.treasury, fee); err != nil {
					return err
				}
			} else if err := tx.burn(FlashPoolIdentity, fee); err != nil {
				return err
			}
			tx.supply.FlashFees = new(uint256.Int).Add(tx.supply.FlashFees, fee)
		}
		tx.emit(EventFlashLoan, map[string]string{
			"initiator": initiator,
			"receiver":  borrowerID,
			"amount":    amount.Dec(),
			"fee":       fee.Dec(),
		})
		return nil
	})
}
