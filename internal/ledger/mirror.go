package ledger

import (
	"context"

	"github.com/holiman/uint256"
)

// CreateMirror moves amount of the caller's spendable balance into its
// mirrored balance. Total supply is unchanged.
func (e *Engine) CreateMirror(ctx context.Context, caller string, amount *uint256.Int) error {
	return e.execute(ctx, "create_mirror", false, func(tx *txn) error {
		holder, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidMirrorAmount
		}
		if err := tx.mirror(holder, amount); err != nil {
			return err
		}
		tx.emit(EventMirrorCreated, map[string]string{"account": holder, "amount": amount.Dec()})
		return nil
	})
}

// RedeemMirror moves amount of the caller's mirrored balance back into its
// spendable balance.
func (e *Engine) RedeemMirror(ctx context.Context, caller string, amount *uint256.Int) error {
	return e.execute(ctx, "redeem_mirror", false, func(tx *txn) error {
		holder, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidMirrorAmount
		}
		if err := tx.unmirror(holder, amount); err != nil {
			return err
		}
		tx.emit(EventMirrorRedeemed, map[string]string{"account": holder, "amount": amount.Dec()})
		return nil
	})
}
