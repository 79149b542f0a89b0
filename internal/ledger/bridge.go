package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
)

// BridgeTokens burns amount from the caller and records an outbound transfer
// toward targetDomain for the external relay. It returns the outbound nonce.
func (e *Engine) BridgeTokens(ctx context.Context, caller string, amount *uint256.Int, targetDomain uint64) (uint64, error) {
	var nonce uint64
	err := e.execute(ctx, "bridge_tokens", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if err := tx.burn(sender, amount); err != nil {
			return err
		}
		tx.supply.BridgedOut = new(uint256.Int).Add(tx.supply.BridgedOut, amount)
		tx.next++
		nonce = tx.next
		tx.outbound = append(tx.outbound, OutboundTransfer{
			Nonce:        nonce,
			Sender:       sender,
			Amount:       amount.Clone(),
			TargetDomain: targetDomain,
			CreatedAt:    tx.now,
		})
		tx.emit(EventTokensBridged, map[string]string{
			"sender":        sender,
			"amount":        amount.Dec(),
			"target_domain": strconv.FormatUint(targetDomain, 10),
			"nonce":         strconv.FormatUint(nonce, 10),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// ReceiveBridgedTokens mints amount to to for an inbound transfer proven by
// proof. Requires BRIDGE. Each distinct (to, amount, sourceDomain, proof)
// settles at most once; a replay fails with ErrBridge.
func (e *Engine) ReceiveBridgedTokens(ctx context.Context, caller, to string, amount *uint256.Int, sourceDomain uint64, proof []byte) (bridgeproof.Fingerprint, error) {
	var fp bridgeproof.Fingerprint
	err := e.execute(ctx, "receive_bridged_tokens", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleBridge, sender); err != nil {
			return err
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		recipient, err := NormalizeIdentity(to)
		if err != nil {
			return err
		}
		fp = bridgeproof.Compute(recipient, amount, sourceDomain, proof)
		if tx.settled(fp) {
			return fmt.Errorf("%w: proof %s already settled", ErrBridge, fp)
		}
		if err := tx.mint(recipient, amount); err != nil {
			return err
		}
		tx.supply.BridgedIn = new(uint256.Int).Add(tx.supply.BridgedIn, amount)
		tx.seen[fp] = struct{}{}
		tx.receipts = append(tx.receipts, BridgeReceipt{
			Fingerprint:  fp,
			To:           recipient,
			Amount:       amount.Clone(),
			SourceDomain: sourceDomain,
			ReceivedBy:   sender,
			ReceivedAt:   tx.now,
		})
		tx.emit(EventTokensReceived, map[string]string{
			"to":            recipient,
			"amount":        amount.Dec(),
			"source_domain": strconv.FormatUint(sourceDomain, 10),
			"fingerprint":   fp.String(),
		})
		return nil
	})
	if err != nil {
		return bridgeproof.Fingerprint{}, err
	}
	return fp, nil
}

// Receipt returns the settlement record of fp.
func (e *Engine) Receipt(fp bridgeproof.Fingerprint) (BridgeReceipt, bool) {
	defer e.readLock()()
	r, ok := e.receipts[fp]
	if ok {
		r.Amount = r.Amount.Clone()
	}
	return r, ok
}

// IsSettled reports whether fp has been settled.
func (e *Engine) IsSettled(fp bridgeproof.Fingerprint) bool {
	_, ok := e.Receipt(fp)
	return ok
}

// OutboundNonce returns the nonce of the latest outbound transfer.
func (e *Engine) OutboundNonce() uint64 {
	defer e.readLock()()
	return e.nonce
}

// Outbound lists recorded outbound transfers after nonce after.
func (e *Engine) Outbound(ctx context.Context, after uint64, limit int) ([]OutboundTransfer, error) {
	return e.store.Outbound(ctx, after, limit)
}
