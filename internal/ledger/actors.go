package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/registry"
)

// DefaultTradeFeeBps is the fee of the default trade quoter.
const DefaultTradeFeeBps = 30

// Trade describes a bot trade request.
type Trade struct {
	Bot          string
	TokenIn      string
	TokenOut     string
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Route        []byte
}

// TradeQuoter prices trades. Quote runs under the engine lock; engine reads
// from Quote see the state as of before the trade.
type TradeQuoter interface {
	Quote(ctx context.Context, t Trade) (*uint256.Int, error)
}

// ConstantFeeQuoter returns the input amount less a fixed fee.
type ConstantFeeQuoter struct {
	FeeBps uint64
}

// Quote implements TradeQuoter.
func (q ConstantFeeQuoter) Quote(_ context.Context, t Trade) (*uint256.Int, error) {
	if q.FeeBps >= bpsDenominator {
		return new(uint256.Int), nil
	}
	keep := uint256.NewInt(bpsDenominator - q.FeeBps)
	out, overflow := new(uint256.Int).MulOverflow(t.AmountIn, keep)
	if overflow {
		out = new(uint256.Int).Div(t.AmountIn, uint256.NewInt(bpsDenominator))
		return out.Mul(out, keep), nil
	}
	return out.Div(out, uint256.NewInt(bpsDenominator)), nil
}

// DAppCall is a single interaction handed to a DAppHandler.
type DAppCall struct {
	Caller      string
	DApp        string
	Payload     []byte
	PayloadHash string
}

// DAppHandler executes interactions for a dApp. Handle runs under the engine
// lock with a session owned by the dApp identity; an error aborts the
// interaction.
type DAppHandler interface {
	Handle(ctx context.Context, s *Session, call DAppCall) error
}

// DAppHandlerFunc adapts a function to DAppHandler.
type DAppHandlerFunc func(ctx context.Context, s *Session, call DAppCall) error

// Handle calls f.
func (f DAppHandlerFunc) Handle(ctx context.Context, s *Session, call DAppCall) error {
	return f(ctx, s, call)
}

// RegisterBot records identity as a trading bot. Requires ADMIN.
func (e *Engine) RegisterBot(ctx context.Context, caller, identity, label string) error {
	return e.execute(ctx, "register_bot", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleAdmin, sender); err != nil {
			return err
		}
		id, err := NormalizeIdentity(identity)
		if err != nil {
			return err
		}
		normalized, err := registry.NormalizeLabel(label)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		tx.bots = append(tx.bots, registry.Bot{Identity: id, Label: normalized, RegisteredAt: tx.now})
		tx.emit(EventBotRegistered, map[string]string{"bot": id, "label": normalized, "sender": sender})
		return nil
	})
}

// DeregisterBot removes a bot. Requires ADMIN.
func (e *Engine) DeregisterBot(ctx context.Context, caller, identity string) error {
	return e.execute(ctx, "deregister_bot", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleAdmin, sender); err != nil {
			return err
		}
		id, err := NormalizeIdentity(identity)
		if err != nil {
			return err
		}
		if _, ok := e.registry.Bot(id); !ok {
			return fmt.Errorf("%w: %s", ErrBotNotRegistered, id)
		}
		tx.removedBots = append(tx.removedBots, id)
		tx.emit(EventBotDeregistered, map[string]string{"bot": id, "sender": sender})
		return nil
	})
}

// IsBotRegistered reports whether identity is a registered bot.
func (e *Engine) IsBotRegistered(identity string) bool {
	_, ok := e.BotType(identity)
	return ok
}

// BotType returns the label of a registered bot.
func (e *Engine) BotType(identity string) (string, bool) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return "", false
	}
	b, ok := e.registry.Bot(id)
	return b.Label, ok
}

// ExecuteTrade settles a trade for a registered bot and returns the realized
// output. Legs in the ledger token settle against the trade venue account;
// a trade with no ledger token leg fails ErrInvalidRoute.
func (e *Engine) ExecuteTrade(ctx context.Context, caller string, t Trade) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.execute(ctx, "execute_trade", false, func(tx *txn) error {
		bot, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if _, ok := e.registry.Bot(bot); !ok {
			return fmt.Errorf("%w: %s", ErrBotNotRegistered, bot)
		}
		if isZero(t.AmountIn) {
			return ErrInvalidSwapAmount
		}
		tokenIn, err := NormalizeIdentity(t.TokenIn)
		if err != nil {
			return fmt.Errorf("token in: %w", err)
		}
		tokenOut, err := NormalizeIdentity(t.TokenOut)
		if err != nil {
			return fmt.Errorf("token out: %w", err)
		}
		if tokenIn != e.token && tokenOut != e.token {
			return fmt.Errorf("%w: %s to %s has no %s leg", ErrInvalidRoute, tokenIn, tokenOut, e.token)
		}
		minOut := t.MinAmountOut
		if minOut == nil {
			minOut = new(uint256.Int)
		}
		t.Bot, t.TokenIn, t.TokenOut = bot, tokenIn, tokenOut

		var quoted *uint256.Int
		err = e.callback(func() (err error) {
			quoted, err = e.quoter.Quote(callbackContext(ctx, e), t)
			return err
		})
		if err != nil {
			return fmt.Errorf("ledger: quote: %w", err)
		}
		if quoted == nil || quoted.Lt(minOut) {
			return fmt.Errorf("%w: quoted %s, minimum %s", ErrSlippageExceeded, decOrZero(quoted), minOut.Dec())
		}
		if tokenIn == e.token {
			if err := tx.move(bot, TradeVenueIdentity, t.AmountIn); err != nil {
				return err
			}
		}
		if tokenOut == e.token && !quoted.IsZero() {
			if err := tx.move(TradeVenueIdentity, bot, quoted); err != nil {
				return err
			}
		}
		out = quoted.Clone()
		tx.emit(EventTradeExecuted, map[string]string{
			"bot":        bot,
			"token_in":   tokenIn,
			"token_out":  tokenOut,
			"amount_in":  t.AmountIn.Dec(),
			"amount_out": quoted.Dec(),
			"route_hash": bridgeproof.TxHash(t.Route),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// RegisterDApp registers the caller as a dApp.
func (e *Engine) RegisterDApp(ctx context.Context, caller, label, metadataURI string) error {
	return e.execute(ctx, "register_dapp", false, func(tx *txn) error {
		id, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		normalized, err := registry.NormalizeLabel(label)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		uri, err := registry.NormalizeMetadata(metadataURI)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		tx.dapps = append(tx.dapps, registry.DApp{Identity: id, Label: normalized, MetadataURI: uri, RegisteredAt: tx.now})
		tx.emit(EventDAppRegistered, map[string]string{"dapp": id, "label": normalized, "metadata_uri": uri})
		return nil
	})
}

// DeregisterDApp removes the caller's dApp registration.
func (e *Engine) DeregisterDApp(ctx context.Context, caller string) error {
	return e.execute(ctx, "deregister_dapp", false, func(tx *txn) error {
		id, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if _, ok := e.registry.DApp(id); !ok {
			return fmt.Errorf("%w: %s", ErrDAppNotRegistered, id)
		}
		tx.removedDApps = append(tx.removedDApps, id)
		tx.emit(EventDAppDeregistered, map[string]string{"dapp": id})
		return nil
	})
}

// IsDAppRegistered reports whether identity is a registered dApp.
func (e *Engine) IsDAppRegistered(identity string) bool {
	_, ok := e.DAppMetadata(identity)
	return ok
}

// DAppMetadata returns the registration of a dApp.
func (e *Engine) DAppMetadata(identity string) (registry.DApp, bool) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return registry.DApp{}, false
	}
	return e.registry.DApp(id)
}

// BindDApp attaches a handler to a dApp identity. A nil handler unbinds it.
func (e *Engine) BindDApp(identity string, h DAppHandler) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	if h == nil {
		delete(e.handlers, id)
		return nil
	}
	e.handlers[id] = h
	return nil
}

func (e *Engine) handler(id string) (DAppHandler, bool) {
	e.bindMu.RLock()
	defer e.bindMu.RUnlock()
	h, ok := e.handlers[id]
	return h, ok
}

// InteractWithDApp records an interaction of caller with a registered dApp
// and runs its handler when one is bound. It returns the payload hash.
func (e *Engine) InteractWithDApp(ctx context.Context, caller, dapp string, payload []byte) (string, error) {
	var hash string
	err := e.execute(ctx, "interact_with_dapp", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		target, err := NormalizeIdentity(dapp)
		if err != nil {
			return err
		}
		if _, ok := e.registry.DApp(target); !ok {
			return fmt.Errorf("%w: %s", ErrDAppNotRegistered, target)
		}
		hash = bridgeproof.TxHash(payload)
		if h, ok := e.handler(target); ok {
			session := newSession(tx, target)
			call := DAppCall{Caller: sender, DApp: target, Payload: append([]byte(nil), payload...), PayloadHash: hash}
			err := e.callback(func() error {
				return h.Handle(callbackContext(ctx, e), session, call)
			})
			session.close()
			if err != nil {
				e.logger.Warn("dapp handler failed", slog.String("dapp", target), slog.Any("error", err))
				return fmt.Errorf("ledger: dapp %s: %w", target, err)
			}
		}
		tx.emit(EventDAppInteraction, map[string]string{"user": sender, "dapp": target, "payload_hash": hash})
		return nil
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}
