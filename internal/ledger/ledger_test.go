package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/bridgeproof"
	"github.com/solace-ledger/solace/internal/synthetic"
)

const (
	owner = "0xowner"
	alice = "0xa11ce"
	bob   = "0xb0b"
	carol = "0xca201"
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(events []Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Apply(ctx context.Context, cs Changeset) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Apply(ctx, cs)
}

func feeBps(v uint64) *uint64 { return &v }

func newTestEngine(t *testing.T, store Store, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Genesis: owner,
		Now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	eng, err := Open(context.Background(), store, opts)
	require.NoError(t, err)
	return eng
}

func TestGenesisGrantsEveryRole(t *testing.T) {
	eng := newTestEngine(t, nil, nil)
	for _, role := range access.GenesisRoles() {
		require.True(t, eng.HasRole(role, owner), role)
		require.False(t, eng.HasRole(role, alice), role)
	}
	require.NoError(t, eng.CheckInvariant())
}

func TestGenesisRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eng := newTestEngine(t, store, nil)
	for _, role := range access.GenesisRoles() {
		require.NoError(t, eng.RenounceRole(ctx, owner, role))
	}

	reopened := newTestEngine(t, store, nil)
	for _, role := range access.GenesisRoles() {
		require.False(t, reopened.HasRole(role, owner), role)
	}
	require.ErrorIs(t, reopened.Mint(ctx, owner, alice, ether(1)), ErrUnauthorized)
}

func TestTransferAndMirrorScenario(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)

	require.NoError(t, eng.Mint(ctx, owner, alice, ether(1000)))
	require.NoError(t, eng.Transfer(ctx, alice, bob, ether(100)))
	require.Equal(t, ether(900), eng.BalanceOf(alice))
	require.Equal(t, ether(100), eng.BalanceOf(bob))

	require.NoError(t, eng.CreateMirror(ctx, alice, ether(500)))
	require.Equal(t, ether(400), eng.BalanceOf(alice))
	require.Equal(t, ether(500), eng.MirroredBalanceOf(alice))

	require.NoError(t, eng.RedeemMirror(ctx, alice, ether(200)))
	require.Equal(t, ether(600), eng.BalanceOf(alice))
	require.Equal(t, ether(300), eng.MirroredBalanceOf(alice))

	require.Equal(t, ether(1000), eng.Supply().Total())
	require.NoError(t, eng.CheckInvariant())
}

func TestMirrorErrors(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(10)))

	require.ErrorIs(t, eng.CreateMirror(ctx, alice, new(uint256.Int)), ErrInvalidMirrorAmount)
	require.ErrorIs(t, eng.CreateMirror(ctx, alice, ether(11)), ErrInsufficientBalance)
	require.NoError(t, eng.CreateMirror(ctx, alice, ether(4)))
	require.ErrorIs(t, eng.RedeemMirror(ctx, alice, ether(5)), ErrInvalidMirrorAmount)
	require.ErrorIs(t, eng.RedeemMirror(ctx, alice, nil), ErrInvalidMirrorAmount)

	require.Equal(t, ether(6), eng.BalanceOf(alice))
	require.Equal(t, ether(4), eng.MirroredBalanceOf(alice))
}

func TestMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	initial := ether(50)
	require.NoError(t, eng.Mint(ctx, owner, alice, initial))

	for _, amount := range []*uint256.Int{uint256.NewInt(1), ether(7), ether(50)} {
		require.NoError(t, eng.CreateMirror(ctx, alice, amount))
		require.NoError(t, eng.RedeemMirror(ctx, alice, amount))
		require.Equal(t, initial, eng.BalanceOf(alice))
		require.True(t, eng.MirroredBalanceOf(alice).IsZero())
	}
}

func TestCoreValidation(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)

	require.ErrorIs(t, eng.Mint(ctx, owner, alice, new(uint256.Int)), ErrInvalidAmount)
	require.ErrorIs(t, eng.Mint(ctx, owner, " ", ether(1)), ErrInvalidIdentity)
	require.ErrorIs(t, eng.Mint(ctx, owner, FlashPoolIdentity, ether(1)), ErrInvalidIdentity)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(5)))

	require.ErrorIs(t, eng.Transfer(ctx, alice, bob, nil), ErrInvalidSwapAmount)
	require.ErrorIs(t, eng.Swap(ctx, alice, bob, ether(6)), ErrInsufficientBalance)
	require.ErrorIs(t, eng.Burn(ctx, alice, new(uint256.Int)), ErrInvalidAmount)
	require.ErrorIs(t, eng.Burn(ctx, alice, ether(6)), ErrInsufficientBalance)

	require.NoError(t, eng.Swap(ctx, "0XA11CE ", bob, ether(2)))
	require.NoError(t, eng.Burn(ctx, bob, ether(1)))
	require.Equal(t, ether(3), eng.BalanceOf(alice))
	require.Equal(t, ether(1), eng.BalanceOf(bob))
	require.Equal(t, ether(4), eng.Supply().Total())
}

func TestMintOverflowFails(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	ceiling := new(uint256.Int).SetAllOne()
	require.NoError(t, eng.Mint(ctx, owner, alice, ceiling))
	require.ErrorIs(t, eng.Mint(ctx, owner, bob, uint256.NewInt(1)), ErrInvalidAmount)
	require.True(t, eng.BalanceOf(bob).IsZero())
}

func TestRoleGating(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)

	require.ErrorIs(t, eng.Mint(ctx, alice, alice, ether(1)), ErrUnauthorized)
	require.ErrorIs(t, eng.Pause(ctx, alice), ErrUnauthorized)
	_, err := eng.ReceiveBridgedTokens(ctx, alice, alice, ether(1), 1, []byte("p"))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, eng.GrantRole(ctx, alice, access.RoleMinter, alice), ErrUnauthorized)
	require.ErrorIs(t, eng.SetRoleAdmin(ctx, alice, access.RoleMinter, access.RolePauser), ErrUnauthorized)
	require.ErrorIs(t, eng.RegisterBot(ctx, alice, bob, "arbitrage_bot"), ErrUnauthorized)
	require.True(t, eng.BalanceOf(alice).IsZero())

	require.NoError(t, eng.GrantRole(ctx, owner, access.RoleMinter, alice))
	require.NoError(t, eng.Mint(ctx, alice, bob, ether(1)))
	require.False(t, eng.HasRole(access.RoleAdmin, alice))

	// PAUSER holders administer MINTER after the change
	require.NoError(t, eng.GrantRole(ctx, owner, access.RolePauser, carol))
	require.NoError(t, eng.SetRoleAdmin(ctx, owner, access.RoleMinter, access.RolePauser))
	require.NoError(t, eng.RevokeRole(ctx, carol, access.RoleMinter, alice))
	require.ErrorIs(t, eng.Mint(ctx, alice, bob, ether(1)), ErrUnauthorized)

	require.NoError(t, eng.RenounceRole(ctx, carol, access.RolePauser))
	require.False(t, eng.HasRole(access.RolePauser, carol))
}

func TestPauseBlocksMutators(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(10)))
	require.NoError(t, eng.Pause(ctx, owner))
	require.True(t, eng.Paused())

	require.ErrorIs(t, eng.Mint(ctx, owner, alice, ether(1)), ErrPaused)
	require.ErrorIs(t, eng.Transfer(ctx, alice, bob, ether(1)), ErrPaused)
	require.ErrorIs(t, eng.CreateMirror(ctx, alice, ether(1)), ErrPaused)
	require.ErrorIs(t, eng.GrantRole(ctx, owner, access.RoleMinter, bob), ErrPaused)
	require.ErrorIs(t, eng.RegisterDApp(ctx, bob, "lending_protocol", "ipfs://x"), ErrPaused)
	require.ErrorIs(t, eng.Pause(ctx, owner), ErrPaused)
	_, err := eng.BridgeTokens(ctx, alice, ether(1), 5)
	require.ErrorIs(t, err, ErrPaused)

	require.ErrorIs(t, eng.Unpause(ctx, alice), ErrUnauthorized)
	require.NoError(t, eng.Unpause(ctx, owner))
	require.NoError(t, eng.Transfer(ctx, alice, bob, ether(1)))
}

func TestBridgeScenario(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	eng := newTestEngine(t, nil, func(o *Options) { o.Publisher = pub })

	require.NoError(t, eng.Mint(ctx, owner, bob, ether(100)))
	_, err := eng.BridgeTokens(ctx, bob, ether(500), 7)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, eng.Mint(ctx, owner, bob, ether(400)))
	nonce, err := eng.BridgeTokens(ctx, bob, ether(500), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
	require.True(t, eng.BalanceOf(bob).IsZero())

	outbound, err := eng.Outbound(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	require.Equal(t, uint64(7), outbound[0].TargetDomain)
	require.Equal(t, bob, outbound[0].Sender)

	proof := []byte("domain-x-proof")
	fp, err := eng.ReceiveBridgedTokens(ctx, owner, carol, ether(500), 42, proof)
	require.NoError(t, err)
	require.Equal(t, ether(500), eng.BalanceOf(carol))
	require.True(t, eng.IsSettled(fp))

	_, err = eng.ReceiveBridgedTokens(ctx, owner, carol, ether(500), 42, proof)
	require.ErrorIs(t, err, ErrBridge)
	require.Equal(t, ether(500), eng.BalanceOf(carol))

	// a different proof for the same transfer settles independently
	_, err = eng.ReceiveBridgedTokens(ctx, owner, carol, ether(500), 42, []byte("other"))
	require.NoError(t, err)
	require.Equal(t, ether(1000), eng.BalanceOf(carol))

	receipt, ok := eng.Receipt(fp)
	require.True(t, ok)
	require.Equal(t, owner, receipt.ReceivedBy)
	require.Equal(t, uint64(42), receipt.SourceDomain)

	supply := eng.Supply()
	require.Equal(t, ether(500), supply.BridgedOut)
	require.Equal(t, ether(1000), supply.BridgedIn)
	require.NoError(t, eng.CheckInvariant())
	require.Contains(t, pub.kinds(), EventTokensBridged)
	require.Contains(t, pub.kinds(), EventTokensReceived)
}

func TestBridgeReplayConcurrent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	proof := []byte("race")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, replayed int
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.ReceiveBridgedTokens(ctx, owner, carol, ether(1), 3, proof)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrBridge) {
				replayed++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	require.Equal(t, 15, replayed)
	require.Equal(t, ether(1), eng.BalanceOf(carol))
}

func TestFlashLoanNotRepaidScenario(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(5)))
	before := eng.BalanceOf(alice)

	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		require.Equal(t, new(uint256.Int).Div(ether(9), uint256.NewInt(100)), fee)
		return s.Repay(amount)
	})))

	err := eng.FlashLoan(ctx, alice, alice, ether(100), nil)
	require.ErrorIs(t, err, ErrFlashLoanNotRepaid)
	require.Equal(t, before, eng.BalanceOf(alice))
	require.True(t, eng.BalanceOf(FlashPoolIdentity).IsZero())
	require.Equal(t, ether(5), eng.Supply().Total())
	require.NoError(t, eng.CheckInvariant())
}

func TestFlashLoanRepaidPaysTreasury(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	eng := newTestEngine(t, nil, func(o *Options) {
		o.Treasury = "0xtreasury"
		o.Publisher = pub
	})
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(1)))

	var seen *uint256.Int
	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, data []byte) error {
		require.Equal(t, "arb", string(data))
		bal, err := s.BalanceOf(s.Owner())
		require.NoError(t, err)
		seen = bal
		return s.Repay(new(uint256.Int).Add(amount, fee))
	})))

	require.NoError(t, eng.FlashLoan(ctx, bob, alice, ether(100), []byte("arb")))
	require.Equal(t, ether(101), seen)

	fee := eng.FlashFee(ether(100))
	require.Equal(t, new(uint256.Int).Sub(ether(1), fee), eng.BalanceOf(alice))
	require.Equal(t, fee, eng.BalanceOf("0xtreasury"))
	require.True(t, eng.BalanceOf(FlashPoolIdentity).IsZero())
	require.Equal(t, fee, eng.Supply().FlashFees)
	require.Equal(t, ether(1), eng.Supply().Total())
	require.NoError(t, eng.CheckInvariant())
	require.Contains(t, pub.kinds(), EventFlashLoan)
}

func TestFlashLoanFeeBurnedWithoutTreasury(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, func(o *Options) { o.FlashFeeBps = feeBps(100) })
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(2)))
	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		return s.Repay(new(uint256.Int).Add(amount, fee))
	})))

	require.NoError(t, eng.FlashLoan(ctx, alice, alice, ether(100), nil))
	require.Equal(t, ether(1), eng.BalanceOf(alice))
	require.Equal(t, ether(1), eng.Supply().Total())
	require.NoError(t, eng.CheckInvariant())
}

func TestFlashLoanAborts(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(10)))

	require.ErrorIs(t, eng.FlashLoan(ctx, alice, bob, ether(1), nil), ErrInvalidReceiver)
	require.ErrorIs(t, eng.FlashLoan(ctx, alice, alice, nil, nil), ErrInvalidAmount)

	var leaked *FlashSession
	boom := errors.New("boom")
	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		leaked = s
		require.NoError(t, s.Transfer(bob, ether(3)))
		require.NoError(t, s.Repay(new(uint256.Int).Add(amount, fee)))
		return boom
	})))
	require.ErrorIs(t, eng.FlashLoan(ctx, alice, alice, ether(1), nil), boom)
	require.Equal(t, ether(10), eng.BalanceOf(alice))
	require.True(t, eng.BalanceOf(bob).IsZero())
	require.ErrorIs(t, leaked.Repay(ether(1)), ErrSessionClosed)

	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		return eng.FlashLoan(ctx, alice, alice, amount, nil)
	})))
	require.ErrorIs(t, eng.FlashLoan(ctx, alice, alice, ether(1), nil), ErrReentrant)
	require.NoError(t, eng.CheckInvariant())
}

func TestExecuteTrade(t *testing.T) {
	ctx := context.Background()
	const token = "0x70ce"
	eng := newTestEngine(t, nil, func(o *Options) { o.Token = token })
	trade := Trade{TokenIn: token, TokenOut: "0xusdc", AmountIn: ether(10), MinAmountOut: ether(9)}

	_, err := eng.ExecuteTrade(ctx, alice, trade)
	require.ErrorIs(t, err, ErrBotNotRegistered)

	require.NoError(t, eng.RegisterBot(ctx, owner, alice, "Arbitrage_Bot"))
	label, ok := eng.BotType(alice)
	require.True(t, ok)
	require.Equal(t, "arbitrage_bot", label)

	_, err = eng.ExecuteTrade(ctx, alice, Trade{TokenIn: token, TokenOut: "0xusdc", AmountIn: new(uint256.Int)})
	require.ErrorIs(t, err, ErrInvalidSwapAmount)
	_, err = eng.ExecuteTrade(ctx, alice, trade)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, eng.Mint(ctx, owner, alice, ether(10)))
	out, err := eng.ExecuteTrade(ctx, alice, trade)
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Div(new(uint256.Int).Mul(ether(10), uint256.NewInt(9970)), uint256.NewInt(10000)), out)
	require.True(t, eng.BalanceOf(alice).IsZero())
	require.Equal(t, ether(10), eng.BalanceOf(TradeVenueIdentity))

	trade.MinAmountOut = ether(10)
	trade.TokenIn, trade.TokenOut = "0xusdc", token
	_, err = eng.ExecuteTrade(ctx, alice, trade)
	require.ErrorIs(t, err, ErrSlippageExceeded)
	require.Equal(t, ether(10), eng.BalanceOf(TradeVenueIdentity))

	trade.MinAmountOut = nil
	out, err = eng.ExecuteTrade(ctx, alice, trade)
	require.NoError(t, err)
	require.Equal(t, out, eng.BalanceOf(alice))
	require.NoError(t, eng.CheckInvariant())

	require.NoError(t, eng.DeregisterBot(ctx, owner, alice))
	require.False(t, eng.IsBotRegistered(alice))
	require.ErrorIs(t, eng.DeregisterBot(ctx, owner, alice), ErrBotNotRegistered)
}

func TestExecuteTradeDefaultToken(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.RegisterBot(ctx, owner, alice, "market_maker"))
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(4)))

	_, err := eng.ExecuteTrade(ctx, alice, Trade{TokenIn: "0xweth", TokenOut: "0xusdc", AmountIn: ether(1)})
	require.ErrorIs(t, err, ErrInvalidRoute)
	require.Equal(t, "InvalidRoute", Code(err))

	_, err = eng.ExecuteTrade(ctx, alice, Trade{TokenIn: DefaultToken, TokenOut: "0xusdc", AmountIn: ether(1)})
	require.NoError(t, err)
	require.Equal(t, ether(3), eng.BalanceOf(alice))
	require.Equal(t, ether(1), eng.BalanceOf(TradeVenueIdentity))
	require.NoError(t, eng.CheckInvariant())
}

func TestZeroFlashFee(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, func(o *Options) { o.FlashFeeBps = feeBps(0) })
	require.True(t, eng.FlashFee(ether(100)).IsZero())
	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		return s.Repay(amount)
	})))
	require.NoError(t, eng.FlashLoan(ctx, alice, alice, ether(100), nil))
	require.True(t, eng.Supply().FlashFees.IsZero())
	require.NoError(t, eng.CheckInvariant())
}

func TestCallbacksCanReadEngine(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(5)))
	require.NoError(t, eng.RegisterDApp(ctx, bob, "vault", "ipfs://vault"))

	var (
		seenBalance *uint256.Int
		seenSupply  Supply
		seenMinter  bool
		seenEvents  int
		seenAccount Account
	)
	require.NoError(t, eng.BindBorrower(alice, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, _ []byte) error {
		seenBalance = eng.BalanceOf(alice)
		seenSupply = eng.Supply()
		seenMinter = eng.HasRole(access.RoleMinter, owner)
		seenEvents = len(eng.Events(0))
		return s.Repay(new(uint256.Int).Add(amount, fee))
	})))
	require.NoError(t, eng.BindDApp(bob, DAppHandlerFunc(func(ctx context.Context, s *Session, call DAppCall) error {
		seenAccount = eng.Account(call.Caller)
		return nil
	})))

	done := make(chan error, 1)
	go func() {
		if err := eng.FlashLoan(ctx, alice, alice, ether(10), nil); err != nil {
			done <- err
			return
		}
		_, err := eng.InteractWithDApp(ctx, alice, bob, []byte("deposit"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback read of the engine did not return")
	}

	// reads inside a callback see the state as of before the operation
	require.Equal(t, ether(5), seenBalance)
	require.Equal(t, ether(5), seenSupply.Total())
	require.True(t, seenMinter)
	require.NotZero(t, seenEvents)
	require.Equal(t, alice, seenAccount.Identity)
	require.Equal(t, new(uint256.Int).Sub(ether(5), eng.FlashFee(ether(10))), seenAccount.Balance)
	require.NoError(t, eng.CheckInvariant())
}

func TestDAppInteraction(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	const dapp = "0xd4pp"

	_, err := eng.InteractWithDApp(ctx, alice, dapp, []byte("deposit"))
	require.ErrorIs(t, err, ErrDAppNotRegistered)

	require.NoError(t, eng.RegisterDApp(ctx, dapp, "lending_protocol", "metadata_uri"))
	meta, ok := eng.DAppMetadata(dapp)
	require.True(t, ok)
	require.Equal(t, "metadata_uri", meta.MetadataURI)

	hash, err := eng.InteractWithDApp(ctx, alice, dapp, []byte("deposit"))
	require.NoError(t, err)
	require.Equal(t, bridgeproof.TxHash([]byte("deposit")), hash)

	require.NoError(t, eng.Mint(ctx, owner, dapp, ether(3)))
	require.NoError(t, eng.BindDApp(dapp, DAppHandlerFunc(func(ctx context.Context, s *Session, call DAppCall) error {
		if string(call.Payload) == "reject" {
			require.NoError(t, s.Transfer(call.Caller, ether(1)))
			return errors.New("rejected")
		}
		return s.Transfer(call.Caller, ether(2))
	})))

	_, err = eng.InteractWithDApp(ctx, alice, dapp, []byte("reject"))
	require.Error(t, err)
	require.True(t, eng.BalanceOf(alice).IsZero())

	_, err = eng.InteractWithDApp(ctx, alice, dapp, []byte("claim"))
	require.NoError(t, err)
	require.Equal(t, ether(2), eng.BalanceOf(alice))
	require.Equal(t, ether(1), eng.BalanceOf(dapp))

	require.NoError(t, eng.DeregisterDApp(ctx, dapp))
	require.False(t, eng.IsDAppRegistered(dapp))
	require.ErrorIs(t, eng.DeregisterDApp(ctx, dapp), ErrDAppNotRegistered)
}

func TestDeploySynthetic(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	asset := synthetic.Asset{Symbol: "sUSD", Name: "Synthetic USD", Category: synthetic.CategoryFiat, Underlying: "usd", Oracle: "0xORACLE"}

	_, err := eng.DeploySynthetic(ctx, alice, asset)
	require.ErrorIs(t, err, ErrUnauthorized)

	deployed, err := eng.DeploySynthetic(ctx, owner, asset)
	require.NoError(t, err)
	require.Equal(t, "USD", deployed.Underlying)
	require.Equal(t, owner, deployed.CreatedBy)

	_, err = eng.DeploySynthetic(ctx, owner, asset)
	require.ErrorIs(t, err, ErrAssetExists)

	bad := asset
	bad.Symbol, bad.Category = "sXAU", synthetic.Category(9)
	_, err = eng.DeploySynthetic(ctx, owner, bad)
	require.ErrorIs(t, err, ErrInvalidAsset)

	got, ok := eng.SyntheticBySymbol("sUSD")
	require.True(t, ok)
	require.Equal(t, "Synthetic USD", got.Name)
	require.Len(t, eng.SyntheticsByCategory(synthetic.CategoryFiat), 1)
	require.Empty(t, eng.SyntheticsByCategory(synthetic.CategoryEquity))
}

func TestStoreFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	pub := &recordingPublisher{}
	eng := newTestEngine(t, store, func(o *Options) { o.Publisher = pub })
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(5)))
	published := len(pub.kinds())

	store.fail = true
	require.Error(t, eng.Transfer(ctx, alice, bob, ether(1)))
	_, err := eng.ReceiveBridgedTokens(ctx, owner, bob, ether(1), 1, []byte("p"))
	require.Error(t, err)

	require.Equal(t, ether(5), eng.BalanceOf(alice))
	require.True(t, eng.BalanceOf(bob).IsZero())
	require.Len(t, pub.kinds(), published)

	store.fail = false
	_, err = eng.ReceiveBridgedTokens(ctx, owner, bob, ether(1), 1, []byte("p"))
	require.NoError(t, err)
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eng := newTestEngine(t, store, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(8)))
	require.NoError(t, eng.CreateMirror(ctx, alice, ether(3)))
	_, err := eng.ReceiveBridgedTokens(ctx, owner, bob, ether(2), 9, []byte("proof"))
	require.NoError(t, err)
	_, err = eng.BridgeTokens(ctx, alice, ether(1), 4)
	require.NoError(t, err)
	require.NoError(t, eng.RegisterBot(ctx, owner, carol, "market_maker"))
	require.NoError(t, eng.Pause(ctx, owner))

	reopened := newTestEngine(t, store, nil)
	require.Equal(t, ether(4), reopened.BalanceOf(alice))
	require.Equal(t, ether(3), reopened.MirroredBalanceOf(alice))
	require.Equal(t, eng.Supply(), reopened.Supply())
	require.True(t, reopened.Paused())
	require.True(t, reopened.IsBotRegistered(carol))
	require.Equal(t, uint64(1), reopened.OutboundNonce())
	require.NoError(t, reopened.CheckInvariant())

	require.NoError(t, reopened.Unpause(ctx, owner))
	_, err = reopened.ReceiveBridgedTokens(ctx, owner, bob, ether(2), 9, []byte("proof"))
	require.ErrorIs(t, err, ErrBridge)

	events := store.Events()
	require.Equal(t, uint64(len(events)), events[len(events)-1].Seq)
}

func TestSupplyInvariantUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, func(o *Options) { o.Treasury = "0xtreasury" })
	ids := []string{alice, bob, carol}
	for _, id := range ids {
		require.NoError(t, eng.BindBorrower(id, FlashBorrowerFunc(func(ctx context.Context, s *FlashSession, amount, fee *uint256.Int, data []byte) error {
			if len(data) > 0 {
				return s.Repay(amount)
			}
			return s.Repay(new(uint256.Int).Add(amount, fee))
		})))
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		from, to := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
		amount := uint256.NewInt(uint64(rng.Intn(2000)))
		switch rng.Intn(8) {
		case 0:
			_ = eng.Mint(ctx, owner, to, amount)
		case 1:
			_ = eng.Burn(ctx, from, amount)
		case 2:
			_ = eng.Transfer(ctx, from, to, amount)
		case 3:
			_ = eng.CreateMirror(ctx, from, amount)
		case 4:
			_ = eng.RedeemMirror(ctx, from, amount)
		case 5:
			_, _ = eng.BridgeTokens(ctx, from, amount, 2)
		case 6:
			_, _ = eng.ReceiveBridgedTokens(ctx, owner, to, amount, 1, []byte{byte(rng.Intn(16))})
		case 7:
			var data []byte
			if rng.Intn(2) == 0 {
				data = []byte("short")
			}
			_ = eng.FlashLoan(ctx, from, from, amount, data)
		}
		require.NoError(t, eng.CheckInvariant(), "step %d", i)
	}
}

func TestEventsAreSequenced(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)
	require.NoError(t, eng.Mint(ctx, owner, alice, ether(1)))
	require.NoError(t, eng.Transfer(ctx, alice, bob, ether(1)))

	events := eng.Events(0)
	require.NotEmpty(t, events)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	last := events[len(events)-1]
	require.Equal(t, EventTransfer, last.Kind)
	require.Equal(t, bob, last.Attrs["to"])
	require.Len(t, eng.Events(last.Seq-1), 1)
}

func TestCode(t *testing.T) {
	require.Equal(t, "OK", Code(nil))
	require.Equal(t, "BridgeError", Code(ErrBridge))
	require.Equal(t, "Paused", Code(errors.Join(errors.New("x"), ErrPaused)))
	require.Equal(t, "Internal", Code(errors.New("other")))
}
