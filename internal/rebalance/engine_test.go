package rebalance

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/oracle"
	"github.com/crossrail-labs/hedged/internal/statestore"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	engine   *Engine
	contract *mockContract
	venue    *mockExchange
	btc      *mockBitcoin
	ln       *mockLightning
	inv      *mockInventory
	store    *statestore.Store
	history  *statestore.History
	prices   *oracle.Static
	dir      string
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := statestore.New(dir)
	if err != nil {
		t.Fatalf("statestore.New() error = %v", err)
	}
	history, err := statestore.OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory() error = %v", err)
	}
	t.Cleanup(func() { history.Close() })

	inv := newMockInventory()
	prices, err := oracle.NewStatic(map[string]string{
		"USDC": "0.00001",
		"USDT": "0.00001",
	}, inv)
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}

	f := &fixture{
		contract: newMockContract(),
		venue:    newMockExchange(),
		btc:      newMockBitcoin(),
		ln:       newMockLightning(),
		inv:      inv,
		store:    store,
		history:  history,
		prices:   prices,
		dir:      dir,
		clock:    &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}
	f.engine = f.newEngine(t)
	return f
}

// newEngine builds an engine over the fixture's collaborators; calling it
// again simulates a process restart against the same checkpoint.
func (f *fixture) newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(Deps{
		Config:    config.Default(),
		Store:     f.store,
		History:   f.history,
		Contract:  f.contract,
		Exchange:  f.venue,
		Bitcoin:   f.btc,
		Lightning: f.ln,
		Oracle:    f.prices,
		Logger:    logging.New(nil),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.now = f.clock.Now
	return engine
}

// tick advances past cooldowns and runs one engine tick.
func (f *fixture) tick() {
	f.clock.Advance(config.ActionCooldown + time.Second)
	f.engine.Tick(context.Background())
}

func (f *fixture) state(t *testing.T) State {
	t.Helper()
	if f.engine.job == nil {
		return StateIdle
	}
	return f.engine.job.State
}

func (f *fixture) requireState(t *testing.T, want State) {
	t.Helper()
	if got := f.state(t); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

// chainTx builds a real signed-shape transaction so the pipeline's txid
// derivation works against the mock wallet.
func chainTx(t *testing.T) (raw, txID string) {
	t.Helper()
	msgTx := wire.NewMsgTx(wire.TxVersion)
	prev, _ := chainhash.NewHashFromStr("bb00000000000000000000000000000000000000000000000000000000000002")
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prev, 1), nil, nil))
	msgTx.AddTxOut(wire.NewTxOut(100000, []byte{0x00, 0x14}))

	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return hex.EncodeToString(buf.Bytes()), msgTx.TxHash().String()
}

func TestHappyPathBitcoinToUSDC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, txID := chainTx(t)
	f.btc.signedRaw = raw
	f.venue.balances[token.USDC] = big.NewInt(5_000_000) // trade proceeds

	if err := f.engine.Trigger(ctx, token.BTC, token.USDC, NewAmount(big.NewInt(100_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if err := f.engine.Trigger(ctx, token.BTC, token.USDC, NewAmount(big.NewInt(1))); err != ErrBusy {
		t.Fatalf("second Trigger() error = %v, want ErrBusy", err)
	}

	f.tick()
	f.requireState(t, StateOutTx)
	if len(f.btc.broadcasts) != 1 || f.btc.broadcasts[0] != raw {
		t.Fatalf("broadcasts = %v", f.btc.broadcasts)
	}
	if f.engine.job.OutTxID != txID {
		t.Fatalf("outTxId = %s, want %s", f.engine.job.OutTxID, txID)
	}

	// Deposit tx confirms, then the venue credits it.
	f.btc.txs[txID] = &bitcoin.Tx{TxID: txID, Confirmations: 1}
	f.tick()
	f.requireState(t, StateOutTxConfirmed)

	f.venue.deposits[txID] = &exchange.Deposit{Credited: true, Amount: big.NewInt(100_000), DepositID: "dep-1"}
	f.tick()
	f.requireState(t, StateDepositReceived)
	if f.engine.job.DepositID != "dep-1" {
		t.Fatalf("depositId = %q, want dep-1", f.engine.job.DepositID)
	}

	// Transfer lands, the order places and fills, the proceeds move back
	// to funding and the withdrawal to our smart-chain wallet goes out.
	f.tick()
	f.requireState(t, StateWithdrawalSent)
	if len(f.venue.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(f.venue.placed))
	}
	if got := f.venue.placed[0]; got.InstID != "BTC-USDC" || got.Side != exchange.SideSell ||
		got.Amount.Int64() != 100_000 {
		t.Fatalf("order = %+v", got)
	}
	if len(f.venue.withdrawReqs) != 1 {
		t.Fatalf("withdrawals = %+v", f.venue.withdrawReqs)
	}
	if req := f.venue.withdrawReqs[0]; req.Address != "0xWALLET" ||
		req.Amount.Int64() != 5_000_000 || req.Token != token.USDC {
		t.Fatalf("withdrawal = %+v", req)
	}

	f.contract.statuses[f.engine.job.InTxID] = contract.StatusSuccess
	f.tick()
	f.requireState(t, StateSCDepositing)
	if len(f.engine.job.ScDepositTxs) != 1 {
		t.Fatalf("scDepositTxs = %v", f.engine.job.ScDepositTxs)
	}

	for txid := range f.engine.job.ScDepositTxs {
		f.contract.statuses[txid] = contract.StatusSuccess
	}
	f.tick()
	f.requireState(t, StateIdle)

	// The checkpoint moved to the archive and the ledger has the entry.
	var doc Job
	if found, _ := f.store.Load(&doc); found {
		t.Error("active checkpoint survived completion")
	}
	entries, err := f.history.List(10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].FinalState != "FINISHED" {
		t.Fatalf("history = %+v", entries)
	}
	if entries[0].OrderID == "" || entries[0].Price != "24.5" {
		t.Errorf("history fill record = %q @ %q", entries[0].OrderID, entries[0].Price)
	}
}
