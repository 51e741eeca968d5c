package rebalance

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/internal/token"
)

// venueInvoice builds a decodable BOLT11 invoice the mock venue hands
// out. The decoder skips signature verification, so zeros suffice.
func venueInvoice(t *testing.T, hrp string) (invoice, paymentHash string) {
	t.Helper()

	hash, _ := hex.DecodeString("0102030405060708090001020304050607080900010203040506070809000102")
	data := make([]byte, 0, 256)
	data = append(data, make([]byte, 7)...) // timestamp

	groups, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		t.Fatalf("convert hash: %v", err)
	}
	data = append(data, 1, byte(len(groups)/32), byte(len(groups)%32))
	data = append(data, groups...)
	data = append(data, make([]byte, 104)...) // signature

	invoice, err = bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("encode invoice: %v", err)
	}
	return invoice, hex.EncodeToString(hash)
}

// A canceled order retries through the wormhole into DEPOSIT_RECEIVED and
// the re-placed order carries a fresh client order id; the settled
// funding transfer is not repeated.
func TestCanceledTradeRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invoice, hash := venueInvoice(t, "lnbc2500u") // 250_000 sats
	f.venue.invoice = invoice
	f.venue.orderStates = []exchange.OrderState{exchange.OrderCanceled}

	if err := f.engine.Trigger(ctx, token.BTCLN, token.USDT, NewAmount(big.NewInt(250_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	f.tick()
	f.requireState(t, StateOutTx)
	if len(f.ln.paid) != 1 || f.ln.paid[0] != invoice {
		t.Fatalf("paid = %v", f.ln.paid)
	}
	if f.engine.job.OutTxID != hash {
		t.Fatalf("outTxId = %s, want payment hash", f.engine.job.OutTxID)
	}

	f.ln.payments[hash] = &lightning.Payment{Confirmed: true}
	f.venue.deposits[hash] = &exchange.Deposit{Credited: true, Amount: big.NewInt(250_000), DepositID: "dep-ln"}
	f.tick()
	f.requireState(t, StateDepositReceived)
	transferInID := f.engine.job.TransferInID

	f.tick()
	f.requireState(t, StateRetrying)
	if f.engine.job.RetryState != StateDepositReceived {
		t.Fatalf("retryState = %s", f.engine.job.RetryState)
	}
	if f.engine.job.ClientOrderID != "" {
		t.Fatal("dead client order id not cleared")
	}

	// The retry delay has not elapsed yet.
	f.tick()
	f.requireState(t, StateRetrying)

	f.tick()
	f.tick()
	f.requireState(t, StateTradeExecuted)

	if len(f.venue.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(f.venue.placed))
	}
	if f.venue.placed[0].ClientOrderID == f.venue.placed[1].ClientOrderID {
		t.Error("retried order reused the dead client order id")
	}
	if f.engine.job.TransferInID != transferInID {
		t.Error("settled funding transfer id changed across retry")
	}
	if len(f.venue.transferReqs) != 1 {
		t.Errorf("funding transfer requested %d times, want 1", len(f.venue.transferReqs))
	}
}

// With every escrow withdrawal candidate dead, nothing has left custody
// and the rebalance unwinds to idle with the checkpoint dropped.
func TestAllCandidatesDeadUnwinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.contract.usable[token.USDC] = big.NewInt(1_000_000_000)
	if err := f.engine.Trigger(ctx, token.USDC, token.BTC, NewAmount(big.NewInt(100_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	f.tick()
	f.requireState(t, StateSCWithdrawing)

	f.contract.statuses["sc-1"] = contract.StatusReverted
	f.tick()
	f.requireState(t, StateIdle)

	var doc Job
	if found, _ := f.store.Load(&doc); found {
		t.Error("checkpoint survived unwind")
	}
}

// A fee-bumped replacement recorded mid-flight wins the confirmation
// scan and becomes the outbound txid.
func TestReplacementCandidateWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.contract.usable[token.USDC] = big.NewInt(1_000_000_000)
	if err := f.engine.Trigger(ctx, token.USDC, token.BTC, NewAmount(big.NewInt(100_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	f.tick()
	f.requireState(t, StateSCWithdrawing)

	f.contract.statuses["sc-1"] = contract.StatusSuccess
	f.tick()
	f.requireState(t, StateOutTx)

	// The adapter bumps the transfer; the replacement is a sibling
	// candidate of the original.
	f.engine.OnTxReplace("sc-2", "raw-sc-2", "sc-99", "raw-sc-99")
	if len(f.engine.job.OutTxs) != 2 {
		t.Fatalf("outTxs = %v", f.engine.job.OutTxs)
	}

	f.contract.statuses["sc-2"] = contract.StatusNotFound
	f.contract.statuses["sc-99"] = contract.StatusSuccess
	f.tick()
	f.requireState(t, StateOutTxConfirmed)
	if f.engine.job.OutTxID != "sc-99" {
		t.Errorf("outTxId = %s, want sc-99", f.engine.job.OutTxID)
	}
}

// A failed withdrawal retries under a fresh client id; the dead id is
// never re-requested. The engine starts from a checkpoint, covering
// restart resume as well.
func TestFailedWithdrawalRetriesFreshID(t *testing.T) {
	f := newFixture(t)

	seed := &Job{
		ID:            "job-w",
		State:         StateWithdrawing,
		SrcToken:      token.USDC,
		DstToken:      token.BTC,
		AmountSats:    NewAmount(big.NewInt(100_000)),
		AmountSrc:     NewAmount(big.NewInt(100_000_000)),
		TransferOutID: "to-1",
		TransferOut:   NewAmount(big.NewInt(100_000)),
		TransferID:    "trans-1",
		WithdrawalID:  "w1",
		WithdrawalFee: NewAmount(big.NewInt(50)),
		CreatedAt:     f.clock.Now().UnixMilli(),
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f.venue.withdrawals["w1"] = &exchange.Withdrawal{State: exchange.WithdrawalFailed}

	f.engine = f.newEngine(t)
	if !f.engine.Active() {
		t.Fatal("engine did not resume checkpoint")
	}

	f.tick()
	f.requireState(t, StateRetrying)
	if f.engine.job.RetryState != StateFundsTransfered {
		t.Fatalf("retryState = %s", f.engine.job.RetryState)
	}
	if f.engine.job.WithdrawalID != "" {
		t.Fatal("dead withdrawal id not cleared")
	}

	f.tick()
	f.tick()
	f.tick()
	f.requireState(t, StateWithdrawalSent)

	if len(f.venue.withdrawReqs) != 1 {
		t.Fatalf("withdrawals = %+v", f.venue.withdrawReqs)
	}
	req := f.venue.withdrawReqs[0]
	if req.ClientID == "w1" || req.ClientID == "" {
		t.Errorf("retried withdrawal id = %q, want a fresh id", req.ClientID)
	}
	if req.Address != "bcrt1-receive" || req.Token != token.BTC {
		t.Errorf("withdrawal = %+v", req)
	}
}

// The venue's network fee is quoted once, checkpointed, and every
// downstream leg is sized net of it: the withdrawal request carries
// amount and fee separately, and only the net amount goes back into
// escrow.
func TestWithdrawalFeeNetsPayout(t *testing.T) {
	f := newFixture(t)

	seed := &Job{
		ID:            "job-fee",
		State:         StateFundsTransfered,
		SrcToken:      token.BTC,
		DstToken:      token.USDC,
		AmountSats:    NewAmount(big.NewInt(100_000)),
		AmountSrc:     NewAmount(big.NewInt(100_000)),
		OutTxID:       "t-out",
		DepositID:     "dep-1",
		OrderID:       "ord-1",
		Price:         "24.5",
		TransferOutID: "to-1",
		TransferOut:   NewAmount(big.NewInt(5_000_000)),
		TransferID:    "trans-1",
		CreatedAt:     f.clock.Now().UnixMilli(),
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f.venue.withdrawFee = big.NewInt(30_000)

	f.engine = f.newEngine(t)
	f.tick()
	f.requireState(t, StateWithdrawalSent)

	if f.venue.feeCalls == 0 {
		t.Fatal("withdrawal fee never quoted")
	}
	if f.engine.job.WithdrawalFee == nil || f.engine.job.WithdrawalFee.Int.Int64() != 30_000 {
		t.Fatalf("withdrawalFee = %v, want 30000", f.engine.job.WithdrawalFee)
	}
	req := f.venue.withdrawReqs[0]
	if req.Amount.Int64() != 4_970_000 || req.Fee.Int64() != 30_000 {
		t.Fatalf("withdrawal amount = %s fee = %s, want 4970000 and 30000", req.Amount, req.Fee)
	}

	f.contract.statuses[f.engine.job.InTxID] = contract.StatusSuccess
	f.tick()
	f.requireState(t, StateSCDepositing)
	if len(f.contract.depositAmounts) != 1 || f.contract.depositAmounts[0].Int64() != 4_970_000 {
		t.Fatalf("escrow deposits = %v, want [4970000]", f.contract.depositAmounts)
	}
}

// A Lightning payout carries the fee inside the invoice: the amount our
// node asks for is already net of the venue's fee.
func TestLightningPayoutInvoiceNetOfFee(t *testing.T) {
	f := newFixture(t)

	seed := &Job{
		ID:            "job-lnfee",
		State:         StateFundsTransfered,
		SrcToken:      token.USDC,
		DstToken:      token.BTCLN,
		AmountSats:    NewAmount(big.NewInt(100_000)),
		AmountSrc:     NewAmount(big.NewInt(100_000_000)),
		TransferOutID: "to-1",
		TransferOut:   NewAmount(big.NewInt(100_000)),
		TransferID:    "trans-1",
		CreatedAt:     f.clock.Now().UnixMilli(),
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f.venue.withdrawFee = big.NewInt(500)

	f.engine = f.newEngine(t)
	f.tick()
	f.requireState(t, StateWithdrawalSent)

	if len(f.ln.issuedMsat) != 1 || f.ln.issuedMsat[0].Int64() != 99_500_000 {
		t.Fatalf("invoice msat = %v, want [99500000]", f.ln.issuedMsat)
	}
	if len(f.venue.withdrawReqs) != 1 || f.venue.withdrawReqs[0].Invoice != f.ln.issued[0].Request {
		t.Fatalf("withdrawals = %+v, want our invoice", f.venue.withdrawReqs)
	}
}

// A withdrawal the venue has no record of re-enters FUNDS_TRANSFERED
// after the retry delay and re-submits under the same client id instead
// of waiting forever.
func TestMissingWithdrawalResubmitsSameID(t *testing.T) {
	f := newFixture(t)

	seed := &Job{
		ID:            "job-miss",
		State:         StateWithdrawing,
		SrcToken:      token.USDC,
		DstToken:      token.BTC,
		AmountSats:    NewAmount(big.NewInt(100_000)),
		AmountSrc:     NewAmount(big.NewInt(100_000_000)),
		TransferOutID: "to-1",
		TransferOut:   NewAmount(big.NewInt(100_000)),
		TransferID:    "trans-1",
		WithdrawalID:  "w-lost",
		WithdrawalFee: NewAmount(big.NewInt(0)),
		CreatedAt:     f.clock.Now().UnixMilli(),
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// No withdrawal record on the venue side.

	f.engine = f.newEngine(t)
	f.tick()
	f.requireState(t, StateRetrying)
	if f.engine.job.RetryState != StateFundsTransfered {
		t.Fatalf("retryState = %s", f.engine.job.RetryState)
	}
	if f.engine.job.WithdrawalID != "w-lost" {
		t.Fatal("missing withdrawal must keep its client id")
	}

	f.tick()
	f.tick()
	f.tick()
	f.requireState(t, StateWithdrawalSent)

	if len(f.venue.withdrawReqs) != 1 || f.venue.withdrawReqs[0].ClientID != "w-lost" {
		t.Fatalf("withdrawals = %+v, want one request under w-lost", f.venue.withdrawReqs)
	}
}

// A withdrawal the venue reports as sent but not yet completed holds in
// WITHDRAWING; only the completed state advances.
func TestSentWithdrawalDoesNotAdvance(t *testing.T) {
	f := newFixture(t)

	seed := &Job{
		ID:            "job-sent",
		State:         StateWithdrawing,
		SrcToken:      token.USDC,
		DstToken:      token.BTC,
		AmountSats:    NewAmount(big.NewInt(100_000)),
		AmountSrc:     NewAmount(big.NewInt(100_000_000)),
		TransferOutID: "to-1",
		TransferOut:   NewAmount(big.NewInt(100_000)),
		TransferID:    "trans-1",
		WithdrawalID:  "w-sent",
		WithdrawalFee: NewAmount(big.NewInt(50)),
		CreatedAt:     f.clock.Now().UnixMilli(),
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f.venue.withdrawals["w-sent"] = &exchange.Withdrawal{State: exchange.WithdrawalSent, TxID: "in-9"}

	f.engine = f.newEngine(t)
	f.tick()
	f.requireState(t, StateWithdrawing)

	f.venue.withdrawals["w-sent"].State = exchange.WithdrawalSettled
	f.tick()
	f.requireState(t, StateWithdrawalSent)
	if f.engine.job.InTxID != "in-9" {
		t.Errorf("inTxId = %s, want in-9", f.engine.job.InTxID)
	}
}

// A rebalance whose amount exceeds the usable escrow balance stands down
// without building any transaction.
func TestInsufficientUsableBalanceAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.contract.usable[token.USDC] = big.NewInt(1)
	if err := f.engine.Trigger(ctx, token.USDC, token.BTC, NewAmount(big.NewInt(100_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	f.tick()
	f.requireState(t, StateIdle)
	if len(f.contract.built) != 0 {
		t.Errorf("built %d transactions, want 0", len(f.contract.built))
	}
}

// A restart between checkpointing the client ids and using them must
// reuse the exact same ids.
func TestRestartReusesClientIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, txID := chainTx(t)
	f.btc.signedRaw = raw

	if err := f.engine.Trigger(ctx, token.BTC, token.USDC, NewAmount(big.NewInt(100_000))); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	f.tick()
	f.btc.txs[txID] = &bitcoin.Tx{TxID: txID, Confirmations: 1}
	f.tick()
	f.venue.deposits[txID] = &exchange.Deposit{Credited: true, Amount: big.NewInt(100_000), DepositID: "dep-r"}
	f.tick()
	f.requireState(t, StateDepositReceived)

	orderID := f.engine.job.ClientOrderID
	transferID := f.engine.job.TransferInID
	if orderID == "" || transferID == "" {
		t.Fatal("client ids not minted")
	}

	// Crash and restart against the same checkpoint.
	f.engine = f.newEngine(t)
	f.tick()

	if len(f.venue.transferReqs) != 1 || f.venue.transferReqs[0] != transferID {
		t.Errorf("transfer requests = %v, want exactly [%s]", f.venue.transferReqs, transferID)
	}
	if len(f.venue.placed) != 1 || f.venue.placed[0].ClientOrderID != orderID {
		t.Errorf("placed = %+v, want order id %s", f.venue.placed, orderID)
	}
}
