// Package rebalance implements the durable state machine that moves
// inventory between the smart-chain escrow and the Bitcoin side through a
// centralized exchange. Every state transition is checkpointed before the
// action it enables, so a crash at any point resumes without repeating an
// external side effect.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/internal/oracle"
	"github.com/crossrail-labs/hedged/internal/statestore"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/helpers"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

// ErrBusy is returned by Trigger while a rebalance is already in flight.
// Only one rebalance runs at a time; the monitor simply tries again later.
var ErrBusy = errors.New("a rebalance is already in flight")

// Deps bundles the engine's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *statestore.Store
	History   *statestore.History // optional
	Contract  contract.SwapContract
	Exchange  exchange.Exchange
	Bitcoin   bitcoin.Backend
	Lightning lightning.Backend
	Oracle    oracle.PriceOracle
	Logger    *logging.Logger
}

// Engine drives the rebalance pipeline. All state lives in the job
// checkpoint; the engine itself holds no balances.
type Engine struct {
	mu sync.Mutex

	cfg      *config.Config
	store    *statestore.Store
	history  *statestore.History
	contract contract.SwapContract
	venue    exchange.Exchange
	btc      bitcoin.Backend
	ln       lightning.Backend
	prices   oracle.PriceOracle
	log      *logging.Logger

	// now is the clock; replaced in tests.
	now func() time.Time

	job *Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine and resumes any checkpointed rebalance.
func NewEngine(d Deps) (*Engine, error) {
	e := &Engine{
		cfg:      d.Config,
		store:    d.Store,
		history:  d.History,
		contract: d.Contract,
		venue:    d.Exchange,
		btc:      d.Bitcoin,
		ln:       d.Lightning,
		prices:   d.Oracle,
		log:      d.Logger.Component("rebalance"),
		now:      time.Now,
	}

	var job Job
	found, err := e.store.Load(&job)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if found {
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint: %w", err)
		}
		e.job = &job
		e.log.Info("Resuming rebalance", "id", job.ID, "state", job.State,
			"src", job.SrcToken, "dst", job.DstToken)
	}

	e.contract.OnBeforeTxReplace(e.OnTxReplace)
	return e, nil
}

// Start launches the tick loop.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.run()
	e.log.Info("Rebalance engine started")
}

// Stop halts the tick loop and waits for the current tick to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("Rebalance engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Tick(e.ctx)
		}
	}
}

// Active reports whether a rebalance is in flight.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job != nil
}

// Trigger starts a new rebalance moving the given satoshi notional from
// src into dst. Fails with ErrBusy while one is already running.
func (e *Engine) Trigger(ctx context.Context, src, dst token.Token, sats *Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job != nil {
		return ErrBusy
	}
	if _, _, err := exchange.Pair(src, dst); err != nil {
		return fmt.Errorf("cannot rebalance %s -> %s: %w", src, dst, err)
	}
	if sats == nil || sats.Sign() <= 0 {
		return fmt.Errorf("rebalance amount must be positive")
	}

	amountSrc, err := e.prices.FromBtc(src, &sats.Int, oracle.RoundDown)
	if err != nil {
		return fmt.Errorf("failed to price rebalance amount: %w", err)
	}
	if amountSrc.Sign() <= 0 {
		return fmt.Errorf("rebalance amount rounds to zero %s", src)
	}

	job := &Job{
		ID:         helpers.NewHexID(),
		State:      StateTriggered,
		SrcToken:   src,
		DstToken:   dst,
		AmountSats: NewAmount(&sats.Int),
		AmountSrc:  NewAmount(amountSrc),
		CreatedAt:  e.now().UnixMilli(),
	}
	if err := e.store.Save(job); err != nil {
		return fmt.Errorf("failed to checkpoint trigger: %w", err)
	}
	e.job = job

	e.log.Info("Rebalance triggered", "id", job.ID,
		"src", src, "dst", dst, "sats", sats.String())
	return nil
}

// Tick advances the pipeline. A handler that transitions the job is
// immediately followed by the next state's handler, so a chain of
// instantaneous transitions completes within one tick.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Bound the chain defensively; the pipeline has no cycles outside the
	// retry wormhole, which always waits.
	for i := 0; i < len(requiredFields)+4; i++ {
		if e.job == nil {
			return
		}
		prev := e.job.State
		if err := e.step(ctx); err != nil {
			e.log.Warn("Rebalance step failed", "state", prev, "err", err)
			return
		}
		if e.job == nil || e.job.State == prev {
			return
		}
	}
}

func (e *Engine) step(ctx context.Context) error {
	switch e.job.State {
	case StateTriggered:
		return e.handleTriggered(ctx)
	case StateSCWithdrawing:
		return e.handleSCWithdrawing(ctx)
	case StateSCWithdrawalConfirmed:
		return e.handleSCWithdrawalConfirmed(ctx)
	case StateOutTx:
		return e.handleOutTx(ctx)
	case StateOutTxConfirmed:
		return e.handleOutTxConfirmed(ctx)
	case StateDepositReceived:
		return e.handleDepositReceived(ctx)
	case StateTradeExecuting:
		return e.handleTradeExecuting(ctx)
	case StateTradeExecuted:
		return e.handleTradeExecuted(ctx)
	case StateFundsTransfering:
		return e.handleFundsTransfering(ctx)
	case StateFundsTransfered:
		return e.handleFundsTransfered(ctx)
	case StateWithdrawing:
		return e.handleWithdrawing(ctx)
	case StateWithdrawalSent:
		return e.handleWithdrawalSent(ctx)
	case StateInTxConfirmed:
		return e.handleInTxConfirmed(ctx)
	case StateSCDepositing:
		return e.handleSCDepositing(ctx)
	case StateSCDeposited:
		return e.handleSCDeposited(ctx)
	case StateFinished:
		return e.handleFinished(ctx)
	case StateRetrying:
		return e.handleRetrying(ctx)
	default:
		return fmt.Errorf("unknown state %s", e.job.State)
	}
}

// setState transitions the job and checkpoints it. The mutation runs
// before validation and persistence, so any fields the new state requires
// are on disk before the caller acts on them.
func (e *Engine) setState(next State, mutate func(*Job)) error {
	prev := e.job.State
	e.job.State = next
	if mutate != nil {
		mutate(e.job)
	}
	if next != StateRetrying {
		e.job.RetryAt = 0
		e.job.RetryState = ""
	}
	if err := e.job.Validate(); err != nil {
		panic(fmt.Sprintf("invalid transition %s -> %s: %v", prev, next, err))
	}
	if err := e.store.Save(e.job); err != nil {
		e.job.State = prev
		return fmt.Errorf("failed to checkpoint %s: %w", next, err)
	}
	e.log.Info("Rebalance transition", "id", e.job.ID, "from", prev, "to", next)
	return nil
}

// persist checkpoints field-only updates without a state change.
func (e *Engine) persist() error {
	if err := e.store.Save(e.job); err != nil {
		return fmt.Errorf("failed to checkpoint job: %w", err)
	}
	return nil
}

// scheduleRetry sends the job through the retry wormhole: after RetryTime
// it re-enters target. clear drops the per-attempt ids that died with
// this attempt, so the re-entered state mints fresh ones.
func (e *Engine) scheduleRetry(target State, clear func(*Job)) error {
	retryAt := e.now().Add(config.RetryTime).UnixMilli()
	e.log.Warn("Rebalance attempt failed, scheduling retry",
		"id", e.job.ID, "target", target, "retryAt", retryAt)
	return e.setState(StateRetrying, func(j *Job) {
		j.RetryAt = retryAt
		j.RetryState = target
		if clear != nil {
			clear(j)
		}
	})
}

func (e *Engine) handleRetrying(ctx context.Context) error {
	if e.now().UnixMilli() < e.job.RetryAt {
		return nil
	}
	return e.setState(e.job.RetryState, nil)
}

// unwind abandons a rebalance that has not moved any funds: UTXO locks
// are released and the checkpoint is dropped without archiving.
func (e *Engine) unwind(ctx context.Context, reason string) error {
	for _, lock := range e.job.UtxoLocks {
		if err := e.btc.UnlockUtxo(ctx, lock); err != nil {
			e.log.Warn("Failed to release utxo lock", "txId", lock.TxID, "err", err)
		}
	}
	if err := e.store.Delete(); err != nil {
		return err
	}
	e.log.Warn("Rebalance abandoned", "id", e.job.ID, "reason", reason)
	e.job = nil
	return nil
}

func (e *Engine) handleFinished(ctx context.Context) error {
	j := e.job
	if e.history != nil {
		entry := &statestore.HistoryEntry{
			ID:         j.ID,
			SrcToken:   string(j.SrcToken),
			DstToken:   string(j.DstToken),
			AmountSats: j.AmountSats.String(),
			OrderID:    j.OrderID,
			Price:      j.Price,
			FinalState: string(StateFinished),
			StartedAt:  j.CreatedAt,
			FinishedAt: e.now().UnixMilli(),
		}
		// The ledger is bookkeeping; a failure here must not wedge the
		// pipeline.
		if err := e.history.Record(entry); err != nil {
			e.log.Warn("Failed to record rebalance history", "id", j.ID, "err", err)
		}
	}
	if err := e.store.Archive(); err != nil {
		return err
	}
	e.log.Info("Rebalance finished", "id", j.ID,
		"src", j.SrcToken, "dst", j.DstToken, "sats", j.AmountSats.String())
	e.job = nil
	return nil
}

// OnTxReplace records a fee-bumped replacement as a sibling candidate of
// the transaction it replaces. Safe to call from adapter goroutines.
func (e *Engine) OnTxReplace(oldTxID, oldRawTx, newTxID, newRawTx string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job == nil {
		return
	}
	for _, candidates := range []map[string]string{
		e.job.ScWithdrawTxs, e.job.OutTxs, e.job.ScDepositTxs,
	} {
		if candidates == nil {
			continue
		}
		if _, ok := candidates[oldTxID]; !ok {
			continue
		}
		candidates[newTxID] = newRawTx
		e.job.CooldownUntil = e.now().Add(config.ActionCooldown).UnixMilli()
		if err := e.persist(); err != nil {
			e.log.Error("Failed to checkpoint replacement", "newTxId", newTxID, "err", err)
			return
		}
		e.log.Info("Recorded replacement candidate",
			"oldTxId", oldTxID, "newTxId", newTxID)
		return
	}
	e.log.Warn("Replacement for unknown transaction", "oldTxId", oldTxID)
}

// recordCandidate returns a broadcast callback that checkpoints each
// candidate before it goes on the wire. It runs inside the engine lock,
// called synchronously from SendAndConfirm within a handler.
func (e *Engine) recordCandidate(target func(*Job) map[string]string) contract.BroadcastFunc {
	return func(txID, rawTx string) {
		target(e.job)[txID] = rawTx
		e.job.CooldownUntil = e.now().Add(config.ActionCooldown).UnixMilli()
		if err := e.persist(); err != nil {
			e.log.Error("Failed to checkpoint candidate", "txId", txID, "err", err)
		}
	}
}

func (e *Engine) cooldownActive() bool {
	return e.job.CooldownUntil > e.now().UnixMilli()
}

type scanResult int

const (
	scanPending scanResult = iota
	scanSuccess
	scanAllDead
)

// scanCandidates resolves a candidate set against the chain. Any one
// success wins; the set is dead only when every candidate is terminally
// reverted or unknown.
func (e *Engine) scanCandidates(ctx context.Context, txs map[string]string) (scanResult, string, error) {
	dead := 0
	for txID, raw := range txs {
		status, err := e.contract.GetTxStatus(ctx, raw)
		if err != nil {
			return scanPending, "", err
		}
		switch status {
		case contract.StatusSuccess:
			return scanSuccess, txID, nil
		case contract.StatusReverted, contract.StatusNotFound:
			dead++
		}
	}
	if dead == len(txs) {
		return scanAllDead, "", nil
	}
	return scanPending, "", nil
}
