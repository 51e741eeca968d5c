package rebalance

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/internal/token"
)

// handleTriggered starts moving the source funds toward the exchange. A
// smart-chain source first leaves the escrow contract; a Bitcoin source
// goes straight to the venue's deposit address or invoice.
func (e *Engine) handleTriggered(ctx context.Context) error {
	j := e.job

	if token.IsSmartChain(j.SrcToken) {
		// A previous attempt may have checkpointed candidates already; the
		// scan in SC_WITHDRAWING resolves whether any made it out.
		if len(j.ScWithdrawTxs) > 0 {
			return e.setState(StateSCWithdrawing, nil)
		}

		usable, err := e.contract.GetBalance(ctx, j.SrcToken, true)
		if err != nil {
			return err
		}
		if usable.Cmp(&j.AmountSrc.Int) < 0 {
			return e.unwind(ctx, fmt.Sprintf(
				"usable escrow balance %s below rebalance amount %s %s",
				usable, j.AmountSrc.String(), j.SrcToken))
		}

		txs, err := e.contract.TxsWithdraw(ctx, j.SrcToken, &j.AmountSrc.Int)
		if err != nil {
			return err
		}
		j.ScWithdrawTxs = make(map[string]string, len(txs))
		err = e.contract.SendAndConfirm(ctx, txs,
			e.recordCandidate(func(j *Job) map[string]string { return j.ScWithdrawTxs }))
		if err != nil {
			if len(j.ScWithdrawTxs) == 0 {
				j.ScWithdrawTxs = nil
				return err
			}
			// Candidates are checkpointed; the scan decides their fate.
			e.log.Warn("Broadcast failed after checkpointing candidates", "err", err)
		}
		return e.setState(StateSCWithdrawing, nil)
	}

	if token.IsLightning(j.SrcToken) {
		return e.payOutboundInvoice(ctx)
	}
	return e.sendOutboundChain(ctx)
}

// payOutboundInvoice deposits Lightning funds on the venue: ask it for an
// invoice over the exact notional, checkpoint, then pay. The payment hash
// doubles as the outbound tx id.
func (e *Engine) payOutboundInvoice(ctx context.Context) error {
	j := e.job

	if j.OutInvoice == "" {
		invoice, err := e.venue.CreateDepositInvoice(ctx, &j.AmountSats.Int)
		if err != nil {
			return err
		}
		// Never pay an invoice over a different amount than requested.
		if err := lightning.VerifyAmount(invoice, &j.AmountSats.Int); err != nil {
			return fmt.Errorf("venue invoice rejected: %w", err)
		}
		decoded, err := lightning.DecodeInvoice(invoice)
		if err != nil {
			return fmt.Errorf("venue invoice rejected: %w", err)
		}

		j.OutInvoice = invoice
		j.OutTxID = decoded.PaymentHash
		j.OutTxs = map[string]string{decoded.PaymentHash: invoice}
		j.CooldownUntil = e.now().Add(config.ActionCooldown).UnixMilli()
		if err := e.persist(); err != nil {
			return err
		}
	}

	if err := e.ln.Pay(ctx, j.OutInvoice); err != nil {
		// The payment scan decides whether anything is actually in flight.
		e.log.Warn("Lightning pay attempt failed", "err", err)
	}
	return e.setState(StateOutTx, nil)
}

// sendOutboundChain deposits on-chain Bitcoin on the venue: fund and sign
// a transaction paying the deposit address, checkpoint the raw payload
// and the UTXO locks, then broadcast.
func (e *Engine) sendOutboundChain(ctx context.Context) error {
	j := e.job

	if len(j.OutTxs) == 0 {
		addr, err := e.venue.GetDepositAddress(ctx, token.BTC)
		if err != nil {
			return err
		}
		params, err := bitcoin.Params(e.cfg.Lnd.Network)
		if err != nil {
			return err
		}
		if err := bitcoin.ValidateAddress(addr, params); err != nil {
			return fmt.Errorf("venue deposit address rejected: %w", err)
		}
		funded, err := e.btc.FundPsbt(ctx, &bitcoin.FundPsbtRequest{
			Outputs:          []bitcoin.Output{{Address: addr, Sats: &j.AmountSats.Int}},
			MinConfirmations: 1,
		})
		if err != nil {
			return err
		}
		raw, err := e.btc.SignPsbt(ctx, funded.Psbt)
		if err != nil {
			for _, lock := range funded.Inputs {
				if unlockErr := e.btc.UnlockUtxo(ctx, lock); unlockErr != nil {
					e.log.Warn("Failed to release utxo lock", "txId", lock.TxID, "err", unlockErr)
				}
			}
			return err
		}
		txID, err := bitcoin.TxID(raw)
		if err != nil {
			return err
		}

		j.OutTxs = map[string]string{txID: raw}
		j.OutTxID = txID
		j.UtxoLocks = funded.Inputs
		j.CooldownUntil = e.now().Add(config.ActionCooldown).UnixMilli()
		if err := e.persist(); err != nil {
			return err
		}

		if err := e.btc.BroadcastChainTransaction(ctx, raw); err != nil {
			e.log.Warn("Broadcast attempt failed", "txId", txID, "err", err)
		}
	}
	return e.setState(StateOutTx, nil)
}

// handleSCWithdrawing waits for the escrow withdrawal to land. Nothing
// has left our custody yet, so a fully dead candidate set unwinds the
// rebalance instead of retrying.
func (e *Engine) handleSCWithdrawing(ctx context.Context) error {
	if e.cooldownActive() {
		return nil
	}
	result, txID, err := e.scanCandidates(ctx, e.job.ScWithdrawTxs)
	if err != nil {
		return err
	}
	switch result {
	case scanSuccess:
		e.log.Info("Escrow withdrawal confirmed", "txId", txID)
		return e.setState(StateSCWithdrawalConfirmed, nil)
	case scanAllDead:
		return e.unwind(ctx, "all escrow withdrawal candidates dead")
	default:
		return nil
	}
}

// handleSCWithdrawalConfirmed moves the withdrawn tokens from our wallet
// to the venue's deposit address.
func (e *Engine) handleSCWithdrawalConfirmed(ctx context.Context) error {
	j := e.job

	if len(j.OutTxs) == 0 {
		addr, err := e.venue.GetDepositAddress(ctx, j.SrcToken)
		if err != nil {
			return err
		}
		txs, err := e.contract.TxsTransfer(ctx, j.SrcToken, &j.AmountSrc.Int, addr)
		if err != nil {
			return err
		}
		j.OutTxs = make(map[string]string, len(txs))
		err = e.contract.SendAndConfirm(ctx, txs,
			e.recordCandidate(func(j *Job) map[string]string { return j.OutTxs }))
		if err != nil {
			if len(j.OutTxs) == 0 {
				j.OutTxs = nil
				return err
			}
			e.log.Warn("Broadcast failed after checkpointing candidates", "err", err)
		}
	}
	return e.setState(StateOutTx, nil)
}

// handleOutTx waits for the outbound deposit to confirm on its rail.
func (e *Engine) handleOutTx(ctx context.Context) error {
	if e.cooldownActive() {
		return nil
	}
	j := e.job

	if token.IsSmartChain(j.SrcToken) {
		result, txID, err := e.scanCandidates(ctx, j.OutTxs)
		if err != nil {
			return err
		}
		switch result {
		case scanSuccess:
			return e.setState(StateOutTxConfirmed, func(j *Job) {
				j.OutTxID = txID
			})
		case scanAllDead:
			// The escrow withdrawal already landed, so the funds sit in our
			// wallet; rebuild the transfer after the retry delay.
			return e.scheduleRetry(StateSCWithdrawalConfirmed, func(j *Job) {
				j.OutTxs = nil
				j.OutTxID = ""
			})
		default:
			return nil
		}
	}

	if token.IsLightning(j.SrcToken) {
		payment, err := e.ln.GetPayment(ctx, j.OutTxID)
		if errors.Is(err, lightning.ErrPaymentNotFound) {
			// Checkpointed but never attempted: nothing left our node.
			return e.unwind(ctx, "outbound payment never attempted")
		}
		if err != nil {
			return err
		}
		if payment.Failed {
			return e.unwind(ctx, "outbound payment failed")
		}
		if payment.Confirmed {
			return e.setState(StateOutTxConfirmed, nil)
		}
		return nil
	}

	tx, err := e.btc.GetTransaction(ctx, j.OutTxID)
	if errors.Is(err, bitcoin.ErrTxNotFound) {
		// Crashed between checkpoint and broadcast: the transaction never
		// existed, so release the inputs and stand down.
		return e.unwind(ctx, "outbound transaction never broadcast")
	}
	if err != nil {
		return err
	}
	if tx.Confirmations >= 1 {
		return e.setState(StateOutTxConfirmed, nil)
	}
	return nil
}

// handleOutTxConfirmed waits for the venue to credit the deposit.
func (e *Engine) handleOutTxConfirmed(ctx context.Context) error {
	j := e.job

	deposit, err := e.venue.GetDeposit(ctx, j.SrcToken, j.OutTxID)
	if errors.Is(err, exchange.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !deposit.Credited {
		return nil
	}
	return e.setState(StateDepositReceived, func(j *Job) {
		j.DepositAmount = NewAmount(deposit.Amount)
		j.DepositID = deposit.DepositID
	})
}
