package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/helpers"
)

// handleFundsTransfered requests the withdrawal off the venue: on-chain
// to our Bitcoin wallet, over Lightning against an invoice our node
// issues, or to our smart-chain wallet. The payout is sized net of the
// venue's network fee, so what is requested is what actually arrives.
// The fee, the withdrawal id and, for Lightning, the invoice are
// checkpointed before the request goes out.
func (e *Engine) handleFundsTransfered(ctx context.Context) error {
	j := e.job

	changed := false
	if j.WithdrawalFee == nil {
		fee, err := e.venue.GetWithdrawalFee(ctx, j.DstToken, &j.TransferOut.Int)
		if err != nil {
			return err
		}
		if fee.Cmp(&j.TransferOut.Int) >= 0 {
			return fmt.Errorf("withdrawal fee %s consumes the whole amount %s %s",
				fee, j.TransferOut.String(), j.DstToken)
		}
		j.WithdrawalFee = NewAmount(fee)
		changed = true
	}
	net := new(big.Int).Sub(&j.TransferOut.Int, &j.WithdrawalFee.Int)

	if j.WithdrawalID == "" {
		j.WithdrawalID = helpers.NewHexID()
		changed = true
	}
	if token.IsLightning(j.DstToken) && j.InInvoice == "" {
		msat := new(big.Int).Mul(net, big.NewInt(1000))
		invoice, err := e.ln.CreateInvoice(ctx, msat)
		if err != nil {
			return err
		}
		j.InInvoice = invoice.Request
		j.InPaymentHash = invoice.PaymentHash
		// The payment hash is the leg's tx id on the Lightning rail.
		j.InTxID = invoice.PaymentHash
		changed = true
	}
	if changed {
		if err := e.persist(); err != nil {
			return err
		}
	}

	// A previous attempt may have landed the request before crashing.
	if _, err := e.venue.GetWithdrawal(ctx, j.WithdrawalID); err == nil {
		return e.setState(StateWithdrawing, nil)
	} else if !exchange.IsOrderNotFound(err) {
		return err
	}

	switch {
	case token.IsLightning(j.DstToken):
		// The invoice already carries the net amount; the venue derives it.
		if err := e.venue.WithdrawLightning(ctx, j.WithdrawalID, j.InInvoice); err != nil {
			return err
		}
	case token.IsBitcoin(j.DstToken):
		addr, err := e.receiveAddress(ctx)
		if err != nil {
			return err
		}
		if err := e.venue.Withdraw(ctx, j.WithdrawalID, token.BTC,
			net, &j.WithdrawalFee.Int, addr); err != nil {
			return err
		}
	default:
		if err := e.venue.Withdraw(ctx, j.WithdrawalID, j.DstToken,
			net, &j.WithdrawalFee.Int, e.contract.GetAddress()); err != nil {
			return err
		}
	}
	return e.setState(StateWithdrawing, nil)
}

// receiveAddress picks a receive (non-change) address from the wallet.
func (e *Engine) receiveAddress(ctx context.Context) (string, error) {
	addrs, err := e.btc.GetChainAddresses(ctx)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if !addr.IsChange {
			return addr.Address, nil
		}
	}
	return "", fmt.Errorf("wallet has no receive address")
}

// handleWithdrawing waits for the venue to settle the withdrawal. A dead
// withdrawal re-enters FUNDS_TRANSFERED under a fresh id; a withdrawal
// the venue has no record of re-enters it keeping the id, so the request
// is re-submitted idempotently instead of waiting forever.
func (e *Engine) handleWithdrawing(ctx context.Context) error {
	j := e.job

	withdrawal, err := e.venue.GetWithdrawal(ctx, j.WithdrawalID)
	if exchange.IsOrderNotFound(err) {
		return e.scheduleRetry(StateFundsTransfered, nil)
	}
	if err != nil {
		return err
	}
	if withdrawal.Failed() {
		return e.scheduleRetry(StateFundsTransfered, clearWithdrawal)
	}
	if withdrawal.State != exchange.WithdrawalSettled {
		return nil
	}
	// On chain rails we need the venue's txid to track arrival; Lightning
	// already tracks by the invoice payment hash.
	if !token.IsLightning(j.DstToken) && withdrawal.TxID == "" {
		return nil
	}
	return e.setState(StateWithdrawalSent, func(j *Job) {
		if j.InTxID == "" {
			j.InTxID = withdrawal.TxID
		}
	})
}

func clearWithdrawal(j *Job) {
	j.WithdrawalID = ""
	j.WithdrawalFee = nil
	j.InInvoice = ""
	j.InPaymentHash = ""
	j.InTxID = ""
}

// handleWithdrawalSent waits for the incoming funds to land on our side.
func (e *Engine) handleWithdrawalSent(ctx context.Context) error {
	j := e.job

	switch {
	case token.IsLightning(j.DstToken):
		invoice, err := e.ln.GetInvoice(ctx, j.InPaymentHash)
		if err != nil {
			return err
		}
		if invoice.Canceled {
			// The invoice expired unpaid; re-request under a fresh one.
			return e.scheduleRetry(StateFundsTransfered, clearWithdrawal)
		}
		if invoice.Confirmed {
			return e.setState(StateInTxConfirmed, nil)
		}
		return nil

	case token.IsBitcoin(j.DstToken):
		tx, err := e.btc.GetTransaction(ctx, j.InTxID)
		if errors.Is(err, bitcoin.ErrTxNotFound) {
			// The venue broadcast it; our wallet just has not seen it yet.
			return nil
		}
		if err != nil {
			return err
		}
		if tx.Confirmations >= 1 {
			return e.setState(StateInTxConfirmed, nil)
		}
		return nil

	default:
		status, err := e.contract.GetTxIdStatus(ctx, j.InTxID)
		if err != nil {
			return err
		}
		switch status {
		case contract.StatusSuccess:
			return e.setState(StateInTxConfirmed, nil)
		case contract.StatusReverted:
			// The venue's own transaction died; the funds are back on the
			// venue, so re-request the withdrawal.
			return e.scheduleRetry(StateFundsTransfered, clearWithdrawal)
		default:
			return nil
		}
	}
}

// handleInTxConfirmed returns the funds to the escrow contract, or
// finishes outright when the destination is a Bitcoin rail.
func (e *Engine) handleInTxConfirmed(ctx context.Context) error {
	j := e.job

	if !token.IsSmartChain(j.DstToken) {
		return e.setState(StateFinished, nil)
	}

	if len(j.ScDepositTxs) == 0 {
		// The venue kept its network fee; only the net amount landed.
		net := new(big.Int).Sub(&j.TransferOut.Int, &j.WithdrawalFee.Int)
		txs, err := e.contract.TxsDeposit(ctx, j.DstToken, net)
		if err != nil {
			return err
		}
		j.ScDepositTxs = make(map[string]string, len(txs))
		err = e.contract.SendAndConfirm(ctx, txs,
			e.recordCandidate(func(j *Job) map[string]string { return j.ScDepositTxs }))
		if err != nil {
			if len(j.ScDepositTxs) == 0 {
				j.ScDepositTxs = nil
				return err
			}
			e.log.Warn("Broadcast failed after checkpointing candidates", "err", err)
		}
	}
	return e.setState(StateSCDepositing, nil)
}

// handleSCDepositing waits for the escrow deposit to land.
func (e *Engine) handleSCDepositing(ctx context.Context) error {
	if e.cooldownActive() {
		return nil
	}
	result, txID, err := e.scanCandidates(ctx, e.job.ScDepositTxs)
	if err != nil {
		return err
	}
	switch result {
	case scanSuccess:
		e.log.Info("Escrow deposit confirmed", "txId", txID)
		return e.setState(StateSCDeposited, nil)
	case scanAllDead:
		// The funds sit in our wallet; rebuild the deposit.
		return e.scheduleRetry(StateInTxConfirmed, func(j *Job) {
			j.ScDepositTxs = nil
		})
	default:
		return nil
	}
}

func (e *Engine) handleSCDeposited(ctx context.Context) error {
	return e.setState(StateFinished, nil)
}
