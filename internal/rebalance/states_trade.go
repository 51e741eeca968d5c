package rebalance

import (
	"context"

	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/pkg/helpers"
)

// handleDepositReceived moves the credited deposit into the trading
// account and places the market order. Both the transfer and the order
// carry client ids minted here and checkpointed before first use, so a
// crash mid-call retries the exact same request instead of issuing a new
// one.
func (e *Engine) handleDepositReceived(ctx context.Context) error {
	j := e.job

	changed := false
	if j.TransferInID == "" {
		j.TransferInID = helpers.NewHexID()
		changed = true
	}
	if j.ClientOrderID == "" {
		instID, side, err := exchange.Pair(j.SrcToken, j.DstToken)
		if err != nil {
			return err
		}
		j.ClientOrderID = helpers.NewHexID()
		j.InstID = instID
		j.Side = string(side)
		changed = true
	}
	if changed {
		if err := e.persist(); err != nil {
			return err
		}
	}

	transfer, err := e.venue.GetTransfer(ctx, j.TransferInID)
	if exchange.IsOrderNotFound(err) {
		return e.venue.Transfer(ctx, j.TransferInID, j.SrcToken,
			&j.DepositAmount.Int, exchange.AccountFunding, exchange.AccountTrading)
	}
	if err != nil {
		return err
	}
	if transfer.Failed {
		// Dead transfer: a fresh id next tick re-requests it.
		j.TransferInID = ""
		return e.persist()
	}
	if !transfer.Success {
		return nil
	}

	// The order sizes in the source token: selling, the source is the
	// base currency; buying, it is the quote.
	if j.TradeAmount == nil {
		j.TradeAmount = NewAmount(&j.DepositAmount.Int)
		if err := e.persist(); err != nil {
			return err
		}
	}

	// A previous attempt may have landed the order before crashing.
	if _, err := e.venue.GetOrder(ctx, j.ClientOrderID, j.InstID); err == nil {
		return e.setState(StateTradeExecuting, nil)
	} else if !exchange.IsOrderNotFound(err) {
		return err
	}

	if err := e.venue.PlaceMarketOrder(ctx, j.ClientOrderID, j.InstID,
		exchange.Side(j.Side), &j.TradeAmount.Int, j.SrcToken); err != nil {
		return err
	}
	return e.setState(StateTradeExecuting, nil)
}

// handleTradeExecuting waits for the order to fill. A canceled order goes
// back through the retry wormhole under a fresh client order id; the dead
// id is never reused.
func (e *Engine) handleTradeExecuting(ctx context.Context) error {
	j := e.job

	order, err := e.venue.GetOrder(ctx, j.ClientOrderID, j.InstID)
	if exchange.IsOrderNotFound(err) {
		// Checkpointed but never landed: re-place under the same id.
		return e.venue.PlaceMarketOrder(ctx, j.ClientOrderID, j.InstID,
			exchange.Side(j.Side), &j.TradeAmount.Int, j.SrcToken)
	}
	if err != nil {
		return err
	}

	switch order.State {
	case exchange.OrderFilled:
		return e.setState(StateTradeExecuted, func(j *Job) {
			j.OrderID = order.OrderID
			j.Price = order.AvgPrice
		})
	case exchange.OrderCanceled, exchange.OrderMMPCanceled:
		return e.scheduleRetry(StateDepositReceived, func(j *Job) {
			j.ClientOrderID = ""
			j.InstID = ""
			j.Side = ""
			j.TradeAmount = nil
		})
	default:
		return nil
	}
}

// handleTradeExecuted moves the proceeds back to the funding account. The
// transfer amount is the full trading balance of the destination token,
// read once and checkpointed.
func (e *Engine) handleTradeExecuted(ctx context.Context) error {
	j := e.job

	if j.TransferOutID == "" {
		balance, err := e.venue.GetBalance(ctx, j.DstToken, exchange.AccountTrading)
		if err != nil {
			return err
		}
		if balance.Sign() <= 0 {
			// Fills can settle a beat after the order reports filled.
			return nil
		}
		j.TransferOutID = helpers.NewHexID()
		j.TransferOut = NewAmount(balance)
		if err := e.persist(); err != nil {
			return err
		}
	}

	if _, err := e.venue.GetTransfer(ctx, j.TransferOutID); err == nil {
		return e.setState(StateFundsTransfering, nil)
	} else if !exchange.IsOrderNotFound(err) {
		return err
	}

	if err := e.venue.Transfer(ctx, j.TransferOutID, j.DstToken,
		&j.TransferOut.Int, exchange.AccountTrading, exchange.AccountFunding); err != nil {
		return err
	}
	return e.setState(StateFundsTransfering, nil)
}

// handleFundsTransfering waits for the proceeds transfer to settle.
func (e *Engine) handleFundsTransfering(ctx context.Context) error {
	j := e.job

	transfer, err := e.venue.GetTransfer(ctx, j.TransferOutID)
	if exchange.IsOrderNotFound(err) {
		return e.venue.Transfer(ctx, j.TransferOutID, j.DstToken,
			&j.TransferOut.Int, exchange.AccountTrading, exchange.AccountFunding)
	}
	if err != nil {
		return err
	}
	if transfer.Failed {
		return e.scheduleRetry(StateTradeExecuted, func(j *Job) {
			j.TransferOutID = ""
			j.TransferOut = nil
		})
	}
	if !transfer.Success {
		return nil
	}
	return e.setState(StateFundsTransfered, func(j *Job) {
		j.TransferID = transfer.TransferID
	})
}
