package rebalance

import (
	"fmt"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/token"
)

// State is a rebalance pipeline state. Every transition is persisted
// before the action it enables, so a restart resumes exactly where the
// checkpoint says.
type State string

const (
	StateIdle                  State = "IDLE"
	StateTriggered             State = "TRIGGERED"
	StateSCWithdrawing         State = "SC_WITHDRAWING"
	StateSCWithdrawalConfirmed State = "SC_WITHDRAWAL_CONFIRMED"
	StateOutTx                 State = "OUT_TX"
	StateOutTxConfirmed        State = "OUT_TX_CONFIRMED"
	StateDepositReceived       State = "DEPOSIT_RECEIVED"
	StateTradeExecuting        State = "TRADE_EXECUTING"
	StateTradeExecuted         State = "TRADE_EXECUTED"
	StateFundsTransfering      State = "FUNDS_TRANSFERING"
	StateFundsTransfered       State = "FUNDS_TRANSFERED"
	StateWithdrawing           State = "WITHDRAWING"
	StateWithdrawalSent        State = "WITHDRAWAL_SENT"
	StateInTxConfirmed         State = "IN_TX_CONFIRMED"
	StateSCDepositing          State = "SC_DEPOSITING"
	StateSCDeposited           State = "SC_DEPOSITED"
	StateFinished              State = "FINISHED"
	StateRetrying              State = "RETRYING"
)

// Job is the checkpoint document of one rebalance. Candidate transaction
// maps hold every payload ever handed to a broadcast path (including
// fee-bumped replacements), keyed by txid; any one of them confirming
// advances the pipeline.
type Job struct {
	ID       string      `json:"id"`
	State    State       `json:"state"`
	SrcToken token.Token `json:"srcToken"`
	DstToken token.Token `json:"dstToken"`

	// AmountSats is the rebalance notional in satoshis; AmountSrc is the
	// same value in the source token's base units.
	AmountSats *Amount `json:"amountSats"`
	AmountSrc  *Amount `json:"amountSrc"`

	CreatedAt int64 `json:"createdAt"` // unix ms

	// Outbound leg.
	ScWithdrawTxs map[string]string  `json:"scWithdrawTxs,omitempty"`
	OutTxs        map[string]string  `json:"outTxs,omitempty"`
	OutTxID       string             `json:"outTxId,omitempty"`
	UtxoLocks     []bitcoin.UtxoLock `json:"utxoLocks,omitempty"`
	OutInvoice    string             `json:"outInvoice,omitempty"`

	// Exchange leg. Client ids are minted once, persisted before first
	// use, and reused verbatim on every retry of the same attempt. The
	// venue-side ids (depositId, orderId, transferId) are recorded as each
	// operation settles.
	DepositAmount *Amount `json:"depositAmount,omitempty"`
	DepositID     string  `json:"depositId,omitempty"`
	TransferInID  string  `json:"transferInId,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	InstID        string  `json:"instId,omitempty"`
	Side          string  `json:"side,omitempty"`
	TradeAmount   *Amount `json:"tradeAmount,omitempty"`
	OrderID       string  `json:"orderId,omitempty"`
	Price         string  `json:"price,omitempty"` // average fill price, venue decimal
	TransferOutID string  `json:"transferOutId,omitempty"`
	TransferOut   *Amount `json:"transferOutAmount,omitempty"`
	TransferID    string  `json:"transferId,omitempty"`
	WithdrawalID  string  `json:"withdrawalId,omitempty"`

	// WithdrawalFee is the venue's network fee for the inbound withdrawal,
	// in dstToken base units. The payout and the escrow deposit are sized
	// net of it.
	WithdrawalFee *Amount `json:"withdrawalFee,omitempty"`

	// Inbound leg.
	InInvoice     string            `json:"inInvoice,omitempty"`
	InPaymentHash string            `json:"inPaymentHash,omitempty"`
	InTxID        string            `json:"inTxId,omitempty"`
	InAmount      *Amount           `json:"inAmount,omitempty"`
	ScDepositTxs  map[string]string `json:"scDepositTxs,omitempty"`

	// Retry wormhole. RetryAt is zero unless State is RETRYING.
	RetryAt    int64 `json:"retryAt,omitempty"` // unix ms
	RetryState State `json:"retryState,omitempty"`

	// CooldownUntil delays status polling right after a broadcast, giving
	// the network time to learn about the transaction.
	CooldownUntil int64 `json:"cooldownUntil,omitempty"` // unix ms
}

// requiredFields names the job fields that must be set before the
// pipeline may enter each state. A missing field at transition time is a
// programmer error, not a runtime condition.
var requiredFields = map[State][]string{
	StateSCWithdrawing:    {"scWithdrawTxs"},
	StateOutTx:            {"outTxs"},
	StateOutTxConfirmed:   {"outTxId"},
	StateDepositReceived:  {"outTxId", "depositId"},
	StateTradeExecuting:   {"clientOrderId", "instId", "side", "tradeAmount"},
	StateTradeExecuted:    {"clientOrderId", "orderId", "price"},
	StateFundsTransfering: {"transferOutId", "transferOutAmount"},
	StateFundsTransfered:  {"transferOutAmount", "transferId"},
	StateWithdrawing:      {"withdrawalId", "withdrawalFee"},
	StateWithdrawalSent:   {"inTxId"},
	StateInTxConfirmed:    {"inTxId"},
	StateSCDepositing:     {"scDepositTxs"},
	StateRetrying:         {"retryAt", "retryState"},
}

// Validate checks the state-entry preconditions for j's current state.
func (j *Job) Validate() error {
	for _, field := range requiredFields[j.State] {
		if !j.hasField(field) {
			return fmt.Errorf("state %s requires field %s", j.State, field)
		}
	}
	return nil
}

func (j *Job) hasField(field string) bool {
	switch field {
	case "scWithdrawTxs":
		return len(j.ScWithdrawTxs) > 0
	case "outTxs":
		return len(j.OutTxs) > 0
	case "outTxId":
		return j.OutTxID != ""
	case "depositId":
		return j.DepositID != ""
	case "orderId":
		return j.OrderID != ""
	case "price":
		return j.Price != ""
	case "transferId":
		return j.TransferID != ""
	case "clientOrderId":
		return j.ClientOrderID != ""
	case "instId":
		return j.InstID != ""
	case "side":
		return j.Side != ""
	case "tradeAmount":
		return j.TradeAmount != nil
	case "transferOutId":
		return j.TransferOutID != ""
	case "transferOutAmount":
		return j.TransferOut != nil
	case "withdrawalId":
		return j.WithdrawalID != ""
	case "withdrawalFee":
		return j.WithdrawalFee != nil
	case "inTxId":
		return j.InTxID != ""
	case "scDepositTxs":
		return len(j.ScDepositTxs) > 0
	case "retryAt":
		return j.RetryAt != 0
	case "retryState":
		return j.RetryState != ""
	default:
		return false
	}
}
