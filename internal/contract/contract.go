// Package contract defines the smart-chain escrow boundary: building,
// signing, broadcasting, and observing withdraw/transfer/deposit
// transactions against the intermediary's contract-held token balance.
package contract

import (
	"context"
	"math/big"

	"github.com/crossrail-labs/hedged/internal/token"
)

// TxStatus is the observed status of a smart-chain transaction.
type TxStatus string

const (
	StatusNotFound TxStatus = "not_found"
	StatusPending  TxStatus = "pending"
	StatusReverted TxStatus = "reverted"
	StatusSuccess  TxStatus = "success"
)

// Tx is a signed transaction ready for broadcast. Raw is the full signed
// payload; TxID is known before broadcast.
type Tx struct {
	TxID string
	Raw  string
}

// BroadcastFunc is invoked immediately *before* each transaction is
// published. It is the caller's signal to checkpoint the candidate: if the
// process dies between the callback and the broadcast, the candidate is on
// disk and a later status scan resolves it to not_found.
type BroadcastFunc func(txID, rawTx string)

// ReplaceFunc is invoked before a fee-bumped replacement of a previously
// announced transaction is published.
type ReplaceFunc func(oldTxID, oldRawTx, newTxID, newRawTx string)

// SwapContract is the smart-chain wallet + escrow contract boundary.
type SwapContract interface {
	// GetBalance returns the intermediary's contract-held balance of t.
	// With usable=true, only the spendable portion (excluding amounts
	// committed to open swaps) is returned.
	GetBalance(ctx context.Context, t token.Token, usable bool) (*big.Int, error)

	// TxsWithdraw builds the signed transactions moving amount of t from
	// the escrow contract to the intermediary's own wallet.
	TxsWithdraw(ctx context.Context, t token.Token, amount *big.Int) ([]Tx, error)

	// TxsTransfer builds the signed transactions moving amount of t from
	// the intermediary's wallet to an external address.
	TxsTransfer(ctx context.Context, t token.Token, amount *big.Int, to string) ([]Tx, error)

	// TxsDeposit builds the signed transactions moving amount of t from
	// the intermediary's wallet into the escrow contract.
	TxsDeposit(ctx context.Context, t token.Token, amount *big.Int) ([]Tx, error)

	// SendAndConfirm publishes the transactions in order, invoking
	// onBroadcast before each publish, and returns once the node accepted
	// them. The adapter keeps watching afterwards and may publish
	// fee-bumped replacements, announced via OnBeforeTxReplace.
	SendAndConfirm(ctx context.Context, txs []Tx, onBroadcast BroadcastFunc) error

	// GetTxStatus returns the status of a transaction given its raw
	// signed payload.
	GetTxStatus(ctx context.Context, rawTx string) (TxStatus, error)

	// GetTxIdStatus returns the status of a transaction by id.
	GetTxIdStatus(ctx context.Context, txID string) (TxStatus, error)

	// OnBeforeTxReplace registers a callback fired before a replacement
	// transaction is published.
	OnBeforeTxReplace(cb ReplaceFunc)

	// GetAddress returns the intermediary's wallet address on the smart
	// chain.
	GetAddress() string

	// ToTokenAddress returns the on-chain contract address of t.
	ToTokenAddress(t token.Token) (string, error)
}
