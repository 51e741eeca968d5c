// Package bitcoin defines the on-chain Bitcoin wallet boundary the
// rebalance pipeline drives: PSBT funding and signing, broadcast, UTXO
// lock management, and confirmation lookups.
package bitcoin

import (
	"context"
	"errors"
	"math/big"
)

// ErrTxNotFound is returned by GetTransaction when the wallet has never
// seen the txid.
var ErrTxNotFound = errors.New("transaction not found")

// Tx is a wallet-known transaction with its confirmation count.
type Tx struct {
	TxID          string
	Confirmations int64
}

// Output is a requested payment output, amount in satoshis.
type Output struct {
	Address string
	Sats    *big.Int
}

// UtxoLock identifies an input reserved by PSBT funding. Locks must be
// released when the funded transaction is abandoned.
type UtxoLock struct {
	LockID string
	TxID   string
	Vout   uint32
}

// FundPsbtRequest asks the wallet to fund a transaction template.
type FundPsbtRequest struct {
	Outputs          []Output
	MinConfirmations int32
	TargetConf       int32
}

// FundPsbtResult carries the funded PSBT and the input locks taken.
type FundPsbtResult struct {
	Psbt   string // base64
	Inputs []UtxoLock
}

// Address is a wallet chain address.
type Address struct {
	Address  string
	IsChange bool
}

// Backend is the on-chain Bitcoin wallet contract.
type Backend interface {
	// GetTransaction looks up a wallet transaction by txid. Returns
	// ErrTxNotFound when the wallet has never seen it.
	GetTransaction(ctx context.Context, txID string) (*Tx, error)

	// FundPsbt funds a transaction paying the requested outputs, locking
	// the chosen inputs.
	FundPsbt(ctx context.Context, req *FundPsbtRequest) (*FundPsbtResult, error)

	// SignPsbt finalizes and signs a funded PSBT, returning the raw
	// transaction hex ready for broadcast.
	SignPsbt(ctx context.Context, psbt string) (string, error)

	// BroadcastChainTransaction publishes a signed raw transaction.
	BroadcastChainTransaction(ctx context.Context, rawTx string) error

	// UnlockUtxo releases an input lock taken by FundPsbt.
	UnlockUtxo(ctx context.Context, lock UtxoLock) error

	// GetChainAddresses lists the wallet's known chain addresses.
	GetChainAddresses(ctx context.Context) ([]Address, error)

	// GetChainBalance returns the confirmed on-chain balance in satoshis.
	GetChainBalance(ctx context.Context) (*big.Int, error)
}
