// Package lightning defines the Lightning node boundary: paying invoices,
// issuing them, and tracking payments and invoices by payment hash. The
// payment hash is the stable identifier for a Lightning leg, playing the
// role a txid plays on-chain.
package lightning

import (
	"context"
	"errors"
	"math/big"
)

// ErrPaymentNotFound is returned when the node has no record of the hash.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is the state of an outgoing payment.
type Payment struct {
	Confirmed bool
	Failed    bool
}

// Invoice is a freshly created invoice.
type Invoice struct {
	Request     string // BOLT11 payment request
	PaymentHash string // hex
}

// InvoiceStatus is the settlement state of an invoice we issued.
type InvoiceStatus struct {
	Confirmed bool
	Canceled  bool
}

// Backend is the Lightning node contract.
type Backend interface {
	// Pay pays a BOLT11 invoice. The payment outcome is tracked via
	// GetPayment; an error here means the payment was never attempted.
	Pay(ctx context.Context, invoice string) error

	// GetPayment looks up an outgoing payment by its payment hash (hex).
	// Returns ErrPaymentNotFound when the node never attempted it.
	GetPayment(ctx context.Context, hash string) (*Payment, error)

	// CreateInvoice issues an invoice for the given amount in millisats.
	CreateInvoice(ctx context.Context, msat *big.Int) (*Invoice, error)

	// GetInvoice looks up an invoice we issued by payment hash (hex).
	GetInvoice(ctx context.Context, hash string) (*InvoiceStatus, error)

	// GetChannelBalance returns the local channel balance in satoshis.
	GetChannelBalance(ctx context.Context) (*big.Int, error)
}
