// Package exchange defines the centralized-exchange boundary used to
// convert inventory between tokens: deposits, market orders, internal
// account transfers, and withdrawals. Every mutating call takes a
// caller-minted client id so a retried call is recognized as a duplicate
// instead of executing twice.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/crossrail-labs/hedged/internal/token"
)

// ErrNotFound is returned by lookups when the exchange has no record of
// the client id. The safe interpretation is that the original request
// never landed and may be re-submitted with the same id.
var ErrNotFound = errors.New("exchange has no record of request")

// Side of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Account identifies a sub-account on the exchange. Deposits and
// withdrawals settle against funding; orders execute against trading.
type Account string

const (
	AccountFunding Account = "funding"
	AccountTrading Account = "trading"
)

// OrderState is the venue's order lifecycle state.
type OrderState string

const (
	OrderLive            OrderState = "live"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderMMPCanceled     OrderState = "mmp_canceled"
)

// Order is the observed state of a placed order. OrderID is the venue's
// own id; AvgPrice is the average fill price as a venue decimal string,
// set once the order filled.
type Order struct {
	State    OrderState
	OrderID  string
	AvgPrice string
}

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	switch o.State {
	case OrderFilled, OrderCanceled, OrderMMPCanceled:
		return true
	}
	return false
}

// Deposit is the credit status of an incoming deposit. DepositID is the
// venue's deposit record id.
type Deposit struct {
	Credited  bool
	Amount    *big.Int // base units, valid once credited
	DepositID string
}

// Transfer is the status of an internal account transfer. TransferID is
// the venue's own id, distinct from the client id the lookup keys on.
type Transfer struct {
	Success    bool
	Failed     bool
	TransferID string
}

// WithdrawalState is the venue's withdrawal lifecycle state.
type WithdrawalState int

const (
	WithdrawalCanceling WithdrawalState = -1
	WithdrawalCanceled  WithdrawalState = -2
	WithdrawalFailed    WithdrawalState = -3
	WithdrawalPending   WithdrawalState = 0
	WithdrawalSent      WithdrawalState = 1
	WithdrawalSettled   WithdrawalState = 2
)

// Withdrawal is the observed state of a requested withdrawal. TxID is set
// once the venue broadcast it.
type Withdrawal struct {
	State WithdrawalState
	TxID  string
}

// Failed reports whether the withdrawal died and must be re-requested
// under a fresh client id.
func (w *Withdrawal) Failed() bool {
	switch w.State {
	case WithdrawalCanceling, WithdrawalCanceled, WithdrawalFailed:
		return true
	}
	return false
}

// Exchange is the venue contract. Amounts cross this boundary in chain
// base units; adapters convert to the venue's decimal representation.
type Exchange interface {
	// GetBalance returns the available balance of t in the account.
	GetBalance(ctx context.Context, t token.Token, account Account) (*big.Int, error)

	// GetDepositAddress returns the venue's deposit address for t on the
	// configured chain.
	GetDepositAddress(ctx context.Context, t token.Token) (string, error)

	// CreateDepositInvoice asks the venue for a Lightning invoice crediting
	// the given amount of satoshis.
	CreateDepositInvoice(ctx context.Context, sats *big.Int) (string, error)

	// GetDeposit looks up an incoming deposit of t by its chain txid or
	// payment hash.
	GetDeposit(ctx context.Context, t token.Token, txID string) (*Deposit, error)

	// PlaceMarketOrder places a market order on instID. For sells, amount
	// is in the base token's units; for buys, in the quote token's units.
	PlaceMarketOrder(ctx context.Context, clientOrderID, instID string, side Side, amount *big.Int, amountToken token.Token) error

	// GetOrder looks up an order by client order id. Returns ErrNotFound
	// when the venue never saw it.
	GetOrder(ctx context.Context, clientOrderID, instID string) (*Order, error)

	// Transfer moves amount of t between sub-accounts.
	Transfer(ctx context.Context, clientID string, t token.Token, amount *big.Int, from, to Account) error

	// GetTransfer looks up an internal transfer by client id.
	GetTransfer(ctx context.Context, clientID string) (*Transfer, error)

	// GetWithdrawalFee returns the network fee the venue charges for a
	// withdrawal of amount of t, in t's base units.
	GetWithdrawalFee(ctx context.Context, t token.Token, amount *big.Int) (*big.Int, error)

	// Withdraw requests an on-chain withdrawal of t to address. The fee is
	// charged on top of amount and must match the venue's quoted fee.
	Withdraw(ctx context.Context, clientID string, t token.Token, amount, fee *big.Int, address string) error

	// WithdrawLightning requests a Lightning withdrawal paying invoice.
	WithdrawLightning(ctx context.Context, clientID, invoice string) error

	// GetWithdrawal looks up a withdrawal by client id.
	GetWithdrawal(ctx context.Context, clientID string) (*Withdrawal, error)
}

// APIError is an error response from the venue's API.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %s: %s", e.Code, e.Msg)
}

// IsOrderNotFound reports whether err is the venue saying it has no such
// order. Distinct venue deployments use different codes for the same
// condition.
func IsOrderNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return errors.Is(err, ErrNotFound)
	}
	switch apiErr.Code {
	case "51603", "52907":
		return true
	}
	return false
}
