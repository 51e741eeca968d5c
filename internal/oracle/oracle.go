// Package oracle prices tokens in Bitcoin so inventory on different rails
// can be compared and rebalance amounts sized. Conversions are exact
// rational arithmetic with explicit rounding at the edge.
package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/crossrail-labs/hedged/internal/token"
)

// Rounding selects the direction inexact conversions round.
type Rounding int

const (
	// RoundDown truncates toward zero. Used when sizing amounts we must
	// not overshoot.
	RoundDown Rounding = iota
	// RoundUp rounds away from zero. Used when sizing amounts that must
	// cover a target.
	RoundUp
)

// PriceOracle converts between a token's base units and satoshis.
type PriceOracle interface {
	// ToBtc converts amount in t's base units to satoshis, rounding down.
	ToBtc(t token.Token, amount *big.Int) (*big.Int, error)

	// FromBtc converts satoshis to t's base units with the given rounding.
	FromBtc(t token.Token, sats *big.Int, r Rounding) (*big.Int, error)
}

// InventorySnapshot is the swap-committed inventory per token, in base
// units: Locked backs open outbound claims, Returning is en route back to
// the escrow from refunds. Both count as smart-chain inventory even
// though neither is spendable right now.
type InventorySnapshot struct {
	Locked    map[token.Token]*big.Int
	Returning map[token.Token]*big.Int
}

// Committed returns locked + returning for t.
func (s InventorySnapshot) Committed(t token.Token) *big.Int {
	total := new(big.Int)
	if v, ok := s.Locked[t]; ok {
		total.Add(total, v)
	}
	if v, ok := s.Returning[t]; ok {
		total.Add(total, v)
	}
	return total
}

// InventorySource produces a read-only snapshot of swap-committed
// inventory.
type InventorySource interface {
	Inventory(ctx context.Context) (InventorySnapshot, error)
}

// InventoryOracle is the full oracle contract: prices plus visibility
// into inventory committed to open swaps.
type InventoryOracle interface {
	PriceOracle
	InventorySource
}

// Static is an InventoryOracle backed by a fixed price table. Prices are
// BTC per one whole token, given as decimal strings. The inventory source
// is pluggable; nil means no swap-committed inventory.
type Static struct {
	prices map[token.Token]*big.Rat
	inv    InventorySource
}

// NewStatic builds a Static oracle from the configured price table.
func NewStatic(prices map[string]string, inv InventorySource) (*Static, error) {
	table := make(map[token.Token]*big.Rat, len(prices))
	for symbol, price := range prices {
		t := token.Token(symbol)
		if !token.IsSupported(t) {
			return nil, fmt.Errorf("price for unsupported token %q", symbol)
		}
		rat, ok := new(big.Rat).SetString(price)
		if !ok || rat.Sign() <= 0 {
			return nil, fmt.Errorf("invalid price %q for %s", price, symbol)
		}
		table[t] = rat
	}
	return &Static{prices: table, inv: inv}, nil
}

// Inventory returns the source's snapshot, or an empty one without a
// source.
func (s *Static) Inventory(ctx context.Context) (InventorySnapshot, error) {
	if s.inv == nil {
		return InventorySnapshot{}, nil
	}
	return s.inv.Inventory(ctx)
}

// BalanceReader is the slice of the escrow contract the inventory source
// reads.
type BalanceReader interface {
	GetBalance(ctx context.Context, t token.Token, usable bool) (*big.Int, error)
}

// EscrowInventory derives locked inventory from the escrow contract
// itself: the gap between the full contract balance and the usable
// balance is what open swaps have committed. Refunds settle back into the
// contract balance directly, so nothing is reported as returning.
type EscrowInventory struct {
	contract BalanceReader
	tokens   []token.Token
}

// NewEscrowInventory builds a source over the given smart-chain tokens.
func NewEscrowInventory(c BalanceReader, tokens []token.Token) *EscrowInventory {
	return &EscrowInventory{contract: c, tokens: tokens}
}

func (e *EscrowInventory) Inventory(ctx context.Context) (InventorySnapshot, error) {
	locked := make(map[token.Token]*big.Int, len(e.tokens))
	for _, t := range e.tokens {
		full, err := e.contract.GetBalance(ctx, t, false)
		if err != nil {
			return InventorySnapshot{}, err
		}
		usable, err := e.contract.GetBalance(ctx, t, true)
		if err != nil {
			return InventorySnapshot{}, err
		}
		gap := new(big.Int).Sub(full, usable)
		if gap.Sign() > 0 {
			locked[t] = gap
		}
	}
	return InventorySnapshot{Locked: locked}, nil
}

// rate returns BTC per whole token. Both Bitcoin rails price at 1.
func (s *Static) rate(t token.Token) (*big.Rat, error) {
	if token.IsBitcoin(t) {
		return big.NewRat(1, 1), nil
	}
	rat, ok := s.prices[t]
	if !ok {
		return nil, fmt.Errorf("no price configured for %s", t)
	}
	return rat, nil
}

func (s *Static) ToBtc(t token.Token, amount *big.Int) (*big.Int, error) {
	rate, err := s.rate(t)
	if err != nil {
		return nil, err
	}
	decimals, err := token.Decimals(t)
	if err != nil {
		return nil, err
	}

	// sats = amount / 10^decimals * rate * 10^8
	value := new(big.Rat).SetInt(amount)
	value.Mul(value, rate)
	value.Mul(value, new(big.Rat).SetInt64(100_000_000))
	value.Quo(value, new(big.Rat).SetInt(pow10(decimals)))

	return ratToInt(value, RoundDown), nil
}

func (s *Static) FromBtc(t token.Token, sats *big.Int, r Rounding) (*big.Int, error) {
	rate, err := s.rate(t)
	if err != nil {
		return nil, err
	}
	decimals, err := token.Decimals(t)
	if err != nil {
		return nil, err
	}

	// units = sats / 10^8 / rate * 10^decimals
	value := new(big.Rat).SetInt(sats)
	value.Mul(value, new(big.Rat).SetInt(pow10(decimals)))
	value.Quo(value, rate)
	value.Quo(value, new(big.Rat).SetInt64(100_000_000))

	return ratToInt(value, r), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func ratToInt(v *big.Rat, r Rounding) *big.Int {
	q, rem := new(big.Int).QuoRem(v.Num(), v.Denom(), new(big.Int))
	if r == RoundUp && rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
