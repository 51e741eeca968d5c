// Package token defines the closed set of assets the controller moves
// between: Bitcoin over two rails and the smart-chain tokens held inside
// the swap escrow contract.
package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Token identifies an asset. BTC and BTCLN denote the same underlying
// asset over different rails (on-chain vs Lightning).
type Token string

const (
	BTC   Token = "BTC"
	BTCLN Token = "BTC-LN"
	USDC  Token = "USDC"
	USDT  Token = "USDT"
	ETH   Token = "ETH"
	SOL   Token = "SOL"
)

// All lists every supported token.
var All = []Token{BTC, BTCLN, USDC, USDT, ETH, SOL}

// nativeDecimals is the base-unit decimal count per token. All accounting,
// persistence, and adapter boundaries use these units; venue-specific
// decimals live with the exchange client.
var nativeDecimals = map[Token]int{
	BTC:   8,
	BTCLN: 8,
	USDC:  6,
	USDT:  6,
	ETH:   18,
	SOL:   9,
}

// IsSupported reports whether t is in the closed token set.
func IsSupported(t Token) bool {
	_, ok := nativeDecimals[t]
	return ok
}

// Decimals returns the base-unit decimal count for t.
func Decimals(t Token) (int, error) {
	d, ok := nativeDecimals[t]
	if !ok {
		return 0, fmt.Errorf("unknown token: %s", t)
	}
	return d, nil
}

// IsBitcoin reports whether t is the BTC asset on either rail.
func IsBitcoin(t Token) bool {
	return t == BTC || t == BTCLN
}

// IsLightning reports whether t is the Lightning rail.
func IsLightning(t Token) bool {
	return t == BTCLN
}

// IsSmartChain reports whether t lives on the smart chain.
func IsSmartChain(t Token) bool {
	return IsSupported(t) && !IsBitcoin(t)
}

// Symbol returns the exchange-facing currency symbol: both BTC rails map
// to the single BTC currency.
func Symbol(t Token) string {
	if IsBitcoin(t) {
		return "BTC"
	}
	return string(t)
}

// Registry maps smart-chain tokens to their on-chain contract addresses.
type Registry struct {
	addrs map[Token]common.Address
}

// NewRegistry builds a registry from symbol -> 0x-address pairs. ETH, if
// absent, defaults to the zero address (native asset convention).
func NewRegistry(addresses map[Token]string) (*Registry, error) {
	r := &Registry{addrs: make(map[Token]common.Address)}
	for t, addr := range addresses {
		if !IsSmartChain(t) {
			return nil, fmt.Errorf("token %s has no contract address", t)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid contract address for %s: %s", t, addr)
		}
		r.addrs[t] = common.HexToAddress(addr)
	}
	if _, ok := r.addrs[ETH]; !ok {
		r.addrs[ETH] = common.Address{}
	}
	return r, nil
}

// Address returns the contract address for a smart-chain token.
func (r *Registry) Address(t Token) (common.Address, error) {
	addr, ok := r.addrs[t]
	if !ok {
		return common.Address{}, fmt.Errorf("no contract address registered for %s", t)
	}
	return addr, nil
}

// ByAddress resolves a contract address back to its token.
func (r *Registry) ByAddress(addr common.Address) (Token, bool) {
	for t, a := range r.addrs {
		if a == addr {
			return t, true
		}
	}
	return "", false
}
