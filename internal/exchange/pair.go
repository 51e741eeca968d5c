package exchange

import (
	"errors"

	"github.com/crossrail-labs/hedged/internal/token"
)

// ErrInvalidPair is returned when the venue lists no instrument trading
// the two tokens against each other.
var ErrInvalidPair = errors.New("no trading pair for tokens")

// instruments the venue lists, keyed "BASE-QUOTE". The value is unused;
// the key encodes which token is base.
var instruments = map[string]struct{}{
	"BTC-USDT": {},
	"BTC-USDC": {},
	"ETH-BTC":  {},
	"SOL-BTC":  {},
}

// Pair resolves the instrument and order side for converting from one
// token into another. The mapping is an involution: swapping from and to
// yields the same instrument with the opposite side.
func Pair(from, to token.Token) (string, Side, error) {
	if !token.IsSupported(from) || !token.IsSupported(to) {
		return "", "", ErrInvalidPair
	}
	f, t := token.Symbol(from), token.Symbol(to)
	if f == t {
		return "", "", ErrInvalidPair
	}
	if _, ok := instruments[f+"-"+t]; ok {
		return f + "-" + t, SideSell, nil
	}
	if _, ok := instruments[t+"-"+f]; ok {
		return t + "-" + f, SideBuy, nil
	}
	return "", "", ErrInvalidPair
}
