package lightning

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// DecodedInvoice carries the fields of a BOLT11 payment request the
// pipeline cares about: the payment hash (the leg's stable id) and the
// invoice amount. Signature and route hints are not inspected.
type DecodedInvoice struct {
	PaymentHash string   // hex
	MilliSat    *big.Int // nil for amountless invoices
}

const (
	// 35-bit timestamp occupies seven 5-bit groups.
	timestampGroups = 7
	// 512-bit signature plus recovery id occupies 104 groups.
	signatureGroups = 104

	// Tagged field type for the payment hash ('p').
	tagPaymentHash = 1
)

// DecodeInvoice parses a BOLT11 invoice. The checksum is verified via
// bech32; the signature is not.
func DecodeInvoice(invoice string) (*DecodedInvoice, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(invoice))
	if err != nil {
		return nil, fmt.Errorf("invalid invoice encoding: %w", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a lightning invoice: hrp %q", hrp)
	}

	msat, err := parseAmount(hrp[2:])
	if err != nil {
		return nil, err
	}

	if len(data) < timestampGroups+signatureGroups {
		return nil, fmt.Errorf("invoice data too short: %d groups", len(data))
	}

	hash, err := paymentHash(data[timestampGroups : len(data)-signatureGroups])
	if err != nil {
		return nil, err
	}

	return &DecodedInvoice{PaymentHash: hash, MilliSat: msat}, nil
}

// parseAmount parses the human-readable amount suffix: optional digits
// followed by an optional multiplier (m, u, n, p) of one BTC. Returns nil
// for amountless invoices.
func parseAmount(hrp string) (*big.Int, error) {
	// Strip the currency prefix (bc, tb, bcrt, ...): leading letters.
	i := 0
	for i < len(hrp) && (hrp[i] < '0' || hrp[i] > '9') {
		i++
	}
	amount := hrp[i:]
	if amount == "" {
		return nil, nil
	}

	multiplier := byte(0)
	if last := amount[len(amount)-1]; last < '0' || last > '9' {
		multiplier = last
		amount = amount[:len(amount)-1]
	}

	digits, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid invoice amount %q", amount)
	}

	// One BTC is 10^11 msat; multipliers scale down from there.
	msat := new(big.Int)
	switch multiplier {
	case 0:
		msat.Mul(digits, big.NewInt(100_000_000_000))
	case 'm':
		msat.Mul(digits, big.NewInt(100_000_000))
	case 'u':
		msat.Mul(digits, big.NewInt(100_000))
	case 'n':
		msat.Mul(digits, big.NewInt(100))
	case 'p':
		var rem big.Int
		msat.DivMod(digits, big.NewInt(10), &rem)
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("pico-BTC amount %s is below 1 msat", digits)
		}
	default:
		return nil, fmt.Errorf("unknown amount multiplier %q", string(multiplier))
	}
	return msat, nil
}

// paymentHash walks the tagged fields and extracts the 'p' field.
func paymentHash(fields []byte) (string, error) {
	for i := 0; i+3 <= len(fields); {
		tag := fields[i]
		size := int(fields[i+1])*32 + int(fields[i+2])
		if i+3+size > len(fields) {
			return "", fmt.Errorf("truncated tagged field %d", tag)
		}
		value := fields[i+3 : i+3+size]
		i += 3 + size

		// Skip malformed payment-hash fields per BOLT11.
		if tag != tagPaymentHash || size != 52 {
			continue
		}
		hash, err := bech32.ConvertBits(value, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("invalid payment hash field: %w", err)
		}
		return hex.EncodeToString(hash), nil
	}
	return "", fmt.Errorf("invoice has no payment hash")
}

// VerifyAmount checks that the invoice amount equals the expected amount
// in satoshis. Amountless invoices fail the check: the exchange must
// commit to the deposit amount.
func VerifyAmount(invoice string, sats *big.Int) error {
	decoded, err := DecodeInvoice(invoice)
	if err != nil {
		return err
	}
	if decoded.MilliSat == nil {
		return fmt.Errorf("invoice carries no amount, expected %s sats", sats)
	}
	want := new(big.Int).Mul(sats, big.NewInt(1000))
	if decoded.MilliSat.Cmp(want) != 0 {
		return fmt.Errorf("invoice amount %s msat, expected %s msat", decoded.MilliSat, want)
	}
	return nil
}
