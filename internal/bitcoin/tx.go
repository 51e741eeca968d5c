package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// TxID computes the txid of a signed raw transaction. The id is known
// before broadcast, which lets the pipeline checkpoint the outgoing leg
// ahead of publishing it.
func TxID(rawTx string) (string, error) {
	raw, err := hex.DecodeString(rawTx)
	if err != nil {
		return "", fmt.Errorf("invalid raw transaction hex: %w", err)
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	return msgTx.TxHash().String(), nil
}

// Params resolves a network name to its chain parameters. An empty name
// means mainnet.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// ValidateAddress checks that addr parses for the given network. Used on
// exchange-issued deposit addresses before funds are committed to them.
func ValidateAddress(addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %q is for the wrong network", addr)
	}
	return nil
}
