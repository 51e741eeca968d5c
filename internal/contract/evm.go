package contract

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

// Escrow contract surface used by the hedger. Allowance for deposits is
// granted once at provisioning, so a deposit is a single transaction.
const escrowABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"usableBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"deposit","type":"function","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const (
	fallbackGasLimit = 200_000

	// Replacement policy: after a transaction sat unmined this long, rebuild
	// it at the same nonce with a bumped fee.
	receiptPollInterval = 15 * time.Second
	bumpAfter           = 3 * time.Minute
	watchDeadline       = 30 * time.Minute
)

// EVM implements SwapContract against an EVM smart chain via JSON-RPC.
// All transactions are EIP-1559 and signed locally.
type EVM struct {
	client   *ethclient.Client
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	escrow   common.Address
	registry *token.Registry

	escrowABI abi.ABI
	erc20ABI  abi.ABI

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool
	replaceCbs []ReplaceFunc

	log *logging.Logger
}

// NewEVM dials the RPC endpoint and prepares the signer. signerKey is the
// hex-encoded private key of the intermediary's smart-chain wallet.
func NewEVM(ctx context.Context, rpcURL, escrowAddr, signerKey string, registry *token.Registry, logger *logging.Logger) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial smart chain rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	if !common.IsHexAddress(escrowAddr) {
		return nil, fmt.Errorf("invalid escrow address %q", escrowAddr)
	}
	escrowABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}

	return &EVM{
		client:    client,
		chainID:   chainID,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		escrow:    common.HexToAddress(escrowAddr),
		registry:  registry,
		escrowABI: escrowABI,
		erc20ABI:  erc20ABI,
		log:       logger.Component("evm"),
	}, nil
}

func (e *EVM) GetAddress() string {
	return e.from.Hex()
}

func (e *EVM) ToTokenAddress(t token.Token) (string, error) {
	addr, err := e.registry.Address(t)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (e *EVM) OnBeforeTxReplace(cb ReplaceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaceCbs = append(e.replaceCbs, cb)
}

func (e *EVM) GetBalance(ctx context.Context, t token.Token, usable bool) (*big.Int, error) {
	tokenAddr, err := e.registry.Address(t)
	if err != nil {
		return nil, err
	}
	method := "balanceOf"
	if usable {
		method = "usableBalanceOf"
	}
	data, err := e.escrowABI.Pack(method, e.from, tokenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.escrow, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow %s call failed: %w", method, err)
	}
	results, err := e.escrowABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return results[0].(*big.Int), nil
}

func (e *EVM) TxsWithdraw(ctx context.Context, t token.Token, amount *big.Int) ([]Tx, error) {
	tokenAddr, err := e.registry.Address(t)
	if err != nil {
		return nil, err
	}
	data, err := e.escrowABI.Pack("withdraw", tokenAddr, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack withdraw: %w", err)
	}
	tx, err := e.buildTx(ctx, e.escrow, nil, data, nil)
	if err != nil {
		return nil, err
	}
	return []Tx{tx}, nil
}

func (e *EVM) TxsTransfer(ctx context.Context, t token.Token, amount *big.Int, to string) ([]Tx, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid transfer destination %q", to)
	}
	dest := common.HexToAddress(to)

	tokenAddr, err := e.registry.Address(t)
	if err != nil {
		return nil, err
	}

	// The chain's native asset moves by value, tokens by ERC-20 transfer.
	if tokenAddr == (common.Address{}) {
		tx, err := e.buildTx(ctx, dest, amount, nil, nil)
		if err != nil {
			return nil, err
		}
		return []Tx{tx}, nil
	}

	data, err := e.erc20ABI.Pack("transfer", dest, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	tx, err := e.buildTx(ctx, tokenAddr, nil, data, nil)
	if err != nil {
		return nil, err
	}
	return []Tx{tx}, nil
}

func (e *EVM) TxsDeposit(ctx context.Context, t token.Token, amount *big.Int) ([]Tx, error) {
	tokenAddr, err := e.registry.Address(t)
	if err != nil {
		return nil, err
	}
	data, err := e.escrowABI.Pack("deposit", tokenAddr, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack deposit: %w", err)
	}
	var value *big.Int
	if tokenAddr == (common.Address{}) {
		value = amount
	}
	tx, err := e.buildTx(ctx, e.escrow, value, data, nil)
	if err != nil {
		return nil, err
	}
	return []Tx{tx}, nil
}

// buildTx assembles and signs an EIP-1559 transaction. When nonce is nil
// the next account nonce is used and the cache advanced; passing a nonce
// builds a replacement at the same slot.
func (e *EVM) buildTx(ctx context.Context, to common.Address, value *big.Int, data []byte, nonce *uint64) (Tx, error) {
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Tx{}, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Tx{}, fmt.Errorf("failed to get chain head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	if value == nil {
		value = new(big.Int)
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from, To: &to, Value: value, Data: data,
		GasTipCap: tip, GasFeeCap: feeCap,
	})
	if err != nil {
		e.log.Warn("Gas estimation failed, using fallback limit", "err", err)
		gasLimit = fallbackGasLimit
	}

	n, err := e.nextNonce(ctx, nonce)
	if err != nil {
		return Tx{}, err
	}

	signed, err := types.SignNewTx(e.key, types.LatestSignerForChainID(e.chainID), &types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     n,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return Tx{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Tx{}, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return Tx{TxID: signed.Hash().Hex(), Raw: hex.EncodeToString(raw)}, nil
}

func (e *EVM) nextNonce(ctx context.Context, fixed *uint64) (uint64, error) {
	if fixed != nil {
		return *fixed, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.nonceKnown {
		n, err := e.client.PendingNonceAt(ctx, e.from)
		if err != nil {
			return 0, fmt.Errorf("failed to get account nonce: %w", err)
		}
		e.nonce = n
		e.nonceKnown = true
	}
	n := e.nonce
	e.nonce++
	return n, nil
}

// SendAndConfirm publishes the transactions in order, firing onBroadcast
// before each publish, and returns once the node accepted them all. A
// watcher goroutine then keeps each transaction alive, fee-bumping it at
// the same nonce if it stalls.
func (e *EVM) SendAndConfirm(ctx context.Context, txs []Tx, onBroadcast BroadcastFunc) error {
	for _, tx := range txs {
		signed, err := decodeRawTx(tx.Raw)
		if err != nil {
			return err
		}
		if onBroadcast != nil {
			onBroadcast(tx.TxID, tx.Raw)
		}
		if err := e.client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("failed to broadcast %s: %w", tx.TxID, err)
		}
		e.log.Info("Broadcast transaction", "txId", tx.TxID, "nonce", signed.Nonce())
		go e.watch(tx, signed)
	}
	return nil
}

// watch polls for a receipt and publishes a fee-bumped replacement when
// the transaction stalls. Replacement candidates are announced through the
// registered ReplaceFunc callbacks before broadcast.
func (e *EVM) watch(current Tx, signed *types.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), watchDeadline)
	defer cancel()

	lastMove := time.Now()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Warn("Gave up watching transaction", "txId", current.TxID)
			return
		case <-ticker.C:
		}

		receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(current.TxID))
		if err == nil && receipt != nil {
			e.log.Info("Transaction mined", "txId", current.TxID, "status", receipt.Status)
			return
		}
		if time.Since(lastMove) < bumpAfter {
			continue
		}

		nonce := signed.Nonce()
		replacement, err := e.buildReplacement(ctx, signed, nonce)
		if err != nil {
			e.log.Warn("Failed to build replacement", "txId", current.TxID, "err", err)
			continue
		}
		newSigned, err := decodeRawTx(replacement.Raw)
		if err != nil {
			e.log.Warn("Failed to decode replacement", "err", err)
			continue
		}

		e.mu.Lock()
		cbs := append([]ReplaceFunc(nil), e.replaceCbs...)
		e.mu.Unlock()
		for _, cb := range cbs {
			cb(current.TxID, current.Raw, replacement.TxID, replacement.Raw)
		}

		if err := e.client.SendTransaction(ctx, newSigned); err != nil {
			e.log.Warn("Failed to broadcast replacement", "txId", replacement.TxID, "err", err)
			continue
		}
		e.log.Info("Replaced stalled transaction",
			"oldTxId", current.TxID, "newTxId", replacement.TxID, "nonce", nonce)
		current, signed = replacement, newSigned
		lastMove = time.Now()
	}
}

// buildReplacement re-signs the transaction at the same nonce with fees
// bumped at least 12.5% above the original, the minimum most nodes accept
// for replacement.
func (e *EVM) buildReplacement(ctx context.Context, old *types.Transaction, nonce uint64) (Tx, error) {
	bump := func(fee *big.Int) *big.Int {
		return new(big.Int).Div(new(big.Int).Mul(fee, big.NewInt(113)), big.NewInt(100))
	}
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Tx{}, err
	}
	if minTip := bump(old.GasTipCap()); tip.Cmp(minTip) < 0 {
		tip = minTip
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Tx{}, err
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	if minCap := bump(old.GasFeeCap()); feeCap.Cmp(minCap) < 0 {
		feeCap = minCap
	}

	signed, err := types.SignNewTx(e.key, types.LatestSignerForChainID(e.chainID), &types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       old.Gas(),
		To:        old.To(),
		Value:     old.Value(),
		Data:      old.Data(),
	})
	if err != nil {
		return Tx{}, fmt.Errorf("failed to sign replacement: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Tx{}, fmt.Errorf("failed to serialize replacement: %w", err)
	}
	return Tx{TxID: signed.Hash().Hex(), Raw: hex.EncodeToString(raw)}, nil
}

func (e *EVM) GetTxStatus(ctx context.Context, rawTx string) (TxStatus, error) {
	signed, err := decodeRawTx(rawTx)
	if err != nil {
		return "", err
	}
	return e.GetTxIdStatus(ctx, signed.Hash().Hex())
}

func (e *EVM) GetTxIdStatus(ctx context.Context, txID string) (TxStatus, error) {
	hash := common.HexToHash(txID)
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return StatusSuccess, nil
		}
		return StatusReverted, nil
	}

	_, pending, err := e.client.TransactionByHash(ctx, hash)
	if err == ethereum.NotFound {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", txID, err)
	}
	if pending {
		return StatusPending, nil
	}
	// Mined but no receipt yet, treat as pending until the receipt lands.
	return StatusPending, nil
}

func decodeRawTx(raw string) (*types.Transaction, error) {
	payload, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid raw transaction hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("invalid raw transaction: %w", err)
	}
	return tx, nil
}
