// Package lnd adapts a single lnd node, over its REST API, to both the
// on-chain wallet and Lightning boundaries the pipeline drives.
package lnd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

// Client talks to one lnd node. It implements bitcoin.Backend and
// lightning.Backend.
type Client struct {
	baseURL  string
	macaroon string
	client   *http.Client
	log      *logging.Logger
}

// New builds a client from the lnd section of the config.
func New(cfg config.LndConfig, logger *logging.Logger) *Client {
	transport := &http.Transport{}
	if cfg.TLSInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:  cfg.RESTURL,
		macaroon: cfg.MacaroonHex,
		client:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
		log:      logger.Component("lnd"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("lnd request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read lnd response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnd returned http %d: %s", resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode lnd response: %w", err)
		}
	}
	return nil
}

// ---- bitcoin.Backend ----

func (c *Client) GetTransaction(ctx context.Context, txID string) (*bitcoin.Tx, error) {
	var resp struct {
		Transactions []struct {
			TxHash           string `json:"tx_hash"`
			NumConfirmations int64  `json:"num_confirmations"`
		} `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transactions", nil, &resp); err != nil {
		return nil, err
	}
	for _, tx := range resp.Transactions {
		if tx.TxHash == txID {
			return &bitcoin.Tx{TxID: tx.TxHash, Confirmations: tx.NumConfirmations}, nil
		}
	}
	return nil, bitcoin.ErrTxNotFound
}

func (c *Client) FundPsbt(ctx context.Context, req *bitcoin.FundPsbtRequest) (*bitcoin.FundPsbtResult, error) {
	outputs := make(map[string]string, len(req.Outputs))
	for _, out := range req.Outputs {
		outputs[out.Address] = out.Sats.String()
	}
	body := map[string]any{
		"raw":       map[string]any{"outputs": outputs},
		"min_confs": req.MinConfirmations,
	}
	if req.TargetConf > 0 {
		body["target_conf"] = req.TargetConf
	}

	var resp struct {
		FundedPsbt  string `json:"funded_psbt"`
		LockedUtxos []struct {
			ID       string `json:"id"`
			Outpoint struct {
				TxidStr     string `json:"txid_str"`
				OutputIndex uint32 `json:"output_index"`
			} `json:"outpoint"`
		} `json:"locked_utxos"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/wallet/psbt/fund", body, &resp); err != nil {
		return nil, err
	}

	result := &bitcoin.FundPsbtResult{Psbt: resp.FundedPsbt}
	for _, lock := range resp.LockedUtxos {
		result.Inputs = append(result.Inputs, bitcoin.UtxoLock{
			LockID: lock.ID,
			TxID:   lock.Outpoint.TxidStr,
			Vout:   lock.Outpoint.OutputIndex,
		})
	}
	return result, nil
}

func (c *Client) SignPsbt(ctx context.Context, psbt string) (string, error) {
	var resp struct {
		RawFinalTx string `json:"raw_final_tx"` // base64
	}
	body := map[string]string{"funded_psbt": psbt}
	if err := c.do(ctx, http.MethodPost, "/v2/wallet/psbt/finalize", body, &resp); err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.RawFinalTx)
	if err != nil {
		return "", fmt.Errorf("invalid finalized transaction: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (c *Client) BroadcastChainTransaction(ctx context.Context, rawTx string) error {
	raw, err := hex.DecodeString(rawTx)
	if err != nil {
		return fmt.Errorf("invalid raw transaction hex: %w", err)
	}
	body := map[string]string{"tx_hex": base64.StdEncoding.EncodeToString(raw)}
	if err := c.do(ctx, http.MethodPost, "/v2/wallet/tx", body, nil); err != nil {
		return err
	}
	c.log.Info("Broadcast chain transaction")
	return nil
}

func (c *Client) UnlockUtxo(ctx context.Context, lock bitcoin.UtxoLock) error {
	body := map[string]any{
		"id": lock.LockID,
		"outpoint": map[string]any{
			"txid_str":     lock.TxID,
			"output_index": lock.Vout,
		},
	}
	return c.do(ctx, http.MethodPost, "/v2/wallet/utxos/release", body, nil)
}

func (c *Client) GetChainAddresses(ctx context.Context) ([]bitcoin.Address, error) {
	var resp struct {
		AccountWithAddresses []struct {
			Addresses []struct {
				Address    string `json:"address"`
				IsInternal bool   `json:"is_internal"`
			} `json:"addresses"`
		} `json:"account_with_addresses"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/wallet/addresses", nil, &resp); err != nil {
		return nil, err
	}
	var addrs []bitcoin.Address
	for _, account := range resp.AccountWithAddresses {
		for _, addr := range account.Addresses {
			addrs = append(addrs, bitcoin.Address{
				Address:  addr.Address,
				IsChange: addr.IsInternal,
			})
		}
	}
	return addrs, nil
}

func (c *Client) GetChainBalance(ctx context.Context) (*big.Int, error) {
	var resp struct {
		ConfirmedBalance string `json:"confirmed_balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balance/blockchain", nil, &resp); err != nil {
		return nil, err
	}
	return parseSats(resp.ConfirmedBalance)
}

// ---- lightning.Backend ----

func (c *Client) Pay(ctx context.Context, invoice string) error {
	var resp struct {
		PaymentError string `json:"payment_error"`
	}
	body := map[string]string{"payment_request": invoice}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp); err != nil {
		return err
	}
	if resp.PaymentError != "" {
		return fmt.Errorf("payment failed: %s", resp.PaymentError)
	}
	return nil
}

func (c *Client) GetPayment(ctx context.Context, hash string) (*lightning.Payment, error) {
	var resp struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
		} `json:"payments"`
	}
	path := "/v1/payments?include_incomplete=true"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for _, p := range resp.Payments {
		if p.PaymentHash != hash {
			continue
		}
		return &lightning.Payment{
			Confirmed: p.Status == "SUCCEEDED",
			Failed:    p.Status == "FAILED",
		}, nil
	}
	return nil, lightning.ErrPaymentNotFound
}

func (c *Client) CreateInvoice(ctx context.Context, msat *big.Int) (*lightning.Invoice, error) {
	var resp struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"` // base64
	}
	body := map[string]string{"value_msat": msat.String()}
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return nil, err
	}
	hash, err := base64.StdEncoding.DecodeString(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}
	return &lightning.Invoice{
		Request:     resp.PaymentRequest,
		PaymentHash: hex.EncodeToString(hash),
	}, nil
}

func (c *Client) GetInvoice(ctx context.Context, hash string) (*lightning.InvoiceStatus, error) {
	var resp struct {
		State string `json:"state"` // OPEN, SETTLED, CANCELED, ACCEPTED
	}
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+hash, nil, &resp); err != nil {
		return nil, err
	}
	return &lightning.InvoiceStatus{
		Confirmed: resp.State == "SETTLED",
		Canceled:  resp.State == "CANCELED",
	}, nil
}

func (c *Client) GetChannelBalance(ctx context.Context) (*big.Int, error) {
	var resp struct {
		LocalBalance struct {
			Sat string `json:"sat"`
		} `json:"local_balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil, &resp); err != nil {
		return nil, err
	}
	return parseSats(resp.LocalBalance.Sat)
}

func parseSats(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid satoshi amount %q: %w", s, err)
	}
	return big.NewInt(v), nil
}
