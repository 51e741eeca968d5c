package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/helpers"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

// Sub-account identifiers on the wire.
var okxAccounts = map[Account]string{
	AccountFunding: "6",
	AccountTrading: "18",
}

// OKX implements Exchange against the OKX v5 REST API. Requests are signed
// with HMAC-SHA256 over timestamp || method || path || body, base64
// encoded, per the venue's scheme.
type OKX struct {
	baseURL    string
	apiKey     string
	secret     string
	passphrase string

	// chainName is the venue's chain selector suffix for smart-chain
	// tokens, e.g. "USDC-Solana".
	chainName string

	client *http.Client
	log    *logging.Logger
}

// NewOKX builds a client from the exchange section of the config.
func NewOKX(cfg config.ExchangeConfig, logger *logging.Logger) *OKX {
	return &OKX{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		secret:     cfg.APISecret,
		passphrase: cfg.APIPassword,
		chainName:  cfg.SmartChainName,
		client:     &http.Client{Timeout: config.ExchangeTimeout},
		log:        logger.Component("okx"),
	}
}

// sign computes the request signature.
func (o *OKX) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do performs a signed request and decodes the data array into out.
func (o *OKX) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body []byte
	if reqBody != nil {
		var err error
		if body, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, path, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read exchange response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to decode exchange response (http %d): %w", resp.StatusCode, err)
	}
	if env.Code != "0" {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode exchange data: %w", err)
		}
	}
	return nil
}

// ccy returns the venue currency symbol for t.
func ccy(t token.Token) string {
	return token.Symbol(t)
}

// chain returns the venue's ccy-chain selector for t.
func (o *OKX) chain(t token.Token) string {
	if token.IsBitcoin(t) {
		if token.IsLightning(t) {
			return "BTC-Lightning"
		}
		return "BTC-Bitcoin"
	}
	return token.Symbol(t) + "-" + o.chainName
}

// toVenue renders a base-unit amount as the venue's decimal string.
func toVenue(t token.Token, amount *big.Int) (string, error) {
	decimals, err := token.Decimals(t)
	if err != nil {
		return "", err
	}
	return helpers.FormatUnits(amount, decimals), nil
}

// fromVenue parses a venue decimal string into base units.
func fromVenue(t token.Token, amount string) (*big.Int, error) {
	decimals, err := token.Decimals(t)
	if err != nil {
		return nil, err
	}
	return helpers.ParseUnits(amount, decimals)
}

func (o *OKX) GetBalance(ctx context.Context, t token.Token, account Account) (*big.Int, error) {
	symbol := ccy(t)

	if account == AccountTrading {
		var data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		}
		path := "/api/v5/account/balance?ccy=" + symbol
		if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
			return nil, err
		}
		for _, entry := range data {
			for _, detail := range entry.Details {
				if detail.Ccy == symbol {
					return fromVenue(t, detail.AvailBal)
				}
			}
		}
		return new(big.Int), nil
	}

	var data []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
	}
	path := "/api/v5/asset/balances?ccy=" + symbol
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	for _, detail := range data {
		if detail.Ccy == symbol {
			return fromVenue(t, detail.AvailBal)
		}
	}
	return new(big.Int), nil
}

func (o *OKX) GetDepositAddress(ctx context.Context, t token.Token) (string, error) {
	var data []struct {
		Addr  string `json:"addr"`
		Chain string `json:"chain"`
	}
	path := "/api/v5/asset/deposit-address?ccy=" + ccy(t)
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	want := o.chain(t)
	for _, entry := range data {
		if entry.Chain == want {
			return entry.Addr, nil
		}
	}
	return "", fmt.Errorf("venue offers no deposit address on chain %s", want)
}

func (o *OKX) CreateDepositInvoice(ctx context.Context, sats *big.Int) (string, error) {
	var data []struct {
		Invoice string `json:"invoice"`
	}
	amt := helpers.FormatUnits(sats, 8)
	path := "/api/v5/asset/deposit-lightning?ccy=BTC&amt=" + amt
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].Invoice == "" {
		return "", fmt.Errorf("venue returned no deposit invoice")
	}
	return data[0].Invoice, nil
}

func (o *OKX) GetDeposit(ctx context.Context, t token.Token, txID string) (*Deposit, error) {
	var data []struct {
		TxID  string `json:"txId"`
		DepID string `json:"depId"`
		Amt   string `json:"amt"`
		State string `json:"state"`
	}
	path := "/api/v5/asset/deposit-history?ccy=" + ccy(t) + "&txId=" + url.QueryEscape(txID)
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	for _, entry := range data {
		if entry.TxID != txID {
			continue
		}
		// 1 = credited, 2 = completed. Both mean the funds arrived.
		credited := entry.State == "1" || entry.State == "2"
		dep := &Deposit{Credited: credited, DepositID: entry.DepID}
		if credited {
			amount, err := fromVenue(t, entry.Amt)
			if err != nil {
				return nil, err
			}
			dep.Amount = amount
		}
		return dep, nil
	}
	return nil, ErrNotFound
}

func (o *OKX) PlaceMarketOrder(ctx context.Context, clientOrderID, instID string, side Side, amount *big.Int, amountToken token.Token) error {
	size, err := toVenue(amountToken, amount)
	if err != nil {
		return err
	}

	// Market buys are sized in the quote currency, sells in base.
	tgtCcy := "base_ccy"
	if side == SideBuy {
		tgtCcy = "quote_ccy"
	}

	req := map[string]string{
		"instId":  instID,
		"tdMode":  "cash",
		"clOrdId": clientOrderID,
		"side":    string(side),
		"ordType": "market",
		"sz":      size,
		"tgtCcy":  tgtCcy,
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", req, nil); err != nil {
		return err
	}
	o.log.Info("Placed market order",
		"clOrdId", clientOrderID, "instId", instID, "side", side, "sz", size)
	return nil
}

func (o *OKX) GetOrder(ctx context.Context, clientOrderID, instID string) (*Order, error) {
	var data []struct {
		State string `json:"state"`
		OrdID string `json:"ordId"`
		AvgPx string `json:"avgPx"`
	}
	path := "/api/v5/trade/order?instId=" + instID + "&clOrdId=" + clientOrderID
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return &Order{
		State:    OrderState(data[0].State),
		OrderID:  data[0].OrdID,
		AvgPrice: data[0].AvgPx,
	}, nil
}

func (o *OKX) Transfer(ctx context.Context, clientID string, t token.Token, amount *big.Int, from, to Account) error {
	amt, err := toVenue(t, amount)
	if err != nil {
		return err
	}
	req := map[string]string{
		"ccy":      ccy(t),
		"amt":      amt,
		"from":     okxAccounts[from],
		"to":       okxAccounts[to],
		"clientId": clientID,
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/asset/transfer", req, nil); err != nil {
		return err
	}
	o.log.Info("Requested account transfer",
		"clientId", clientID, "ccy", ccy(t), "amt", amt, "from", from, "to", to)
	return nil
}

func (o *OKX) GetTransfer(ctx context.Context, clientID string) (*Transfer, error) {
	var data []struct {
		State   string `json:"state"`
		TransID string `json:"transId"`
	}
	path := "/api/v5/asset/transfer-state?clientId=" + clientID
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return &Transfer{
		Success:    data[0].State == "success",
		Failed:     data[0].State == "failed",
		TransferID: data[0].TransID,
	}, nil
}

// GetWithdrawalFee looks up the network fee for withdrawing t on its
// configured chain. The venue publishes a fee range per currency/chain;
// the minimum is the fee actually charged for a standard withdrawal.
func (o *OKX) GetWithdrawalFee(ctx context.Context, t token.Token, amount *big.Int) (*big.Int, error) {
	var data []struct {
		Ccy    string `json:"ccy"`
		Chain  string `json:"chain"`
		MinFee string `json:"minFee"`
	}
	path := "/api/v5/asset/currencies?ccy=" + ccy(t)
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	want := o.chain(t)
	for _, entry := range data {
		if entry.Chain == want {
			return fromVenue(t, entry.MinFee)
		}
	}
	return nil, fmt.Errorf("venue quotes no withdrawal fee on chain %s", want)
}

func (o *OKX) Withdraw(ctx context.Context, clientID string, t token.Token, amount, fee *big.Int, address string) error {
	amt, err := toVenue(t, amount)
	if err != nil {
		return err
	}
	feeStr, err := toVenue(t, fee)
	if err != nil {
		return err
	}
	req := map[string]string{
		"ccy":      ccy(t),
		"amt":      amt,
		"fee":      feeStr,
		"dest":     "4", // on-chain
		"toAddr":   address,
		"chain":    o.chain(t),
		"clientId": clientID,
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/asset/withdrawal", req, nil); err != nil {
		return err
	}
	o.log.Info("Requested withdrawal",
		"clientId", clientID, "ccy", ccy(t), "amt", amt, "fee", feeStr, "chain", o.chain(t))
	return nil
}

func (o *OKX) WithdrawLightning(ctx context.Context, clientID, invoice string) error {
	req := map[string]string{
		"ccy":      "BTC",
		"invoice":  invoice,
		"clientId": clientID,
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/asset/withdrawal-lightning", req, nil); err != nil {
		return err
	}
	o.log.Info("Requested lightning withdrawal", "clientId", clientID)
	return nil
}

func (o *OKX) GetWithdrawal(ctx context.Context, clientID string) (*Withdrawal, error) {
	var data []struct {
		ClientID string `json:"clientId"`
		State    string `json:"state"`
		TxID     string `json:"txId"`
	}
	path := "/api/v5/asset/withdrawal-history?clientId=" + clientID
	if err := o.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	for _, entry := range data {
		if entry.ClientID != clientID {
			continue
		}
		state, err := strconv.Atoi(entry.State)
		if err != nil {
			return nil, fmt.Errorf("unexpected withdrawal state %q: %w", entry.State, err)
		}
		return &Withdrawal{State: WithdrawalState(state), TxID: entry.TxID}, nil
	}
	return nil, ErrNotFound
}
