package rebalance

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/internal/oracle"
	"github.com/crossrail-labs/hedged/internal/token"
)

// mockInventory is a fixed swap-committed inventory snapshot.
type mockInventory struct {
	locked    map[token.Token]*big.Int
	returning map[token.Token]*big.Int
}

func newMockInventory() *mockInventory {
	return &mockInventory{
		locked:    make(map[token.Token]*big.Int),
		returning: make(map[token.Token]*big.Int),
	}
}

func (m *mockInventory) Inventory(ctx context.Context) (oracle.InventorySnapshot, error) {
	return oracle.InventorySnapshot{Locked: m.locked, Returning: m.returning}, nil
}

// mockContract fabricates transactions with ids sc-1, sc-2, ... and raw
// payloads "raw-<id>", so status lookups by raw payload resolve to the
// same table as lookups by id.
type mockContract struct {
	nextID   int
	usable   map[token.Token]*big.Int
	balances map[token.Token]*big.Int
	statuses map[string]contract.TxStatus

	built          []contract.Tx
	broadcasts     []string
	depositAmounts []*big.Int
	replaceCbs     []contract.ReplaceFunc
}

func newMockContract() *mockContract {
	return &mockContract{
		usable:   make(map[token.Token]*big.Int),
		balances: make(map[token.Token]*big.Int),
		statuses: make(map[string]contract.TxStatus),
	}
}

func (m *mockContract) newTx() contract.Tx {
	m.nextID++
	id := fmt.Sprintf("sc-%d", m.nextID)
	tx := contract.Tx{TxID: id, Raw: "raw-" + id}
	m.built = append(m.built, tx)
	return tx
}

func (m *mockContract) GetBalance(ctx context.Context, t token.Token, usable bool) (*big.Int, error) {
	table := m.balances
	if usable {
		table = m.usable
	}
	if b, ok := table[t]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *mockContract) TxsWithdraw(ctx context.Context, t token.Token, amount *big.Int) ([]contract.Tx, error) {
	return []contract.Tx{m.newTx()}, nil
}

func (m *mockContract) TxsTransfer(ctx context.Context, t token.Token, amount *big.Int, to string) ([]contract.Tx, error) {
	return []contract.Tx{m.newTx()}, nil
}

func (m *mockContract) TxsDeposit(ctx context.Context, t token.Token, amount *big.Int) ([]contract.Tx, error) {
	m.depositAmounts = append(m.depositAmounts, new(big.Int).Set(amount))
	return []contract.Tx{m.newTx()}, nil
}

func (m *mockContract) SendAndConfirm(ctx context.Context, txs []contract.Tx, onBroadcast contract.BroadcastFunc) error {
	for _, tx := range txs {
		if onBroadcast != nil {
			onBroadcast(tx.TxID, tx.Raw)
		}
		m.broadcasts = append(m.broadcasts, tx.TxID)
	}
	return nil
}

func (m *mockContract) status(txID string) contract.TxStatus {
	if s, ok := m.statuses[txID]; ok {
		return s
	}
	return contract.StatusPending
}

func (m *mockContract) GetTxStatus(ctx context.Context, rawTx string) (contract.TxStatus, error) {
	return m.status(strings.TrimPrefix(rawTx, "raw-")), nil
}

func (m *mockContract) GetTxIdStatus(ctx context.Context, txID string) (contract.TxStatus, error) {
	return m.status(txID), nil
}

func (m *mockContract) OnBeforeTxReplace(cb contract.ReplaceFunc) {
	m.replaceCbs = append(m.replaceCbs, cb)
}

func (m *mockContract) GetAddress() string { return "0xWALLET" }

func (m *mockContract) ToTokenAddress(t token.Token) (string, error) {
	return "0xTOKEN-" + string(t), nil
}

type placedOrder struct {
	ClientOrderID string
	InstID        string
	Side          exchange.Side
	Amount        *big.Int
}

type withdrawReq struct {
	ClientID string
	Token    token.Token
	Amount   *big.Int
	Fee      *big.Int
	Address  string
	Invoice  string
}

// mockExchange answers lookups from tables the test fills in. Mutating
// calls append to request logs and, where a queue is configured, pop the
// next canned response.
type mockExchange struct {
	depositAddr string
	invoice     string

	deposits    map[string]*exchange.Deposit
	orders      map[string]*exchange.Order
	transfers   map[string]*exchange.Transfer
	withdrawals map[string]*exchange.Withdrawal
	balances    map[token.Token]*big.Int

	// orderStates is popped per placed order; empty means filled.
	orderStates []exchange.OrderState
	// withdrawStates is popped per withdrawal request; empty means settled
	// with txid in-1, in-2, ...
	withdrawStates []exchange.Withdrawal
	nextInTx       int

	// withdrawFee is the quoted network fee; nil quotes zero.
	withdrawFee *big.Int
	feeCalls    int

	placed       []placedOrder
	transferReqs []string
	withdrawReqs []withdrawReq
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		depositAddr: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		deposits:    make(map[string]*exchange.Deposit),
		orders:      make(map[string]*exchange.Order),
		transfers:   make(map[string]*exchange.Transfer),
		withdrawals: make(map[string]*exchange.Withdrawal),
		balances:    make(map[token.Token]*big.Int),
	}
}

func (m *mockExchange) GetBalance(ctx context.Context, t token.Token, account exchange.Account) (*big.Int, error) {
	if b, ok := m.balances[t]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *mockExchange) GetDepositAddress(ctx context.Context, t token.Token) (string, error) {
	return m.depositAddr, nil
}

func (m *mockExchange) CreateDepositInvoice(ctx context.Context, sats *big.Int) (string, error) {
	return m.invoice, nil
}

func (m *mockExchange) GetDeposit(ctx context.Context, t token.Token, txID string) (*exchange.Deposit, error) {
	if d, ok := m.deposits[txID]; ok {
		return d, nil
	}
	return nil, exchange.ErrNotFound
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, clientOrderID, instID string, side exchange.Side, amount *big.Int, amountToken token.Token) error {
	m.placed = append(m.placed, placedOrder{
		ClientOrderID: clientOrderID,
		InstID:        instID,
		Side:          side,
		Amount:        new(big.Int).Set(amount),
	})
	state := exchange.OrderFilled
	if len(m.orderStates) > 0 {
		state, m.orderStates = m.orderStates[0], m.orderStates[1:]
	}
	m.orders[clientOrderID] = &exchange.Order{
		State:    state,
		OrderID:  fmt.Sprintf("ord-%d", len(m.placed)),
		AvgPrice: "24.5",
	}
	return nil
}

func (m *mockExchange) GetOrder(ctx context.Context, clientOrderID, instID string) (*exchange.Order, error) {
	if o, ok := m.orders[clientOrderID]; ok {
		return o, nil
	}
	return nil, exchange.ErrNotFound
}

func (m *mockExchange) Transfer(ctx context.Context, clientID string, t token.Token, amount *big.Int, from, to exchange.Account) error {
	m.transferReqs = append(m.transferReqs, clientID)
	m.transfers[clientID] = &exchange.Transfer{Success: true, TransferID: "trans-" + clientID}
	return nil
}

func (m *mockExchange) GetTransfer(ctx context.Context, clientID string) (*exchange.Transfer, error) {
	if tr, ok := m.transfers[clientID]; ok {
		return tr, nil
	}
	return nil, exchange.ErrNotFound
}

func (m *mockExchange) recordWithdrawal(req withdrawReq) {
	m.withdrawReqs = append(m.withdrawReqs, req)
	wd := exchange.Withdrawal{State: exchange.WithdrawalSettled}
	if len(m.withdrawStates) > 0 {
		wd, m.withdrawStates = m.withdrawStates[0], m.withdrawStates[1:]
	} else {
		m.nextInTx++
		wd.TxID = fmt.Sprintf("in-%d", m.nextInTx)
	}
	m.withdrawals[req.ClientID] = &wd
}

func (m *mockExchange) GetWithdrawalFee(ctx context.Context, t token.Token, amount *big.Int) (*big.Int, error) {
	m.feeCalls++
	if m.withdrawFee != nil {
		return new(big.Int).Set(m.withdrawFee), nil
	}
	return new(big.Int), nil
}

func (m *mockExchange) Withdraw(ctx context.Context, clientID string, t token.Token, amount, fee *big.Int, address string) error {
	m.recordWithdrawal(withdrawReq{
		ClientID: clientID,
		Token:    t,
		Amount:   new(big.Int).Set(amount),
		Fee:      new(big.Int).Set(fee),
		Address:  address,
	})
	return nil
}

func (m *mockExchange) WithdrawLightning(ctx context.Context, clientID, invoice string) error {
	m.recordWithdrawal(withdrawReq{ClientID: clientID, Invoice: invoice})
	return nil
}

func (m *mockExchange) GetWithdrawal(ctx context.Context, clientID string) (*exchange.Withdrawal, error) {
	if wd, ok := m.withdrawals[clientID]; ok {
		return wd, nil
	}
	return nil, exchange.ErrNotFound
}

// mockBitcoin serves a single canned PSBT flow: FundPsbt hands out the
// configured locks, SignPsbt returns the configured raw transaction.
type mockBitcoin struct {
	txs       map[string]*bitcoin.Tx
	signedRaw string
	locks     []bitcoin.UtxoLock
	balance   *big.Int
	addrs     []bitcoin.Address

	broadcasts []string
	unlocked   []bitcoin.UtxoLock
}

func newMockBitcoin() *mockBitcoin {
	return &mockBitcoin{
		txs:     make(map[string]*bitcoin.Tx),
		balance: new(big.Int),
		addrs:   []bitcoin.Address{{Address: "bcrt1-receive"}, {Address: "bcrt1-change", IsChange: true}},
	}
}

func (m *mockBitcoin) GetTransaction(ctx context.Context, txID string) (*bitcoin.Tx, error) {
	if tx, ok := m.txs[txID]; ok {
		return tx, nil
	}
	return nil, bitcoin.ErrTxNotFound
}

func (m *mockBitcoin) FundPsbt(ctx context.Context, req *bitcoin.FundPsbtRequest) (*bitcoin.FundPsbtResult, error) {
	return &bitcoin.FundPsbtResult{Psbt: "psbt-base64", Inputs: m.locks}, nil
}

func (m *mockBitcoin) SignPsbt(ctx context.Context, psbt string) (string, error) {
	return m.signedRaw, nil
}

func (m *mockBitcoin) BroadcastChainTransaction(ctx context.Context, rawTx string) error {
	m.broadcasts = append(m.broadcasts, rawTx)
	return nil
}

func (m *mockBitcoin) UnlockUtxo(ctx context.Context, lock bitcoin.UtxoLock) error {
	m.unlocked = append(m.unlocked, lock)
	return nil
}

func (m *mockBitcoin) GetChainAddresses(ctx context.Context) ([]bitcoin.Address, error) {
	return m.addrs, nil
}

func (m *mockBitcoin) GetChainBalance(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.balance), nil
}

type mockLightning struct {
	payments   map[string]*lightning.Payment
	invoices   map[string]*lightning.InvoiceStatus
	issued     []*lightning.Invoice
	issuedMsat []*big.Int
	paid       []string
	balance    *big.Int
}

func newMockLightning() *mockLightning {
	return &mockLightning{
		payments: make(map[string]*lightning.Payment),
		invoices: make(map[string]*lightning.InvoiceStatus),
		balance:  new(big.Int),
	}
}

func (m *mockLightning) Pay(ctx context.Context, invoice string) error {
	m.paid = append(m.paid, invoice)
	return nil
}

func (m *mockLightning) GetPayment(ctx context.Context, hash string) (*lightning.Payment, error) {
	if p, ok := m.payments[hash]; ok {
		return p, nil
	}
	return nil, lightning.ErrPaymentNotFound
}

func (m *mockLightning) CreateInvoice(ctx context.Context, msat *big.Int) (*lightning.Invoice, error) {
	inv := &lightning.Invoice{
		Request:     fmt.Sprintf("lnbcrt-invoice-%d", len(m.issued)+1),
		PaymentHash: fmt.Sprintf("hash-%d", len(m.issued)+1),
	}
	m.issued = append(m.issued, inv)
	m.issuedMsat = append(m.issuedMsat, new(big.Int).Set(msat))
	return inv, nil
}

func (m *mockLightning) GetInvoice(ctx context.Context, hash string) (*lightning.InvoiceStatus, error) {
	if s, ok := m.invoices[hash]; ok {
		return s, nil
	}
	return &lightning.InvoiceStatus{}, nil
}

func (m *mockLightning) GetChannelBalance(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.balance), nil
}
