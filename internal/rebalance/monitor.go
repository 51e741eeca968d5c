package rebalance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/crossrail-labs/hedged/internal/bitcoin"
	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/lightning"
	"github.com/crossrail-labs/hedged/internal/oracle"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

const ppmScale = 1_000_000

// Monitor periodically compares the smart-chain escrow inventory against
// the on-chain Bitcoin inventory and triggers a rebalance when the split
// drifts past the configured threshold. Lightning channel balance is
// observed for logging but kept out of the comparison: channel liquidity
// is not freely movable inventory.
type Monitor struct {
	cfg      *config.Config
	contract contract.SwapContract
	btc      bitcoin.Backend
	ln       lightning.Backend
	prices   oracle.InventoryOracle
	engine   *Engine
	log      *logging.Logger

	// tokens are the smart-chain tokens counted as escrow inventory.
	tokens []token.Token

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor over the given smart-chain tokens.
func NewMonitor(cfg *config.Config, sc contract.SwapContract, btc bitcoin.Backend,
	ln lightning.Backend, prices oracle.InventoryOracle, engine *Engine,
	tokens []token.Token, logger *logging.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		contract: sc,
		btc:      btc,
		ln:       ln,
		prices:   prices,
		engine:   engine,
		tokens:   tokens,
		log:      logger.Component("monitor"),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.run()
	m.log.Info("Balance monitor started", "interval", config.MonitorInterval)
}

// Stop halts the monitor loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("Balance monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(m.ctx); err != nil {
				m.log.Warn("Balance check failed", "err", err)
			}
		}
	}
}

// Check takes one inventory snapshot and triggers a rebalance if needed.
func (m *Monitor) Check(ctx context.Context) error {
	if m.engine.Active() {
		return nil
	}

	// Escrow inventory counts what is spendable now plus what open swaps
	// have committed or are returning; all of it belongs to our side of
	// the split even when it is not movable this cycle.
	snapshot, err := m.prices.Inventory(ctx)
	if err != nil {
		return err
	}
	scSats := new(big.Int)
	perToken := make(map[token.Token]*big.Int, len(m.tokens))
	for _, t := range m.tokens {
		balance, err := m.contract.GetBalance(ctx, t, true)
		if err != nil {
			return err
		}
		balance.Add(balance, snapshot.Committed(t))
		sats, err := m.prices.ToBtc(t, balance)
		if err != nil {
			return err
		}
		perToken[t] = sats
		scSats.Add(scSats, sats)
	}

	btcSats, err := m.btc.GetChainBalance(ctx)
	if err != nil {
		return err
	}
	if lnSats, err := m.ln.GetChannelBalance(ctx); err != nil {
		m.log.Warn("Failed to read channel balance", "err", err)
	} else {
		m.log.Debug("Channel balance (not counted)", "sats", lnSats.String())
	}

	total := new(big.Int).Add(scSats, btcSats)
	if total.Sign() == 0 {
		return nil
	}

	// Inventory shares in parts per million.
	ppmSC := new(big.Int).Mul(scSats, big.NewInt(ppmScale))
	ppmSC.Quo(ppmSC, total)
	ppmBTC := new(big.Int).Sub(big.NewInt(ppmScale), ppmSC)
	diff := new(big.Int).Sub(ppmSC, ppmBTC)

	m.log.Info("Inventory snapshot",
		"scSats", scSats.String(), "btcSats", btcSats.String(),
		"ppmSC", ppmSC.Int64(), "ppmBTC", ppmBTC.Int64(), "diffPPM", diff.Int64())

	if new(big.Int).Abs(diff).Int64() <= m.cfg.Rebalance.ThresholdPPM {
		return nil
	}

	// notional = total * |diff| * amountPPM / 1e12
	notional := new(big.Int).Abs(diff)
	notional.Mul(notional, total)
	notional.Mul(notional, big.NewInt(m.cfg.Rebalance.AmountPPM))
	notional.Quo(notional, big.NewInt(ppmScale*ppmScale))
	if notional.Sign() <= 0 {
		return nil
	}

	var src, dst token.Token
	if diff.Sign() > 0 {
		// Smart chain is heavy: sell off the largest escrow position.
		src, dst = m.heaviest(perToken), token.BTC
	} else {
		// Bitcoin is heavy: top up the smallest escrow position.
		src, dst = token.BTC, m.lightest(perToken)
	}
	if src == "" || dst == "" {
		return nil
	}

	err = m.engine.Trigger(ctx, src, dst, NewAmount(notional))
	if errors.Is(err, ErrBusy) {
		return nil
	}
	return err
}

// heaviest returns the watched token with the largest sat-denominated
// balance. Ties resolve in token.All order.
func (m *Monitor) heaviest(perToken map[token.Token]*big.Int) token.Token {
	var best token.Token
	var bestSats *big.Int
	for _, t := range token.All {
		sats, ok := perToken[t]
		if !ok {
			continue
		}
		if bestSats == nil || sats.Cmp(bestSats) > 0 {
			best, bestSats = t, sats
		}
	}
	return best
}

// lightest returns the watched token with the smallest sat-denominated
// balance.
func (m *Monitor) lightest(perToken map[token.Token]*big.Int) token.Token {
	var best token.Token
	var bestSats *big.Int
	for _, t := range token.All {
		sats, ok := perToken[t]
		if !ok {
			continue
		}
		if bestSats == nil || sats.Cmp(bestSats) < 0 {
			best, bestSats = t, sats
		}
	}
	return best
}
