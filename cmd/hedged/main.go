// Package main provides the hedged daemon - the automated inventory
// rebalancing controller for the swap intermediary.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crossrail-labs/hedged/internal/config"
	"github.com/crossrail-labs/hedged/internal/contract"
	"github.com/crossrail-labs/hedged/internal/exchange"
	"github.com/crossrail-labs/hedged/internal/lnd"
	"github.com/crossrail-labs/hedged/internal/oracle"
	"github.com/crossrail-labs/hedged/internal/rebalance"
	"github.com/crossrail-labs/hedged/internal/statestore"
	"github.com/crossrail-labs/hedged/internal/token"
	"github.com/crossrail-labs/hedged/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir        = flag.String("data-dir", "~/.hedged", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		disableMonitor = flag.Bool("disable-monitor", false, "Disable the balance monitor (manual triggers only)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("hedged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Flags passed explicitly take precedence over the config file
	passed := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { passed[f.Name] = true })
	if passed["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if passed["data-dir"] {
		cfg.Storage.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	configPath := config.Path(cfg.Storage.DataDir)
	if *configFile != "" {
		configPath = *configFile
	}
	log.Info("Config loaded", "path", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := statestore.New(dataPath)
	if err != nil {
		log.Fatal("Failed to initialize state store", "error", err)
	}
	history, err := statestore.OpenHistory(dataPath)
	if err != nil {
		log.Fatal("Failed to open history database", "error", err)
	}
	defer history.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Resolve smart-chain token addresses
	addresses := make(map[token.Token]string, len(cfg.TokenAddresses))
	for symbol, addr := range cfg.TokenAddresses {
		addresses[token.Token(symbol)] = addr
	}
	registry, err := token.NewRegistry(addresses)
	if err != nil {
		log.Fatal("Invalid token addresses", "error", err)
	}

	// Connect the escrow contract, the exchange and the lnd node
	escrow, err := contract.NewEVM(ctx, cfg.SmartChain.RPCURL,
		cfg.SmartChain.EscrowAddress, cfg.SmartChain.SignerKey, registry, log)
	if err != nil {
		log.Fatal("Failed to connect smart chain", "error", err)
	}
	log.Info("Smart chain connected", "rpc", cfg.SmartChain.RPCURL,
		"escrow", cfg.SmartChain.EscrowAddress)

	venue := exchange.NewOKX(cfg.Exchange, log)
	node := lnd.New(cfg.Lnd, log)

	// The escrow contract doubles as the swap-committed inventory source:
	// what open swaps have locked shows up as the gap between its full and
	// usable balances.
	var scTokens []token.Token
	for _, t := range token.All {
		if token.IsSmartChain(t) {
			scTokens = append(scTokens, t)
		}
	}
	prices, err := oracle.NewStatic(cfg.Prices, oracle.NewEscrowInventory(escrow, scTokens))
	if err != nil {
		log.Fatal("Invalid price table", "error", err)
	}

	// Build the rebalance engine, resuming any checkpointed run
	engine, err := rebalance.NewEngine(rebalance.Deps{
		Config:    cfg,
		Store:     store,
		History:   history,
		Contract:  escrow,
		Exchange:  venue,
		Bitcoin:   node,
		Lightning: node,
		Oracle:    prices,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("Failed to initialize rebalance engine", "error", err)
	}

	// The monitor only watches tokens it can both locate on chain and
	// price in BTC.
	var monitor *rebalance.Monitor
	if !*disableMonitor {
		var watched []token.Token
		for _, t := range token.All {
			if !token.IsSmartChain(t) {
				continue
			}
			if _, ok := cfg.Prices[token.Symbol(t)]; !ok {
				continue
			}
			watched = append(watched, t)
		}
		if len(watched) == 0 {
			log.Warn("No priced smart-chain tokens configured, monitor disabled")
		} else {
			monitor = rebalance.NewMonitor(cfg, escrow, node, node, prices,
				engine, watched, log)
			log.Info("Balance monitor configured", "tokens", watched)
		}
	}

	supervisor := rebalance.NewSupervisor(engine, monitor, log)
	supervisor.Start()

	log.Info("hedged started", "version", version, "data_dir", dataPath)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	supervisor.Stop()

	log.Info("Goodbye!")
}
