package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"allocvault/config"
	"allocvault/native/adapter"
	"allocvault/native/leverage"
	"allocvault/native/oracle"
	"allocvault/native/router"
	"allocvault/native/vault"
	"allocvault/observability"
	"allocvault/observability/logging"
	"allocvault/state"
	"allocvault/storage"
)

type service struct {
	cfg       *config.Config
	logger    *slog.Logger
	manager   *state.Manager
	vault     *vault.Engine
	router    *router.Engine
	oracle    *oracle.Aggregator
	positions adapter.Adapter
	inputs    []router.Input
}

// commit drops the journal undo history after a successful operation and
// refreshes the balance gauges.
func (s *service) commit() {
	s.manager.Commit()
	s.refreshMetrics()
}

func (s *service) refreshMetrics() {
	snap, err := s.vault.Snapshot()
	if err != nil {
		return
	}
	price, err := s.vault.SharePrice()
	if err != nil {
		price = big.NewInt(0)
	}
	pending := 0
	if reqs, err := s.manager.PendingRequests(); err == nil {
		pending = len(reqs)
	}
	observability.VaultMetrics().UpdateBalances(price, snap.TotalAssets, snap.IdleCash, snap.AccruedFees, pending)
}

func main() {
	configFile := flag.String("config", "./vaultd.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("vaultd", cfg.Environment)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := buildService(cfg, logger, db)
	if err != nil {
		logger.Error("failed to wire vault service", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           svc.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status API listening", "address", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API failed", "error", err)
		}
	}()

	scheduler, err := svc.startKeeper()
	if err != nil {
		logger.Error("failed to start keeper schedule", "error", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	keeperCtx := scheduler.Stop()
	<-keeperCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("status API shutdown failed", "error", err)
	}
}

func buildService(cfg *config.Config, logger *slog.Logger, db storage.Database) (*service, error) {
	manager := state.NewManager(db)
	emitter := observability.NewEmitter(logger)

	agg := oracle.NewAggregator(nil, time.Duration(cfg.Oracle.MaxQuoteAgeSeconds)*time.Second)

	eng := vault.NewEngine()
	eng.SetState(manager)
	eng.SetEmitter(emitter)
	eng.SetRoles(cfg.AdminAddress(), cfg.ManagerAddress(), cfg.KeeperAddress())
	eng.SetCooldown(cfg.Vault.CooldownSeconds)

	existing, err := manager.GetVault()
	if err != nil {
		return nil, err
	}
	if existing == nil {
		fees := vault.FeeConfig{
			PerfBps:  cfg.Vault.PerfFeeBps,
			MgmtBps:  cfg.Vault.MgmtFeeBps,
			EntryBps: cfg.Vault.EntryFeeBps,
			ExitBps:  cfg.Vault.ExitFeeBps,
			FlashBps: cfg.Vault.FlashFeeBps,
		}
		if err := eng.Initialize(fees, cfg.MinLiquidityAmount()); err != nil {
			return nil, err
		}
		manager.Commit()
		logger.Info("initialised vault ledger", "baseToken", cfg.Vault.BaseToken)
	}

	venue := adapter.NewMemoryVenue()
	tokens := make([]string, 0, len(cfg.Inputs))
	inputs := make([]router.Input, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		tokens = append(tokens, in.Token)
		inputs = append(inputs, router.Input{Token: in.Token, WeightBps: in.WeightBps, Decimals: in.Decimals})
	}
	market, err := adapter.NewLendingMarket(venue, tokens)
	if err != nil {
		return nil, err
	}

	swapper := router.NewPricedSwapper(agg, 0)

	var positions adapter.Adapter = market
	if cfg.Leverage.Enabled {
		overlay := leverage.NewOverlay(market, cfg.Leverage.PrimaryInput, cfg.Inputs[cfg.Leverage.PrimaryInput].Token, cfg.Leverage.DebtToken)
		overlay.SetMarket(venue)
		overlay.SetLoanProvider(eng)
		overlay.SetSwapper(swapper)
		overlay.SetOracle(agg)
		overlay.SetEmitter(emitter)
		overlay.SetAdmin(cfg.AdminAddress())
		instructions := leverage.StaticInstructionSource{}
		instructions.Register(cfg.Inputs[cfg.Leverage.PrimaryInput].Token, cfg.Leverage.DebtToken, router.EncodeInstruction(big.NewInt(0)))
		instructions.Register(cfg.Leverage.DebtToken, cfg.Inputs[cfg.Leverage.PrimaryInput].Token, router.EncodeInstruction(big.NewInt(0)))
		overlay.SetInstructionSource(instructions)
		if err := overlay.SetParams(cfg.AdminAddress(), leverage.Params{
			TargetLeverage: cfg.Leverage.TargetLeverage,
			HaircutBps:     cfg.Leverage.HaircutBps,
		}); err != nil {
			return nil, err
		}
		positions = overlay
	}

	alloc := router.NewEngine(cfg.Vault.BaseToken)
	alloc.SetLedger(eng)
	alloc.SetAdapter(positions)
	alloc.SetSwapper(swapper)
	alloc.SetOracle(agg)
	alloc.SetEmitter(emitter)
	alloc.SetAdmin(cfg.AdminAddress())
	if err := alloc.SetSlippage(cfg.AdminAddress(), cfg.Router.SlippageBps); err != nil {
		return nil, err
	}
	if err := alloc.SetDustThreshold(cfg.AdminAddress(), cfg.DustThresholdAmount()); err != nil {
		return nil, err
	}
	if len(cfg.Oracle.StaticFeeds) > 0 {
		static := oracle.NewStaticSource()
		for _, feed := range cfg.Oracle.StaticFeeds {
			if rate, ok := new(big.Rat).SetString(feed.Rate); ok {
				static.SetRate(feed.Base, feed.Quote, rate)
			}
		}
		agg.Register("static", static)
	}
	if err := alloc.SetInputs(cfg.AdminAddress(), inputs); err != nil {
		return nil, err
	}

	svc := &service{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		vault:     eng,
		router:    alloc,
		oracle:    agg,
		positions: positions,
		inputs:    inputs,
	}
	svc.refreshMetrics()
	return svc, nil
}
