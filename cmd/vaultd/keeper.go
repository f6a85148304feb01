package main

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"allocvault/observability"
)

// startKeeper schedules the allocation and harvest loops. Jobs run only when
// a keeper address is configured; each run carries a correlation id so log
// lines from one cycle can be stitched together.
func (s *service) startKeeper() (*cron.Cron, error) {
	scheduler := cron.New()
	keeper := s.cfg.KeeperAddress()
	if keeper == ([20]byte{}) {
		s.logger.Warn("no keeper address configured, allocation loops disabled")
		scheduler.Start()
		return scheduler, nil
	}
	if _, err := scheduler.AddFunc(s.cfg.Keeper.InvestSchedule, func() { s.runAllocation(keeper) }); err != nil {
		return nil, err
	}
	if _, err := scheduler.AddFunc(s.cfg.Keeper.HarvestSchedule, func() { s.runHarvest(keeper) }); err != nil {
		return nil, err
	}
	scheduler.Start()
	return scheduler, nil
}

// runAllocation first unwinds positions when pending withdrawals need idle
// cash, then deploys whatever idle remains above the dust threshold.
func (s *service) runAllocation(keeper [20]byte) {
	runID := uuid.NewString()
	logger := s.logger.With("job", "allocation", "run", runID)
	start := time.Now()
	err := s.allocateOnce(keeper, logger)
	observability.KeeperMetrics().ObserveRun("allocation", err, time.Since(start))
	if err != nil {
		logger.Error("allocation run failed", "error", err)
		return
	}
	s.commit()
}

func (s *service) allocateOnce(keeper [20]byte, logger *slog.Logger) error {
	need, err := s.redemptionShortfall()
	if err != nil {
		return err
	}
	if need.Sign() > 0 {
		if err := s.router.Liquidate(keeper, need, nil, false, s.routerInstructions(nil)); err != nil {
			return err
		}
		logger.Info("liquidated for pending withdrawals", "amount", need.String())
	}
	idle, err := s.vault.InvestableIdle()
	if err != nil {
		return err
	}
	if idle.Cmp(s.cfg.DustThresholdAmount()) <= 0 {
		return nil
	}
	minOut := new(big.Int).Mul(idle, big.NewInt(int64(10_000-s.cfg.Router.SlippageBps)))
	minOut.Quo(minOut, big.NewInt(10_000))
	if err := s.router.Invest(keeper, idle, minOut, s.routerInstructions(nil)); err != nil {
		return err
	}
	logger.Info("deployed idle cash", "amount", idle.String())
	return nil
}

// redemptionShortfall estimates the base amount that must come back from
// positions to cover unreserved escrowed shares at the current price.
func (s *service) redemptionShortfall() (*big.Int, error) {
	snap, err := s.vault.Snapshot()
	if err != nil {
		return nil, err
	}
	if snap.EscrowedShares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := s.vault.SharePrice()
	if err != nil {
		return nil, err
	}
	owed := new(big.Int).Mul(snap.EscrowedShares, price)
	owed.Quo(owed, big.NewInt(1_000_000_000_000_000_000))
	owed.Sub(owed, snap.ReservedPayout)
	available := new(big.Int).Sub(snap.IdleCash, snap.ReservedPayout)
	available.Sub(available, snap.MinLiquidity)
	shortfall := new(big.Int).Sub(owed, available)
	if shortfall.Sign() < 0 {
		shortfall.SetInt64(0)
	}
	return shortfall, nil
}

func (s *service) runHarvest(keeper [20]byte) {
	runID := uuid.NewString()
	logger := s.logger.With("job", "harvest", "run", runID)
	start := time.Now()
	err := s.router.Harvest(keeper, s.harvestInstructions(nil))
	observability.KeeperMetrics().ObserveRun("harvest", err, time.Since(start))
	if err != nil {
		logger.Error("harvest run failed", "error", err)
		return
	}
	s.commit()
	logger.Info("harvest completed")
}
