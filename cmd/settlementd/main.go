package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Settlement/internal/config"
	"OpenMCP-Settlement/internal/credit"
	"OpenMCP-Settlement/internal/escrow"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/failover"
	"OpenMCP-Settlement/internal/flashloan"
	"OpenMCP-Settlement/internal/maintenance"
	"OpenMCP-Settlement/internal/observability/alerting"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/internal/settlement"
	"OpenMCP-Settlement/internal/web3"
	"OpenMCP-Settlement/pkg/logger"
)

// main 是结算守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("settlementd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("settlementd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	sinks, err := buildSinks(ctx, cfg.Events, reg)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				lg.Warn("关闭事件 sink 失败", slog.Any("error", err))
			}
		}
	}()

	alertBus := events.NewBus("alerting")
	alerts := alerting.NewFanout(
		&alerting.LogNotifier{Logger: logger.Audit()},
		&alerting.StreamNotifier{Publisher: alertBus},
	)
	settler := web3.NewSyntheticSettler()

	escrows := escrow.NewManager(
		escrow.WithSettler(settler),
		escrow.WithMetrics(reg),
		escrow.WithCurrency(cfg.Escrow.Currency),
	)

	store, err := credit.NewStore(credit.StoreConfig{
		Path:                    cfg.Credit.Persistence.Path,
		MaxTransactionsPerAgent: cfg.Credit.Persistence.MaxTransactionsPerAgent,
		Debounce:                cfg.Credit.Persistence.Debounce,
		AutoSaveInterval:        cfg.Credit.Persistence.AutoSaveInterval,
		StrictIntegrity:         cfg.Credit.Persistence.StrictIntegrity,
	}, credit.WithStoreAlerts(alerts), credit.WithStoreMetrics(reg))
	if err != nil {
		return err
	}
	scorer := credit.NewScorer(
		credit.WithConfig(creditConfig(cfg.Credit)),
		credit.WithStore(store),
		credit.WithMetrics(reg),
	)
	if err := scorer.Load(ctx); err != nil {
		return err
	}
	scorer.StartAutoSave()
	defer func() {
		if err := scorer.Close(context.Background()); err != nil {
			lg.Error("信用数据保存失败", slog.Any("error", err))
		}
	}()

	pool := flashloan.NewMemoryPool(cfg.FlashLoan.PoolID, cfg.FlashLoan.PoolLiquidity)
	flash, err := flashloan.NewManager(pool, flashloan.Config{
		PoolID:           cfg.FlashLoan.PoolID,
		FeeRate:          cfg.FlashLoan.FeeRate,
		MaxPoolRatio:     cfg.FlashLoan.MaxPoolRatio,
		MaxExecutionTime: cfg.FlashLoan.MaxExecutionTime,
		HistorySize:      cfg.FlashLoan.HistorySize,
	}, flashloan.WithSettler(settler), flashloan.WithMetrics(reg), flashloan.WithAlerts(alerts))
	if err != nil {
		return err
	}

	providers := failover.NewManager(failover.Config{
		FailureThreshold: cfg.Failover.FailureThreshold,
		SuccessThreshold: cfg.Failover.SuccessThreshold,
		ResetTimeout:     cfg.Failover.ResetTimeout,
		HistorySize:      cfg.Failover.HistorySize,
	}, failover.WithMetrics(reg), failover.WithAlerts(alerts))

	router := settlement.NewRouter(
		settlement.WithEscrow(escrows),
		settlement.WithCredit(scorer),
		settlement.WithFlashLoans(flash),
		settlement.WithFailover(providers),
		settlement.WithDefaultPool(cfg.FlashLoan.PoolID),
	)

	g, gctx := errgroup.WithContext(ctx)
	if err := router.AttachAll(gctx); err != nil {
		return err
	}
	if err := router.Attach(gctx, "alerting", alertBus); err != nil {
		return err
	}
	g.Go(router.Wait)
	g.Go(func() error {
		return ignoreCanceled(events.PumpWith(gctx, router.Events(), pumpOptions(cfg.Events, reg), sinks...))
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, reg))
		})
	}
	if cfg.Maintenance.Enabled {
		sched, err := maintenance.NewScheduler(scorer, maintenance.Config{
			DailyResetSpec:   cfg.Maintenance.DailyResetSpec,
			MonthlyResetSpec: cfg.Maintenance.MonthlyResetSpec,
			AccountAgeSpec:   cfg.Maintenance.AccountAgeSpec,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	lg.Info("settlementd 已启动",
		slog.String("events", cfg.Events.Driver),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.String("credit_store", store.Path()))

	err = g.Wait()
	lg.Info("settlementd 正在退出")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
