// arb_server is the cross-venue arbitrage trading daemon. It wires the
// dependency graph explicitly: storage, venues, spread monitor, detector,
// risk gate, executor, circuit breaker, rollback manager, and the scan
// engine, then runs until a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"cross_arb/internal/alert"
	"cross_arb/internal/bootstrap"
	"cross_arb/internal/core"
	"cross_arb/internal/engine/arbengine"
	"cross_arb/internal/engine/durable"
	"cross_arb/internal/infrastructure/health"
	"cross_arb/internal/infrastructure/metrics"
	"cross_arb/internal/risk"
	"cross_arb/internal/safety"
	"cross_arb/internal/storage"
	"cross_arb/internal/trading/arbitrage"
	"cross_arb/internal/trading/execution"
	"cross_arb/internal/trading/monitor"
	"cross_arb/internal/trading/position"
	"cross_arb/internal/venue"
	"cross_arb/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const (
	reconcileInterval = time.Minute
	rollbackInterval  = 5 * time.Minute
	rollbackWindow    = 50
)

func main() {
	configPath := flag.String("config", "configs/arb_server.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arb_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	if err := run(app); err != nil {
		app.Logger.Error("arb_server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg, logger := app.Cfg, app.Logger

	if cfg.Telemetry.StdoutTraces {
		tel, err := telemetry.Setup(cfg.App.Name)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer tel.Shutdown(context.Background())
	} else if err := telemetry.InitMetrics(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	alerts := alert.NewAlertManagerFromConfig(&cfg.Alerts, logger)

	registry := venue.NewRegistry(cfg, logger)
	defer registry.DisconnectAll()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	active := cfg.Arbitrage.ActiveVenue
	if active == "" {
		active = cfg.Arbitrage.Venues[0]
	}
	if err := registry.Initialize(startCtx, active); err != nil {
		return fmt.Errorf("venue registry: %w", err)
	}

	checker := safety.NewSafetyChecker(registry, cfg, logger)
	if err := checker.CheckAccountSafety(startCtx); err != nil {
		return fmt.Errorf("account safety: %w", err)
	}

	healthMgr := health.NewHealthManager(logger)
	for _, v := range registry.All(startCtx) {
		vn := v
		healthMgr.Register("venue:"+vn.GetName(), func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return vn.CheckHealth(ctx)
		})
	}

	ledger := position.NewLedger(logger)
	spreadMonitor := monitor.NewSpreadMonitor(registry, store, cfg.Arbitrage.Symbol,
		time.Duration(cfg.Arbitrage.MonitorInterval)*time.Second, logger)
	healthMgr.Register("spread_monitor", spreadMonitor.CheckHealth)

	detector := arbitrage.NewDetector(registry, cfg, store, logger)
	gate := risk.NewGate(registry, healthMgr, cfg, logger)

	initialBalance := totalBalance(startCtx, registry, logger)
	breaker := risk.NewCircuitBreaker(cfg.Breaker, initialBalance, store, alerts, logger)

	coordinator := execution.NewCoordinator(registry, cfg, store, alerts, logger)
	executor := core.ITradeExecutor(coordinator)

	var durableCoord *durable.DurableCoordinator
	if cfg.Execution.Durable {
		dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
			AppName:     cfg.App.Name,
			DatabaseURL: cfg.Execution.DatabaseURL,
		})
		if err != nil {
			return fmt.Errorf("dbos: %w", err)
		}
		durableCoord = durable.NewDurableCoordinator(dbosCtx, coordinator, store, cfg, logger)
		dbos.RegisterWorkflow(dbosCtx, durableCoord.Workflows().ExecuteTrade)
		if err := durableCoord.Start(startCtx); err != nil {
			return fmt.Errorf("durable runtime: %w", err)
		}
		defer durableCoord.Stop()
		executor = durableCoord
	}

	engine := arbengine.NewEngine(registry, spreadMonitor, detector, gate, ledger,
		executor, breaker, cfg, logger)

	reconciler := position.NewReconciler(registry, ledger, alerts,
		cfg.Arbitrage.Symbol, reconcileInterval, logger)

	rollback := safety.NewRollbackManager(cfg.Rollback, store, alerts, logger)

	metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)

	return app.Run(
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			metricsServer.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Stop(stopCtx)
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := engine.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return engine.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := reconciler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return reconciler.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			runRollbackAudit(ctx, rollback, store, registry, logger)
			return nil
		}),
	)
}

// runRollbackAudit periodically feeds the rollback manager the newest closed
// trades, oldest first.
func runRollbackAudit(ctx context.Context, rollback *safety.RollbackManager, store *storage.Store, registry *venue.Registry, logger core.ILogger) {
	ticker := time.NewTicker(rollbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		outcomes, err := store.RecentOutcomes(ctx, rollbackWindow)
		if err != nil {
			logger.Warn("Rollback audit query failed", "error", err)
			continue
		}
		for i, j := 0, len(outcomes)-1; i < j; i, j = i+1, j-1 {
			outcomes[i], outcomes[j] = outcomes[j], outcomes[i]
		}
		rollback.Evaluate(outcomes, totalBalance(ctx, registry, logger))
	}
}

// totalBalance sums quote balances across all venues; unavailable venues are
// skipped.
func totalBalance(ctx context.Context, registry *venue.Registry, logger core.ILogger) decimal.Decimal {
	total := decimal.Zero
	for _, v := range registry.All(ctx) {
		balance, err := v.GetBalance(ctx)
		if err != nil {
			logger.Warn("Balance fetch failed", "venue", v.GetName(), "error", err)
			continue
		}
		total = total.Add(balance)
	}
	return total
}
