// Command grid-trader runs a single grid-trading coordinator against one
// symbol on one exchange, as configured by a grid_system YAML document.
// See internal/config.GridSystemConfig for the full key reference.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"market_maker/internal/alert"
	"market_maker/internal/bootstrap"
	"market_maker/internal/config"
	"market_maker/internal/core"
	enginegrid "market_maker/internal/engine/grid"
	"market_maker/internal/exchange/mock"
	"market_maker/internal/infrastructure/health"
	"market_maker/internal/model"
	"market_maker/internal/reserve"
	"market_maker/internal/risk"
	"market_maker/internal/trading/execution"
	"market_maker/internal/trading/grid"
	"market_maker/internal/trading/modes"
	"market_maker/internal/trading/monitor"
	"market_maker/internal/trading/position"
	"market_maker/pkg/cli"
	"market_maker/pkg/concurrency"
	"market_maker/pkg/liveserver"
	"market_maker/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging regardless of config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	// flag stops at the first non-flag argument, so flags given after the
	// config path are parsed in a second pass.
	configPath := flag.Arg(0)
	if flag.NArg() > 0 {
		_ = flag.CommandLine.Parse(flag.Args()[1:])
	}

	if *showVersion {
		fmt.Printf("grid-trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if configPath == "" || flag.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grid-trader <config-path> [--debug]")
		os.Exit(1)
	}
	if err := cli.ValidateInput(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config path: %v\n", err)
		os.Exit(1)
	}

	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		app.Cfg.System.LogLevel = "DEBUG"
		app.Logger, err = bootstrap.InitLogger(app.Cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
			os.Exit(1)
		}
	}

	coordinator, sim, healthMgr, err := wire(app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("wiring failed", "error", err)
		os.Exit(1)
	}

	runners := []bootstrap.Runner{coordinator}
	if sim != nil {
		runners = append(runners, sim)
	}
	if tel, err := telemetry.Setup("grid-trader"); err != nil {
		app.Logger.Warn("telemetry disabled", "error", err)
	} else {
		defer tel.Shutdown(context.Background())
	}

	hub := liveserver.NewHub(app.Logger)
	coordinator.c.SetBroadcaster(dashboardBroadcaster{hub: hub})
	runners = append(runners, hubRunner{hub: hub},
		dashboardRunner{c: coordinator.c, hub: hub, health: healthMgr, logger: app.Logger})

	addr := app.Cfg.System.DashboardPort
	if addr == "" {
		addr = "8090"
	}
	srv := liveserver.NewServer(hub, app.Logger, nil)
	go func() {
		if err := srv.Start(context.Background(), ":"+addr); err != nil {
			app.Logger.Warn("dashboard feed server stopped", "error", err)
		}
	}()
	defer srv.Stop(context.Background())

	if err := app.Run(runners...); err != nil {
		app.Logger.Error("exited with error", "error", err)
		app.Shutdown(10 * time.Second)
		os.Exit(1)
	}
	app.Shutdown(10 * time.Second)
}

// coordinatorRunner adapts the grid coordinator's two-phase startup (Start
// then the blocking Run) to the single bootstrap.Runner method the app
// lifecycle expects.
type coordinatorRunner struct {
	c *enginegrid.Coordinator
}

func (r coordinatorRunner) Run(ctx context.Context) error {
	if err := r.c.Start(ctx); err != nil {
		return fmt.Errorf("coordinator startup: %w", err)
	}
	return r.c.Run(ctx)
}

// simRunner adapts the paper exchange's price-walk loop to bootstrap.Runner.
type simRunner struct {
	ex *mock.Exchange
}

func (r simRunner) Run(ctx context.Context) error {
	return r.ex.RunSimulation(ctx, 500*time.Millisecond)
}

// hubRunner adapts the websocket hub's broadcast loop to bootstrap.Runner.
type hubRunner struct{ hub *liveserver.Hub }

func (r hubRunner) Run(ctx context.Context) error {
	r.hub.Run(ctx)
	return nil
}

// dashboardBroadcaster implements enginegrid.Broadcaster on top of the
// websocket hub, turning pause/reset/risk transitions into typed dashboard
// feed messages rather than leaving them as log lines only.
type dashboardBroadcaster struct{ hub *liveserver.Hub }

func (d dashboardBroadcaster) BroadcastPauseState(paused bool, reason string) {
	d.hub.Broadcast(liveserver.NewPauseStateMessage(paused, reason))
}

func (d dashboardBroadcaster) BroadcastReset(gridID string, ordersPlaced int, opts enginegrid.ResetOptions) {
	d.hub.Broadcast(liveserver.NewResetEventMessage(liveserver.ResetEventPayload{
		GridID:        gridID,
		OrdersPlaced:  ordersPlaced,
		ClosePosition: opts.ClosePosition,
		ReinitCapital: opts.ReinitCapital,
		UpdateRange:   opts.UpdateRange,
	}))
}

func (d dashboardBroadcaster) BroadcastRiskEvent(reason string) {
	d.hub.Broadcast(liveserver.NewRiskEventMessage(reason))
}

// dashboardRunner periodically pulls GetSnapshot() off the coordinator,
// per SPEC_FULL.md §6.4: pushed to the websocket hub for a live feed and
// mirrored onto the Prometheus gauges this codebase's pkg/telemetry already
// exposes for position/order/PnL observability.
type dashboardRunner struct {
	c      *enginegrid.Coordinator
	hub    *liveserver.Hub
	health *health.HealthManager
	logger core.ILogger
}

func (r dashboardRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	metrics := telemetry.GetGlobalMetrics()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := r.c.GetSnapshot()
			r.hub.Broadcast(liveserver.NewGridStatisticsMessage(snap))
			metrics.SetPositionSize(snap.Symbol, snap.PositionSize.InexactFloat64())
			metrics.SetUnrealizedPnL(snap.Symbol, snap.UnrealisedPnL.InexactFloat64())
			metrics.SetActiveOrders(snap.Symbol, int64(snap.PendingBuys+snap.PendingSells))
			if r.health != nil && !r.health.IsHealthy() {
				r.logger.Warn("component health check failing", "status", r.health.GetStatus())
			}
		}
	}
}

func dec(s, fallback string) decimal.Decimal {
	if s == "" {
		s = fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// wire builds the full dependency graph for one grid run: exchange, worker
// pool, execution engine, trackers, mode managers gated by their *_enabled
// flags, the health checker, the reserve manager, and finally the
// coordinator itself. The returned *mock.Exchange is non-nil (and must be
// run alongside the coordinator) only because no real venue adapter is
// wired into this codebase; a production build would substitute a real
// core.IExchange here and drop the simulation runner entirely.
func wire(cfg *config.Config, logger core.ILogger) (coordinatorRunner, *mock.Exchange, *health.HealthManager, error) {
	gs := cfg.GridSystem

	gridCfg, err := grid.NewConfig(grid.Config{
		Exchange: gs.Exchange,
		Symbol:   gs.Symbol,
		GridType: model.GridType(gs.GridType),

		Lower:    dec(gs.PriceRange.LowerPrice, "0"),
		Upper:    dec(gs.PriceRange.UpperPrice, "0"),
		Interval: dec(gs.GridInterval, "1"),

		OrderAmount: dec(gs.OrderAmount, "0"),

		PriceDecimals:    int32(gs.PriceDecimals),
		QuantityDecimals: int32(gs.QuantityPrecision),
		FeeRate:          dec(gs.FeeRate, "0.0001"),

		MaxPosition:         dec(gs.MaxPosition, "0"),
		MartingaleIncrement: dec(gs.MartingaleIncrement, "0"),

		FollowGridCount:          gs.FollowGridCount,
		FollowDistance:           gs.FollowDistance,
		PriceOffsetGrids:         gs.PriceOffsetGrids,
		ReverseOrderGridDistance: gs.ReverseOrderGridDistance,
	})
	if err != nil {
		return coordinatorRunner{}, nil, nil, fmt.Errorf("grid config: %w", err)
	}

	startPrice := gridCfg.Lower.Add(gridCfg.Upper).Div(decimal.NewFromInt(2))
	if gridCfg.GridType.IsFollowFamily() {
		startPrice = dec(gs.PriceRange.LowerPrice, "")
		if startPrice.IsZero() {
			startPrice = decimal.NewFromInt(50000)
		}
	}

	exchange := mock.New(gs.Symbol, startPrice)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "grid-" + gs.Symbol,
		MaxWorkers: 8,
	}, logger)

	engine := execution.New(execution.Config{
		Symbol:       gs.Symbol,
		NonceOrdered: false,
	}, exchange, logger, pool)

	ctx := context.Background()
	if err := engine.Initialise(ctx); err != nil {
		return coordinatorRunner{}, nil, nil, fmt.Errorf("execution engine: %w", err)
	}

	tracker := position.New()
	posMonitor := monitor.NewPositionMonitor(exchange, tracker, logger, gs.Symbol)
	balMonitor := monitor.NewBalanceMonitor(exchange, logger, "USDT")

	var reserveMgr reserve.Manager = reserve.NoOp{}
	if gs.SpotReserve.Enabled {
		reserveMgr = reserve.NewSpot(exchange, logger, reserve.Config{
			Asset:           gs.Symbol,
			TargetAmount:    dec(gs.SpotReserve.ReserveAmount, "0"),
			ReplenishBelow:  dec(gs.SpotReserve.ReserveAmount, "0").Mul(decimal.NewFromFloat(0.2)),
			ReplenishAmount: dec(gs.SpotReserve.ReserveAmount, "0"),
		})
	}

	gridModes := buildModes(gs, gridCfg)

	state := grid.NewState(gridCfg, startPrice)

	store, err := stateStore(gs.StateDBPath)
	if err != nil {
		return coordinatorRunner{}, nil, nil, fmt.Errorf("state store: %w", err)
	}

	alerts := alertManager(cfg.System, logger)

	var healthCheck *risk.Checker
	var coordinator *enginegrid.Coordinator
	healthCheck = risk.New(risk.Deps{
		Exchange: exchange,
		Logger:   logger,
		Symbol:   gs.Symbol,
		ExpectedAmount: func(gridID int) decimal.Decimal {
			return gridCfg.AmountAt(gridID)
		},
		ScalpingActive: func() bool {
			return gridModes.Scalping != nil && gridModes.Scalping.IsActive()
		},
		ScalpingExpectedPosition: func() decimal.Decimal {
			pos, err := healthCheck.ExpectedPosition(context.Background())
			if err != nil {
				logger.Warn("scalping expected position lookup failed", "error", err)
				return decimal.Zero
			}
			return pos
		},
		RegisterOrder: engine.Register,
		OnEmergency: func(reason string) {
			logger.Error("health checker raised emergency", "reason", reason)
			alerts.Alert(context.Background(), "grid health emergency", reason, alert.Critical,
				map[string]string{"symbol": gs.Symbol})
			if coordinator != nil {
				coordinator.BroadcastRiskEvent(reason)
			}
		},
	}, gridCfg)

	coordinator = enginegrid.New(enginegrid.Deps{
		GridID:   gs.Symbol,
		Symbol:   gs.Symbol,
		Exchange: exchange,
		Logger:   logger,
		Store:    store,
		Pool:     pool,

		Config:  gridCfg,
		State:   state,
		Engine:  engine,
		Tracker: tracker,

		PositionMonitor: posMonitor,
		BalanceMonitor:  balMonitor,
		Health:          healthCheck,
		Reserve:         reserveMgr,

		Modes: gridModes,

		StopLossTriggerPercent: dec(gs.StopLossTriggerPercent, "20"),
		StopLossAPRThreshold:   dec(gs.StopLossAPRThreshold, "0"),
		ScalpingTriggerPercent: dec(gs.ScalpingTriggerPercent, "10"),

		ExitCleanupEnabled: gs.ExitCleanupEnabled,
	})

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("exchange_connection", func() error {
		if !exchange.IsConnected() {
			return fmt.Errorf("exchange not connected")
		}
		return nil
	})
	healthMgr.Register("execution_monitoring", func() error {
		if engine.MonitoringMode() == "" {
			return fmt.Errorf("no monitoring mode established")
		}
		return nil
	})

	return coordinatorRunner{c: coordinator}, exchange, healthMgr, nil
}

// buildModes constructs only the mode managers their corresponding
// *_enabled config flag switches on; a nil field in the returned Modes
// tells the coordinator that mode simply isn't configured for this run.
func buildModes(gs config.GridSystemConfig, gridCfg *grid.Config) enginegrid.Modes {
	var m enginegrid.Modes

	if gs.ScalpingEnabled {
		m.Scalping = modes.NewScalping(modes.ScalpingConfig{
			TriggerPercent:  dec(gs.ScalpingTriggerPercent, "10"),
			TakeProfitGrids: gs.ScalpingTakeProfitGrids,
			GridCount:       gridCfg.GridCount,
			IsShortFamily:   gridCfg.GridType.IsShortFamily(),
		})
	}

	if gs.SmartScalpingEnabled {
		m.SmartScalping = modes.NewSmartScalpingTracker(modes.SmartScalpingConfig{
			MinDropThresholdPercent: dec(gs.MinDropThresholdPercent, "5"),
			MaxQualifyingDrops:      gs.AllowedDeepDrops,
			GridHeight:              gridCfg.Upper.Sub(gridCfg.Lower),
		})
	}

	if gs.CapitalProtectionEnabled {
		m.CapitalProtect = modes.NewCapitalProtection(modes.CapitalProtectionConfig{
			ArmGridProgressPercent: dec(gs.CapitalProtectionTriggerPercent, "80"),
			GridCount:              gridCfg.GridCount,
		})
	}

	if gs.TakeProfitEnabled {
		m.TakeProfit = modes.NewTakeProfit(modes.TakeProfitConfig{
			ThresholdPercent: dec(gs.TakeProfitPercentage, "5"),
		})
	}

	if gs.PriceLockEnabled {
		m.PriceLock = modes.NewPriceLock(dec(gs.PriceLockThreshold, "0"), !gridCfg.GridType.IsShortFamily())
	}

	if gs.StopLossProtectionEnabled {
		m.StopLoss = modes.NewStopLoss(modes.StopLossConfig{
			TriggerPercent: dec(gs.StopLossTriggerPercent, "20"),
			EscapeTimeout:  time.Duration(gs.StopLossEscapeTimeout) * time.Second,
		})
	}

	return m
}

func stateStore(path string) (core.IStateStore, error) {
	if path == "" {
		return enginegrid.NewMemoryStore(), nil
	}
	return enginegrid.NewSQLiteStore(path)
}

// alertManager wires up whichever notification channels the operator
// configured. With nothing configured, Alert calls still log through the
// manager's own logger but reach nobody.
func alertManager(sys config.SystemConfig, logger core.ILogger) *alert.AlertManager {
	m := alert.NewAlertManager(logger)
	if sys.SlackWebhookURL != "" {
		m.AddChannel(alert.NewSlackChannel(sys.SlackWebhookURL))
	}
	if sys.TelegramBotToken != "" && sys.TelegramChatID != "" {
		m.AddChannel(alert.NewTelegramChannel(sys.TelegramBotToken, sys.TelegramChatID))
	}
	return m
}
