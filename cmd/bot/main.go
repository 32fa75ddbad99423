package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/config"
	"github.com/tbaxter/fopbot/internal/dashboard"
	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/monitor"
	"github.com/tbaxter/fopbot/internal/orders"
	"github.com/tbaxter/fopbot/internal/retry"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/storage"
	"github.com/tbaxter/fopbot/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	structured := newStructuredLogger(cfg.Environment.LogLevel)

	logger.Printf("Starting options spread bot in %s mode on %s", cfg.Environment.Mode, cfg.Symbol.Symbol)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk, waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, structured); err != nil && ctx.Err() == nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger, structured *logrus.Logger) error {
	store, err := storage.NewJSONStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	brk, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}
	guarded := broker.NewCircuitBreakerBroker(brk)
	retryClient := retry.NewClient(guarded, logger)

	hub := alerts.NewHub(structured)

	// Seed the account from the venue and yesterday's persisted totals.
	account := risk.NewAccount(cfg.Broker.Balance)
	now := time.Now().UTC()
	if balance, err := retryClient.GetAccountBalance(ctx); err != nil {
		logger.Printf("Balance fetch failed, using configured balance: %v", err)
	} else {
		account.SetBalance(balance)
	}
	account.SetRealizedToday(store.DailyPnL(now), now)

	mon := monitor.NewMonitor(store, account, cfg.Risk, hub, logger)

	reconciler := NewReconciler(retryClient, store, hub, logger)
	restored, err := reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	mon.Restore(restored)
	logger.Printf("Restored %d positions after reconciliation", len(restored))

	adapter := market.NewAdapter(cfg.Symbol.Symbol, cfg.QuoteFreshness(), logger)
	builder := orders.NewBuilder(cfg.QuoteFreshness(), cfg.Symbol.Tick, cfg.Orders.ImprovementTicks, logger)
	gate := risk.NewGatekeeper(cfg.Risk, account, logger)

	strategies, scalper := buildStrategies(cfg, logger)
	coord := NewCoordinator(cfg, guarded, adapter, mon, gate, account, builder, hub, strategies, scalper, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if cfg.Broker.FeedURL != "" {
		feed := market.NewFeed(cfg.Broker.FeedURL, adapter, logger)
		g.Go(func() error { return feed.Run(gctx) })
	} else {
		g.Go(func() error { return pumpQuotes(gctx, guarded, adapter, cfg.Symbol.Symbol, hub, logger) })
	}

	g.Go(func() error { return coord.Run(gctx) })

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, mon, account, hub, structured)
		g.Go(func() error { return srv.Start() })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// buildBroker selects the execution venue for the configured mode.
func buildBroker(cfg *config.Config, logger *log.Logger) (broker.Broker, error) {
	if cfg.IsPaperTrading() {
		return broker.NewPaperBroker(broker.PaperConfig{
			Symbol:         cfg.Symbol.Symbol,
			StartPrice:     cfg.Broker.StartPrice,
			StrikeInterval: cfg.Symbol.StrikeInterval,
			Multiplier:     cfg.Symbol.Multiplier,
			Balance:        cfg.Broker.Balance,
		}, logger), nil
	}
	return nil, fmt.Errorf("live mode requires a venue client; only paper execution is wired")
}

// buildStrategies instantiates the enabled strategy set. The scalper is
// returned separately so the coordinator can drive its cooldown and
// reversal flips.
func buildStrategies(cfg *config.Config, logger *log.Logger) ([]strategy.Strategy, *strategy.Scalper) {
	var out []strategy.Strategy
	var scalper *strategy.Scalper
	if cfg.Strategies.Condor.Enabled {
		out = append(out, strategy.NewCondor(cfg.CondorConfig(), logger))
	}
	if cfg.Strategies.Butterfly.Enabled {
		out = append(out, strategy.NewButterfly(cfg.ButterflyConfig(), logger))
	}
	if cfg.Strategies.Scalper.Enabled {
		scalper = strategy.NewScalper(cfg.ScalperConfig(), logger)
		out = append(out, scalper)
	}
	return out, scalper
}

// pumpQuotes feeds the broker's quote stream into the market adapter. Used
// when no external websocket feed is configured.
func pumpQuotes(ctx context.Context, brk broker.Broker, adapter *market.Adapter, symbol string, hub *alerts.Hub, logger *log.Logger) error {
	ch, err := brk.SubscribeQuotes(ctx, symbol)
	if err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	adapter.SetConnected(true)
	defer adapter.SetConnected(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				hub.Publish(alerts.Alert{
					Level:   alerts.LevelCritical,
					Kind:    alerts.KindConnectionLost,
					Message: "broker quote stream closed",
				})
				return fmt.Errorf("quote stream closed")
			}
			if u.Quote == nil {
				adapter.ApplyTick(u.Underlying, u.Timestamp)
			} else {
				adapter.ApplyQuote(*u.Quote)
			}
		}
	}
}

// newStructuredLogger builds the logrus sink used by the alert hub and the
// dashboard.
func newStructuredLogger(level string) *logrus.Logger {
	lg := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return lg
}
