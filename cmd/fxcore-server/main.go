// Command fxcore-server runs the trading and settlement core as one daemon:
// it loads the YAML configuration, wires the engines over the in-process bus
// together with the simulated external collaborators, and serves health and
// metrics until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/account"
	"github.com/mExOms/fxcore/internal/analytics"
	"github.com/mExOms/fxcore/internal/archive"
	"github.com/mExOms/fxcore/internal/compliance"
	"github.com/mExOms/fxcore/internal/config"
	"github.com/mExOms/fxcore/internal/execution"
	"github.com/mExOms/fxcore/internal/monitor"
	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/internal/payment"
	"github.com/mExOms/fxcore/internal/provider"
	"github.com/mExOms/fxcore/internal/rates"
	"github.com/mExOms/fxcore/internal/scheduler"
	"github.com/mExOms/fxcore/internal/settlement"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/nats"
	"github.com/mExOms/fxcore/pkg/types"
	"github.com/mExOms/fxcore/services/sim"
)

const version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./configs)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg.Log)

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("wire server: %v", err)
	}
	if err := srv.start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.log.Info("shutdown signal received")
	srv.stop()
}

func setupLogging(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// server owns every wired component and their start/stop order.
type server struct {
	log *logrus.Entry

	bus      *bus.Bus
	market   *sim.Market
	stopWalk context.CancelFunc
	agg      *rates.Aggregator
	stream   *rates.StreamClient
	registry *provider.Registry
	accounts *account.InMemory
	nostro   *payment.NostroLedger
	sched    *scheduler.Scheduler
	orders   *order.Manager
	exec     *execution.Engine
	settle   *settlement.Engine
	stats    *analytics.Engine
	archiver *archive.Service
	mon      *monitor.Server

	natsClient *nats.Client
	relay      *nats.Relay

	orderSub *bus.Subscription
	wg       sync.WaitGroup
}

func newServer(cfg *config.Config) (*server, error) {
	s := &server{log: logrus.WithField("component", "server")}

	s.bus = bus.New(0)
	s.market = sim.NewMarket(0, defaultMids())

	primary := sim.NewRateSource(sim.RateSourceConfig{Name: "sim-primary", Quality: 0.95}, s.market)
	backup := sim.NewRateSource(sim.RateSourceConfig{
		Name: "sim-backup", SpreadBps: 1.5, Quality: 0.85,
	}, s.market)
	s.agg = rates.NewAggregator(cfg.Rates.ValidityPeriod, primary, backup)

	if cfg.Rates.StreamURL != "" {
		s.stream = rates.NewStreamClient(cfg.Rates.StreamURL, s.agg)
		for _, key := range s.market.Pairs() {
			pair, err := types.ParsePair(key)
			if err != nil {
				continue
			}
			s.stream.Watch(pair)
		}
	}

	s.registry = provider.NewRegistry()
	providerCfgs := cfg.Providers
	if len(providerCfgs) == 0 {
		providerCfgs = defaultProviders()
	}
	for name, pc := range providerCfgs {
		if pc.Name == "" {
			pc.Name = name
		}
		if _, err := s.registry.Register(newSimProvider(pc, s.market), pc); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", name, err)
		}
	}

	s.accounts = account.NewInMemory()
	s.nostro = payment.NewNostroLedger()
	for ccy, amount := range nostroFloat() {
		if err := s.nostro.Fund(ccy, amount); err != nil {
			return nil, fmt.Errorf("fund nostro %s: %w", ccy, err)
		}
	}
	s.sched = scheduler.New()
	checker := compliance.NewRuleEngine(cfg.Compliance)

	s.orders = order.NewManager(cfg.Order, s.accounts, s.agg, checker, s.bus)

	rail := sim.NewPaymentSystem(sim.PaymentConfig{
		Sanctioned: cfg.Compliance.SanctionedCounterparties,
	})
	s.settle = settlement.NewEngine(cfg.Settlement, rail, s.nostro, checker, s.sched, s.bus)

	equity := sim.NewEquityService(s.accounts, s.agg, cfg.Analytics.BaseCurrency)
	s.stats = analytics.NewEngine(cfg.Analytics, s.agg, equity, s.bus)

	s.exec = execution.NewEngine(cfg.Execution, s.orders, s.registry, s.agg, s.bus)

	archiver, err := archive.NewService(cfg.Archive, s.orders, s.settle, s.bus)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	archiver.RegisterSnapshot("positions", func(ctx context.Context) (any, error) {
		return s.stats.AllPositions(), nil
	})
	s.archiver = archiver

	s.mon = monitor.NewServer(monitor.Config{
		ListenAddr: cfg.Monitor.ListenAddr,
		Version:    version,
	}, monitor.GaugeSources{
		OpenOrders:         s.orders.OpenOrders,
		PendingSettlements: s.settle.PendingCount,
		OpenPositions:      s.stats.OpenPositionCount,
	}, s.bus)
	s.registry.SetObserver(s.mon.Metrics().ObserveProviderLatency)
	s.mon.Health().RegisterCheck("rates", s.ratesCheck)

	if cfg.NATS.URL != "" {
		client, err := nats.NewClient(nats.Config{URL: cfg.NATS.URL})
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		s.natsClient = client
		s.relay = nats.NewRelay(client, s.bus)
		s.mon.Health().RegisterCheck("nats", s.natsCheck)
	}

	return s, nil
}

func (s *server) start() error {
	if err := s.mon.Start(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if s.relay != nil {
		s.relay.Start()
	}

	walkCtx, cancel := context.WithCancel(context.Background())
	s.stopWalk = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.market.Run(walkCtx, 250*time.Millisecond)
	}()
	if s.stream != nil {
		s.stream.Start()
	}

	s.orders.Start()
	s.exec.Start()
	s.settle.Start()
	if err := s.stats.Start(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	if err := s.archiver.Start(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	s.orderSub = s.bus.Subscribe(types.EventOrderCreated)
	s.wg.Add(1)
	go s.dispatchLoop()

	s.log.WithFields(logrus.Fields{
		"monitor":   s.mon.Addr(),
		"pairs":     len(s.market.Pairs()),
		"providers": len(s.registry.Names()),
	}).Info("fxcore server started")
	return nil
}

// stop closes order intake first so no new executions start while the
// engines drain, then walks the components in reverse start order.
func (s *server) stop() {
	if s.orderSub != nil {
		s.orderSub.Close()
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.stopWalk != nil {
		s.stopWalk()
	}

	s.exec.Stop()
	s.orders.Stop()
	s.settle.Stop()
	s.stats.Stop()
	s.sched.Stop()
	s.archiver.Stop()

	if s.relay != nil {
		s.relay.Stop()
	}
	if s.natsClient != nil {
		s.natsClient.Close()
	}
	s.agg.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mon.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("monitor shutdown")
	}
	s.wg.Wait()
	s.log.Info("fxcore server stopped")
}

// dispatchLoop routes each accepted order to the execution engine. Stop
// types rest on the book until their trigger releases them, so only
// immediately executable orders dispatch here.
func (s *server) dispatchLoop() {
	defer s.wg.Done()
	for ev := range s.orderSub.Events() {
		oc, ok := ev.(types.OrderCreatedEvent)
		if !ok {
			continue
		}
		o := oc.Order
		if o.Type.RequiresStopPrice() {
			continue
		}
		if _, err := s.exec.Execute(context.Background(), o, execution.Options{}); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("order dispatch rejected")
		}
	}
}

func (s *server) ratesCheck(ctx context.Context) monitor.Check {
	_, err := s.agg.GetRate(ctx, "EUR", "USD")
	switch {
	case err == nil:
		return monitor.Check{Status: monitor.StatusHealthy}
	case errors.Is(err, types.ErrStaleRate):
		return monitor.Check{Status: monitor.StatusDegraded, Message: err.Error()}
	default:
		return monitor.Check{Status: monitor.StatusUnhealthy, Message: err.Error()}
	}
}

func (s *server) natsCheck(ctx context.Context) monitor.Check {
	if s.natsClient.Connected() {
		return monitor.Check{Status: monitor.StatusHealthy}
	}
	return monitor.Check{Status: monitor.StatusUnhealthy, Message: "disconnected"}
}

// newSimProvider maps a provider config onto the simulated venue: the quoted
// spread is twice the per-side cost, and the failure rate is the reliability
// complement.
func newSimProvider(pc types.ProviderConfig, market *sim.Market) *sim.Provider {
	failure := 0.0
	if pc.Reliability.Sign() > 0 {
		failure = decimal.NewFromInt(1).Sub(pc.Reliability).InexactFloat64()
	}
	return sim.NewProvider(sim.ProviderConfig{
		Name:          pc.Name,
		SpreadBps:     pc.CostBps.InexactFloat64() * 2,
		CommissionBps: pc.CostBps.InexactFloat64(),
		Latency:       time.Duration(pc.AvgLatencyMs) * time.Millisecond,
		FailureRate:   failure,
		MaxQuantity:   pc.MaxOrderSize,
	}, market)
}

func defaultMids() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"EUR/USD": decimal.NewFromFloat(1.0850),
		"GBP/USD": decimal.NewFromFloat(1.2700),
		"USD/JPY": decimal.NewFromFloat(155.20),
		"USD/CHF": decimal.NewFromFloat(0.8800),
		"AUD/USD": decimal.NewFromFloat(0.6550),
		"USD/CAD": decimal.NewFromFloat(1.3650),
		"NZD/USD": decimal.NewFromFloat(0.6050),
		"EUR/GBP": decimal.NewFromFloat(0.8545),
	}
}

func defaultProviders() map[string]types.ProviderConfig {
	return map[string]types.ProviderConfig{
		"alpha-bank": {
			Name:         "alpha-bank",
			Priority:     1,
			MaxOrderSize: decimal.NewFromInt(5_000_000),
			AvgLatencyMs: 5,
			Reliability:  decimal.NewFromFloat(0.999),
			CostBps:      decimal.NewFromFloat(0.4),
			Enabled:      true,
		},
		"beta-ecn": {
			Name:         "beta-ecn",
			Priority:     2,
			MaxOrderSize: decimal.NewFromInt(2_000_000),
			AvgLatencyMs: 2,
			Reliability:  decimal.NewFromFloat(0.995),
			CostBps:      decimal.NewFromFloat(0.2),
			Enabled:      true,
		},
		"gamma-pool": {
			Name:         "gamma-pool",
			Priority:     3,
			MaxOrderSize: decimal.NewFromInt(10_000_000),
			AvgLatencyMs: 12,
			Reliability:  decimal.NewFromFloat(0.99),
			CostBps:      decimal.NewFromFloat(0.8),
			Enabled:      true,
		},
	}
}

// nostroFloat is the starting settlement account balance per currency.
func nostroFloat() map[string]decimal.Decimal {
	float := decimal.NewFromInt(100_000_000)
	out := map[string]decimal.Decimal{
		"USD": float, "EUR": float, "GBP": float, "CHF": float,
		"AUD": float, "CAD": float, "NZD": float,
		"JPY": decimal.NewFromInt(10_000_000_000),
	}
	return out
}
