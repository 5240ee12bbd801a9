// Command fxcore-sim drives one full session against the in-process
// collaborators: it funds accounts, submits a batch of orders, waits for the
// executions, fast-forwards the settlement cycle, and prints the resulting
// positions, settlements and nostro movements.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/account"
	"github.com/mExOms/fxcore/internal/analytics"
	"github.com/mExOms/fxcore/internal/compliance"
	"github.com/mExOms/fxcore/internal/execution"
	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/internal/payment"
	"github.com/mExOms/fxcore/internal/provider"
	"github.com/mExOms/fxcore/internal/rates"
	"github.com/mExOms/fxcore/internal/scheduler"
	"github.com/mExOms/fxcore/internal/settlement"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
	"github.com/mExOms/fxcore/services/sim"
)

var (
	simUsers = []string{"usr_1", "usr_2", "usr_3", "usr_4"}
	simPairs = []string{"EUR/USD", "GBP/USD", "USD/JPY", "USD/CAD"}
)

func main() {
	orderCount := flag.Int("orders", 24, "orders to submit")
	seed := flag.Int64("seed", 42, "seed for the market walk and the venues")
	wait := flag.Duration("wait", 30*time.Second, "max wait for executions")
	verbose := flag.Bool("v", false, "engine logs at info level")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.InfoLevel)
	}

	c, err := buildCore(*seed)
	if err != nil {
		log.Fatalf("build core: %v", err)
	}
	c.start()

	fmt.Println("=== fxcore simulated session ===")
	fmt.Printf("pairs %v, users %v, seed %d\n", simPairs, simUsers, *seed)

	fundAll(c)
	submitted := submitOrders(c, *orderCount, *seed)
	resting := submitRestingStop(c)

	awaitExecutions(c, len(submitted), *wait)

	if resting != "" {
		if err := c.orders.CancelOrder(context.Background(), resting, simUsers[0], "session close"); err != nil {
			fmt.Printf("cancel resting stop: %v\n", err)
		}
	}

	settleCycle(c)
	reportSession(c, submitted)

	c.stop()
}

// core is the wired module plus the session bookkeeping.
type core struct {
	bus      *bus.Bus
	market   *sim.Market
	stopWalk context.CancelFunc
	agg      *rates.Aggregator
	registry *provider.Registry
	accounts *account.InMemory
	nostro   *payment.NostroLedger
	rail     *sim.PaymentSystem
	sched    *scheduler.Scheduler
	orders   *order.Manager
	exec     *execution.Engine
	settle   *settlement.Engine
	stats    *analytics.Engine

	orderSub *bus.Subscription
	tallySub *bus.Subscription
	wg       sync.WaitGroup

	mu     sync.Mutex
	counts map[types.EventKind]int

	openingNostro map[string]decimal.Decimal
}

func buildCore(seed int64) (*core, error) {
	c := &core{counts: make(map[types.EventKind]int)}

	c.bus = bus.New(4096)
	c.market = sim.NewMarket(seed, map[string]decimal.Decimal{
		"EUR/USD": decimal.NewFromFloat(1.0850),
		"GBP/USD": decimal.NewFromFloat(1.2700),
		"USD/JPY": decimal.NewFromFloat(155.20),
		"USD/CAD": decimal.NewFromFloat(1.3650),
	})

	primary := sim.NewRateSource(sim.RateSourceConfig{
		Name: "sim-primary", Quality: 0.95, Seed: seed + 1,
	}, c.market)
	backup := sim.NewRateSource(sim.RateSourceConfig{
		Name: "sim-backup", SpreadBps: 1.5, Quality: 0.85, Seed: seed + 2,
	}, c.market)
	c.agg = rates.NewAggregator(5*time.Second, primary, backup)

	c.registry = provider.NewRegistry()
	venues := []struct {
		cfg types.ProviderConfig
		sim sim.ProviderConfig
	}{
		{
			cfg: types.ProviderConfig{
				Name: "alpha-bank", Priority: 1,
				MaxOrderSize: decimal.NewFromInt(5_000_000),
				AvgLatencyMs: 2, Reliability: decimal.NewFromFloat(0.999),
				CostBps: decimal.NewFromFloat(0.4), Enabled: true,
			},
			sim: sim.ProviderConfig{
				Name: "alpha-bank", SpreadBps: 0.8, CommissionBps: 0.4,
				Latency: 2 * time.Millisecond, Seed: seed + 11,
			},
		},
		{
			cfg: types.ProviderConfig{
				Name: "beta-ecn", Priority: 2,
				MaxOrderSize: decimal.NewFromInt(2_000_000),
				AvgLatencyMs: 1, Reliability: decimal.NewFromFloat(0.995),
				CostBps: decimal.NewFromFloat(0.2), Enabled: true,
			},
			sim: sim.ProviderConfig{
				Name: "beta-ecn", SpreadBps: 0.4, CommissionBps: 0.2,
				Latency: time.Millisecond, ImproveBps: 0.3,
				PartialAbove: decimal.NewFromInt(500_000), Seed: seed + 12,
			},
		},
		{
			cfg: types.ProviderConfig{
				Name: "gamma-pool", Priority: 3,
				MaxOrderSize: decimal.NewFromInt(10_000_000),
				AvgLatencyMs: 5, Reliability: decimal.NewFromFloat(0.99),
				CostBps: decimal.NewFromFloat(0.8), Enabled: true,
			},
			sim: sim.ProviderConfig{
				Name: "gamma-pool", SpreadBps: 1.6, CommissionBps: 0.8,
				Latency: 5 * time.Millisecond, FailureRate: 0.02, Seed: seed + 13,
			},
		},
	}
	for _, v := range venues {
		if _, err := c.registry.Register(sim.NewProvider(v.sim, c.market), v.cfg); err != nil {
			return nil, fmt.Errorf("register %s: %w", v.cfg.Name, err)
		}
	}

	c.accounts = account.NewInMemory()
	c.nostro = payment.NewNostroLedger()
	c.sched = scheduler.New()
	checker := compliance.NewRuleEngine(compliance.RuleConfig{})

	c.orders = order.NewManager(order.Config{
		SweepInterval: time.Second,
	}, c.accounts, c.agg, checker, c.bus)

	c.rail = sim.NewPaymentSystem(sim.PaymentConfig{FailureRate: 0.02, Seed: seed + 21})
	c.settle = settlement.NewEngine(settlement.Config{
		DefaultCycle:   types.CycleT2,
		CycleOverrides: map[string]types.SettlementCycle{"USD/CAD": types.CycleT1},
		RetryAttempts:  3,
		RetryDelay:     200 * time.Millisecond,
		TickInterval:   100 * time.Millisecond,
	}, c.rail, c.nostro, checker, c.sched, c.bus)

	equity := sim.NewEquityService(c.accounts, c.agg, "USD")
	c.stats = analytics.NewEngine(analytics.Config{
		BaseCurrency: "USD",
		PnLInterval:  500 * time.Millisecond,
	}, c.agg, equity, c.bus)

	c.exec = execution.NewEngine(execution.Config{
		TickInterval:         20 * time.Millisecond,
		DefaultTimeLimit:     8 * time.Second,
		TWAPSliceWindow:      400 * time.Millisecond,
		ExpectedPeriodVolume: decimal.NewFromInt(500_000),
	}, c.orders, c.registry, c.agg, c.bus)

	return c, nil
}

func (c *core) start() {
	walkCtx, cancel := context.WithCancel(context.Background())
	c.stopWalk = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.market.Run(walkCtx, 50*time.Millisecond)
	}()

	c.tallySub = c.bus.Subscribe()
	c.wg.Add(1)
	go c.tallyLoop()

	c.orders.Start()
	c.exec.Start()
	c.settle.Start()
	if err := c.stats.Start(); err != nil {
		log.Fatalf("start analytics: %v", err)
	}

	c.orderSub = c.bus.Subscribe(types.EventOrderCreated)
	c.wg.Add(1)
	go c.dispatchLoop()
}

func (c *core) stop() {
	if c.orderSub != nil {
		c.orderSub.Close()
	}
	c.stopWalk()

	c.exec.Stop()
	c.orders.Stop()
	c.settle.Stop()
	c.stats.Stop()
	c.sched.Stop()

	if c.tallySub != nil {
		c.tallySub.Close()
	}
	c.agg.Stop()
	c.wg.Wait()
}

// dispatchLoop routes accepted orders straight to the execution engine.
// Stop types rest until triggered.
func (c *core) dispatchLoop() {
	defer c.wg.Done()
	for ev := range c.orderSub.Events() {
		oc, ok := ev.(types.OrderCreatedEvent)
		if !ok || oc.Order.Type.RequiresStopPrice() {
			continue
		}
		if _, err := c.exec.Execute(context.Background(), oc.Order, execution.Options{}); err != nil {
			fmt.Printf("dispatch %s: %v\n", oc.Order.ID, err)
		}
	}
}

func (c *core) tallyLoop() {
	defer c.wg.Done()
	for ev := range c.tallySub.Events() {
		c.mu.Lock()
		c.counts[ev.Kind()]++
		c.mu.Unlock()
	}
}

func (c *core) count(kind types.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

func fundAll(c *core) {
	float := decimal.NewFromInt(100_000_000)
	for _, ccy := range []string{"USD", "EUR", "GBP", "CAD"} {
		if err := c.nostro.Fund(ccy, float); err != nil {
			log.Fatalf("fund nostro %s: %v", ccy, err)
		}
	}
	if err := c.nostro.Fund("JPY", decimal.NewFromInt(10_000_000_000)); err != nil {
		log.Fatalf("fund nostro JPY: %v", err)
	}
	c.openingNostro = c.nostro.Balances()

	deposits := map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(5_000_000),
		"EUR": decimal.NewFromInt(3_000_000),
		"GBP": decimal.NewFromInt(2_000_000),
		"JPY": decimal.NewFromInt(300_000_000),
		"CAD": decimal.NewFromInt(2_000_000),
	}
	for _, user := range simUsers {
		for ccy, amount := range deposits {
			c.accounts.Deposit(user, ccy, amount)
		}
	}
	fmt.Printf("\nfunded %d users and the nostro accounts\n", len(simUsers))
}

// submitOrders places a mix of market and marketable limit orders and
// returns the accepted ids.
func submitOrders(c *core, n int, seed int64) []string {
	rng := rand.New(rand.NewSource(seed + 7))
	ids := make([]string, 0, n)

	for i := 0; i < n; i++ {
		user := simUsers[rng.Intn(len(simUsers))]
		pairKey := simPairs[rng.Intn(len(simPairs))]
		pair, err := types.ParsePair(pairKey)
		if err != nil {
			log.Fatalf("parse pair %s: %v", pairKey, err)
		}
		side := types.OrderSideBuy
		if rng.Intn(2) == 1 {
			side = types.OrderSideSell
		}

		qty := decimal.NewFromInt(int64(5_000 + rng.Intn(30)*5_000))
		params := order.CreateParams{
			Pair:     pairKey,
			Side:     side,
			Type:     types.OrderTypeMarket,
			Quantity: qty,
		}
		// Every third order is a limit placed through the touch so it
		// still executes.
		if i%3 == 2 {
			mid, ok := c.market.Mid(pair)
			if !ok {
				log.Fatalf("no mid for %s", pairKey)
			}
			offset := decimal.NewFromFloat(1.001)
			if side == types.OrderSideSell {
				offset = decimal.NewFromFloat(0.999)
			}
			params.Type = types.OrderTypeLimit
			params.Price = types.RoundPrice(pair, mid.Mul(offset))
		}

		o, err := c.orders.CreateOrder(context.Background(), user, params)
		if err != nil {
			fmt.Printf("order %d rejected: %v\n", i+1, err)
			continue
		}
		ids = append(ids, o.ID)
	}
	fmt.Printf("submitted %d orders, %d accepted\n", n, len(ids))
	return ids
}

// submitRestingStop places one stop order that stays on the book for the
// whole session and is cancelled at the end.
func submitRestingStop(c *core) string {
	pair := types.Pair{Base: "EUR", Quote: "USD"}
	mid, ok := c.market.Mid(pair)
	if !ok {
		return ""
	}
	o, err := c.orders.CreateOrder(context.Background(), simUsers[0], order.CreateParams{
		Pair:      "EUR/USD",
		Side:      types.OrderSideSell,
		Type:      types.OrderTypeStop,
		Quantity:  decimal.NewFromInt(25_000),
		StopPrice: types.RoundPrice(pair, mid.Mul(decimal.NewFromFloat(0.98))),
	})
	if err != nil {
		fmt.Printf("resting stop rejected: %v\n", err)
		return ""
	}
	return o.ID
}

func awaitExecutions(c *core, expected int, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		views := c.exec.ListExecutions("")
		done := len(views) >= expected
		for _, v := range views {
			if !v.Status.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			fmt.Printf("executions finished: %d contexts, %d fills, %d improved\n",
				len(views), c.count(types.EventSliceExecuted), c.exec.ImprovedFillCount())
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("executions still running after %s, continuing\n", wait)
}

// settleCycle fast-forwards the clock past the longest value date and keeps
// processing until every settlement is terminal, covering requeued retries.
func settleCycle(c *core) {
	horizon := time.Now().AddDate(0, 0, 3)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.settle.ProcessDue(horizon)
		if settlementsDone(c) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("settlement cycle incomplete, continuing")
}

func settlementsDone(c *core) bool {
	all := c.settle.ListSettlements("")
	if len(all) == 0 {
		return false
	}
	for _, s := range all {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func reportSession(c *core, submitted []string) {
	ctx := context.Background()

	c.stats.CalculateAll(ctx)
	report, err := c.stats.GenerateDailyReport(ctx, time.Now())
	if err != nil {
		fmt.Printf("daily report: %v\n", err)
	}

	fmt.Println("\n=== orders ===")
	byStatus := make(map[types.OrderStatus]int)
	for _, id := range submitted {
		o, err := c.orders.GetOrder(id)
		if err != nil {
			continue
		}
		byStatus[o.Status]++
	}
	for _, st := range []types.OrderStatus{
		types.OrderStatusFilled, types.OrderStatusPartialFilled,
		types.OrderStatusCancelled, types.OrderStatusExpired,
	} {
		if n := byStatus[st]; n > 0 {
			fmt.Printf("  %-14s %d\n", st, n)
		}
	}

	fmt.Println("\n=== settlements ===")
	settled := c.settle.ListSettlements(types.SettlementStatusSettled)
	rejected := c.settle.ListSettlements(types.SettlementStatusRejected)
	fmt.Printf("  settled %d, rejected %d, netting groups %d, failure events %d\n",
		len(settled), len(rejected),
		c.count(types.EventNettingGroupProcessed), c.count(types.EventSettlementFailed))
	fmt.Printf("  outbound payments %d\n", len(c.rail.Outbound()))

	fmt.Println("\n=== positions ===")
	positions := c.stats.AllPositions()
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].UserID != positions[j].UserID {
			return positions[i].UserID < positions[j].UserID
		}
		return positions[i].Pair.String() < positions[j].Pair.String()
	})
	for _, p := range positions {
		fmt.Printf("  %-6s %-8s qty %14s  avg %10s  realized %s\n",
			p.UserID, p.Pair, p.Quantity.StringFixed(0),
			p.AveragePrice.String(), p.RealizedPnL.StringFixed(2))
	}

	fmt.Println("\n=== nostro movement ===")
	closing := c.nostro.Balances()
	ccys := make([]string, 0, len(closing))
	for ccy := range closing {
		ccys = append(ccys, ccy)
	}
	sort.Strings(ccys)
	for _, ccy := range ccys {
		delta := closing[ccy].Sub(c.openingNostro[ccy])
		if delta.IsZero() {
			continue
		}
		fmt.Printf("  %s %s\n", ccy, delta.StringFixed(2))
	}

	if report != nil {
		fmt.Printf("\n=== daily report %s ===\n", report.Date)
		for _, u := range report.Users {
			fmt.Printf("  %-6s trades %3d  volume %14s  realized %s\n",
				u.UserID, u.TradeCount, u.Volume.StringFixed(0), u.RealizedPnL.StringFixed(2))
		}
		for _, m := range report.Markets {
			fmt.Printf("  %-8s trades %3d  volume %14s  last %s\n",
				m.Pair, m.TradeCount, m.Volume.StringFixed(0), m.LastPrice.String())
		}
	}

	fmt.Printf("\nevents: created %d, fills %d, completed %d, pnl %d, alerts %d\n",
		c.count(types.EventOrderCreated), c.count(types.EventSliceExecuted),
		c.count(types.EventExecutionCompleted), c.count(types.EventPnLCalculated),
		c.count(types.EventOperatorAlert))
}
