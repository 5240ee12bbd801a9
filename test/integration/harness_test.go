package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

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

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustPair(t *testing.T, s string) types.Pair {
	t.Helper()
	p, err := types.ParsePair(s)
	require.NoError(t, err)
	return p
}

// venue wraps a simulated provider so a test can take it offline mid flight.
// While down, every call returns a retryable provider error, which is what a
// real venue outage looks like to the router.
type venue struct {
	*sim.Provider
	down atomic.Bool
}

func (v *venue) setDown(d bool) { v.down.Store(d) }

func (v *venue) Quote(ctx context.Context, pair types.Pair, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	if v.down.Load() {
		return types.Quote{}, &types.ProviderError{
			Provider: v.Name(), Op: "quote", Retryable: true,
			Err: errors.New("venue offline"),
		}
	}
	return v.Provider.Quote(ctx, pair, side, quantity)
}

func (v *venue) Execute(ctx context.Context, req types.ExecRequest) (types.ExecResult, error) {
	if v.down.Load() {
		return types.ExecResult{}, &types.ProviderError{
			Provider: v.Name(), Op: "execute", Retryable: true,
			Err: errors.New("venue offline"),
		}
	}
	return v.Provider.Execute(ctx, req)
}

// venueSpec pairs the simulated venue shape with its routing config. The two
// Name fields must agree.
type venueSpec struct {
	sim sim.ProviderConfig
	cfg types.ProviderConfig
}

// rigParams tweaks the default rig. Zero values keep the defaults: one frozen
// EUR/USD market at 1.1000, one clean venue, one clean rate feed, a clean
// payment rail and a permissive rule engine.
type rigParams struct {
	mids     map[string]decimal.Decimal
	venues   []venueSpec
	rules    compliance.RuleConfig
	rail     sim.PaymentConfig
	settleCfg *settlement.Config
	execCfg  *execution.Config
}

// rig is a complete trading core wired against the simulated venues, started
// and torn down with the test. The market never walks, so every quote and
// fill price is a deterministic function of the configured mids and spreads.
type rig struct {
	t *testing.T

	bus      *bus.Bus
	market   *sim.Market
	rates    *rates.Aggregator
	rules    *compliance.RuleEngine
	accounts *account.InMemory
	nostro   *payment.NostroLedger
	rail     *sim.PaymentSystem
	sched    *scheduler.Scheduler
	registry *provider.Registry
	venues   map[string]*venue

	orders *order.Manager
	exec   *execution.Engine
	settle *settlement.Engine
	stats  *analytics.Engine
}

func defaultVenues() []venueSpec {
	return []venueSpec{{
		sim: sim.ProviderConfig{Name: "bank_a", SpreadBps: 2, Seed: 17},
		cfg: types.ProviderConfig{
			Name: "bank_a", Priority: 1,
			MaxOrderSize: decimal.NewFromInt(5_000_000),
			Enabled:      true,
		},
	}}
}

func newRig(t *testing.T, params rigParams) *rig {
	t.Helper()

	mids := params.mids
	if mids == nil {
		mids = map[string]decimal.Decimal{"EUR/USD": dec("1.1000")}
	}
	specs := params.venues
	if specs == nil {
		specs = defaultVenues()
	}

	r := &rig{
		t:        t,
		bus:      bus.New(1024),
		accounts: account.NewInMemory(),
		nostro:   payment.NewNostroLedger(),
		sched:    scheduler.New(),
		registry: provider.NewRegistry(),
		venues:   make(map[string]*venue, len(specs)),
	}
	r.market = sim.NewMarket(1, mids)

	feed := sim.NewRateSource(sim.RateSourceConfig{
		Name: "feed_a", SpreadBps: 2, Quality: 0.95, Seed: 11,
	}, r.market)
	r.rates = rates.NewAggregator(10*time.Second, feed)

	for _, spec := range specs {
		v := &venue{Provider: sim.NewProvider(spec.sim, r.market)}
		_, err := r.registry.Register(v, spec.cfg)
		require.NoError(t, err)
		r.venues[spec.cfg.Name] = v
	}

	// The settlement engine pays out of the firm's own accounts; float them
	// so no test trips over an empty ledger by accident.
	seen := map[string]bool{}
	for key := range mids {
		p := mustPair(t, key)
		for _, ccy := range []string{p.Base, p.Quote} {
			if seen[ccy] {
				continue
			}
			seen[ccy] = true
			float := decimal.NewFromInt(1_000_000)
			if ccy == "JPY" {
				float = decimal.NewFromInt(100_000_000)
			}
			require.NoError(t, r.nostro.Fund(ccy, float))
		}
	}

	r.rules = compliance.NewRuleEngine(params.rules)
	r.rail = sim.NewPaymentSystem(params.rail)

	orderCfg := order.DefaultConfig()
	orderCfg.SweepInterval = time.Hour // sweeps run under test control
	r.orders = order.NewManager(orderCfg, r.accounts, r.rates, r.rules, r.bus)

	execCfg := execution.DefaultConfig()
	execCfg.TickInterval = 5 * time.Millisecond
	execCfg.DefaultTimeLimit = 5 * time.Second
	execCfg.WorkerPoolSize = 4
	if params.execCfg != nil {
		execCfg = *params.execCfg
	}
	r.exec = execution.NewEngine(execCfg, r.orders, r.registry, r.rates, r.bus)

	settleCfg := settlement.DefaultConfig()
	settleCfg.RetryAttempts = 2
	settleCfg.RetryDelay = 20 * time.Millisecond
	settleCfg.TickInterval = 50 * time.Millisecond
	if params.settleCfg != nil {
		settleCfg = *params.settleCfg
	}
	r.settle = settlement.NewEngine(settleCfg, r.rail, r.nostro, r.rules, r.sched, r.bus)

	r.stats = analytics.NewEngine(analytics.Config{
		BaseCurrency: "USD",
		PnLInterval:  time.Hour, // snapshots run under test control
	}, r.rates, sim.NewEquityService(r.accounts, r.rates, "USD"), r.bus)

	r.orders.Start()
	r.exec.Start()
	r.settle.Start()
	require.NoError(t, r.stats.Start())

	t.Cleanup(func() {
		r.exec.Stop()
		r.orders.Stop()
		r.settle.Stop()
		r.stats.Stop()
		r.sched.Stop()
		r.rates.Stop()
		r.bus.Close()
	})
	return r
}

func (r *rig) fund(userID, currency, amount string) {
	r.accounts.Deposit(userID, currency, dec(amount))
}

func (r *rig) balance(userID, currency string) account.Balance {
	r.t.Helper()
	acc, err := r.accounts.GetUserAccount(context.Background(), userID, currency)
	require.NoError(r.t, err)
	bal, err := r.accounts.GetBalance(context.Background(), acc.ID)
	require.NoError(r.t, err)
	return bal
}

func (r *rig) createOrder(userID string, params order.CreateParams) *types.Order {
	r.t.Helper()
	o, err := r.orders.CreateOrder(context.Background(), userID, params)
	require.NoError(r.t, err)
	return o
}

// executeAndWait hands the order to the execution engine and blocks until the
// execution context is terminal.
func (r *rig) executeAndWait(o *types.Order, opts execution.Options) execution.View {
	r.t.Helper()
	id, err := r.exec.Execute(context.Background(), o, opts)
	require.NoError(r.t, err)

	var view execution.View
	require.Eventually(r.t, func() bool {
		v, err := r.exec.GetExecution(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "execution %s never went terminal", id)
	return view
}

func (r *rig) getOrder(id string) *types.Order {
	r.t.Helper()
	o, err := r.orders.GetOrder(id)
	require.NoError(r.t, err)
	return o
}

// waitPosition blocks until the user's position reaches the wanted quantity.
// Position updates arrive over the bus, one hop behind the fills.
func (r *rig) waitPosition(userID string, pair types.Pair, quantity string) *types.Position {
	r.t.Helper()
	var pos *types.Position
	require.Eventually(r.t, func() bool {
		p, err := r.stats.GetPosition(userID, pair)
		if err != nil {
			return false
		}
		pos = p
		return p.Quantity.Equal(dec(quantity))
	}, 5*time.Second, 10*time.Millisecond, "position %s %s never reached %s", userID, pair, quantity)
	return pos
}

// waitSettlementCount blocks until the engine holds n live settlements.
func (r *rig) waitSettlementCount(n int) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		return r.settle.PendingCount() == n
	}, 5*time.Second, 10*time.Millisecond, "settlement count never reached %d", n)
}

func (r *rig) liveSettlements() int {
	live := 0
	for _, status := range []types.SettlementStatus{
		types.SettlementStatusPending,
		types.SettlementStatusProcessing,
		types.SettlementStatusFailed,
	} {
		live += len(r.settle.ListSettlements(status))
	}
	return live
}

// settleAll fast-forwards the settlement clock to horizon and keeps
// processing until every settlement is terminal. Failed settlements requeue
// off the retry scheduler, so one pass is not enough.
func (r *rig) settleAll(horizon time.Time) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		r.settle.ProcessDue(horizon)
		return r.liveSettlements() == 0
	}, 5*time.Second, 10*time.Millisecond, "settlements never drained")
}

// recorder captures bus events of the subscribed kinds for later assertions.
type recorder struct {
	sub *bus.Subscription

	mu     sync.Mutex
	events []types.Event
}

func (r *rig) record(kinds ...types.EventKind) *recorder {
	rec := &recorder{sub: r.bus.Subscribe(kinds...)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range rec.sub.Events() {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	r.t.Cleanup(func() {
		rec.sub.Close()
		<-done
	})
	return rec
}

func (rec *recorder) ofKind(kind types.EventKind) []types.Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []types.Event
	for _, ev := range rec.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until an event of kind passes the match predicate and
// returns it. A nil match accepts any event of the kind.
func (rec *recorder) waitFor(t *testing.T, kind types.EventKind, match func(types.Event) bool) types.Event {
	t.Helper()
	var found types.Event
	require.Eventually(t, func() bool {
		for _, ev := range rec.ofKind(kind) {
			if match == nil || match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no %s event arrived", kind)
	return found
}
