// Package analytics is the analytics engine: it consumes fills into per-user
// positions, marks open positions against live rates on a periodic tick,
// derives risk and performance metrics, and produces the end-of-day report.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/rates"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// rateTimeout bounds rate lookups made while applying a single fill.
const rateTimeout = 2 * time.Second

// maxSeriesLen caps the per-user return series consumed by the risk metrics.
const maxSeriesLen = 10080

// Config controls valuation, risk metrics and the daily report.
type Config struct {
	BaseCurrency        string
	PnLInterval         time.Duration
	ReportingCurrencies []string
	DisableRiskMetrics  bool
	// ReportTime is the end-of-day report time as "HH:MM"; empty disables
	// the scheduled report.
	ReportTime     string
	TopTradeCount  int
	MinRiskSamples int
	// Alert thresholds for the daily report; zero disables the alert.
	VaRAlertThreshold           decimal.Decimal
	ConcentrationAlertThreshold decimal.Decimal
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseCurrency:   "USD",
		PnLInterval:    time.Minute,
		TopTradeCount:  5,
		MinRiskSamples: 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseCurrency == "" {
		c.BaseCurrency = def.BaseCurrency
	}
	if c.PnLInterval <= 0 {
		c.PnLInterval = def.PnLInterval
	}
	if c.TopTradeCount <= 0 {
		c.TopTradeCount = def.TopTradeCount
	}
	if c.MinRiskSamples <= 0 {
		c.MinRiskSamples = def.MinRiskSamples
	}
	return c
}

// EquityProvider supplies a user's account equity in base currency for the
// leverage metric. A nil provider reports leverage as zero.
type EquityProvider interface {
	Equity(ctx context.Context, userID string) (decimal.Decimal, error)
}

type posKey struct {
	userID string
	pair   string
}

// markState is the carry-forward valuation of one position. When the rate
// feed is down a tick reuses the prior mark instead of zeroing the number.
type markState struct {
	mark     decimal.Decimal
	upnl     decimal.Decimal
	upnlBase decimal.Decimal
	realBase decimal.Decimal
	at       time.Time
}

// Engine owns positions, snapshots and per-user statistics. Fills arrive
// over the bus or through ApplyFill directly; the P&L loop revalues open
// positions every PnLInterval.
type Engine struct {
	cfg    Config
	rates  rates.Provider
	equity EquityProvider
	bus    *bus.Bus
	logger *logrus.Entry

	locks sync.Map // posKey -> *sync.Mutex

	mu        sync.Mutex
	positions map[posKey]*types.Position
	seen      map[string]struct{}
	marks     map[posKey]markState
	snapshots map[string]*types.PnLSnapshot
	stats     map[string]*userStats
	day       *dayBook

	cron     *cron.Cron
	sub      *bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires the analytics engine. rateSrc marks positions and converts
// currencies; equity may be nil.
func NewEngine(cfg Config, rateSrc rates.Provider, equity EquityProvider, b *bus.Bus) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		rates:     rateSrc,
		equity:    equity,
		bus:       b,
		logger:    logrus.WithField("component", "analytics-engine"),
		positions: make(map[posKey]*types.Position),
		seen:      make(map[string]struct{}),
		marks:     make(map[posKey]markState),
		snapshots: make(map[string]*types.PnLSnapshot),
		stats:     make(map[string]*userStats),
		day:       newDayBook(""),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to fills and launches the P&L loop and, when a report
// time is configured, the daily report job.
func (e *Engine) Start() error {
	if e.bus != nil {
		e.sub = e.bus.Subscribe(types.EventSliceExecuted)
		e.wg.Add(1)
		go e.consumeLoop()
	}
	e.wg.Add(1)
	go e.pnlLoop()

	if e.cfg.ReportTime != "" {
		spec, err := reportCronSpec(e.cfg.ReportTime)
		if err != nil {
			return err
		}
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(spec, e.runScheduledReport); err != nil {
			return fmt.Errorf("schedule daily report: %w", err)
		}
		e.cron.Start()
	}
	return nil
}

// Stop halts the loops and the report schedule.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.sub != nil {
		e.sub.Close()
	}
	if e.cron != nil {
		e.cron.Stop()
	}
	e.wg.Wait()
}

func (e *Engine) consumeLoop() {
	defer e.wg.Done()

	for {
		select {
		case ev, ok := <-e.sub.Events():
			if !ok {
				return
			}
			if fill, ok := ev.(types.SliceExecutedEvent); ok {
				if _, err := e.ApplyFill(fill); err != nil {
					e.logger.WithError(err).WithField("execution_id", fill.Fill.ExecutionID).
						Error("fill dropped")
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) pnlLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PnLInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.CalculateAll(context.Background())
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) publish(ev types.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// lockFor returns the mutex serializing one (user, pair). It is always
// acquired before the engine lock, never after.
func (e *Engine) lockFor(key posKey) *sync.Mutex {
	if l, ok := e.locks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// ApplyFill books one fill into its position. A fill already seen returns
// the current position unchanged; fills for one (user, pair) apply in
// arrival order.
func (e *Engine) ApplyFill(ev types.SliceExecutedEvent) (*types.Position, error) {
	f := ev.Fill
	if f.ExecutionID == "" {
		return nil, types.NewValidationError("execution_id", "missing")
	}
	if f.Quantity.Sign() <= 0 || f.Price.Sign() <= 0 {
		return nil, types.NewValidationError("fill", "quantity and price must be positive")
	}
	if ev.UserID == "" {
		return nil, types.NewValidationError("user_id", "missing")
	}

	key := posKey{userID: ev.UserID, pair: ev.Pair.String()}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if _, dup := e.seen[f.ExecutionID]; dup {
		p := e.positions[key]
		var snap *types.Position
		if p != nil {
			snap = p.Clone()
		}
		e.mu.Unlock()
		return snap, nil
	}
	e.seen[f.ExecutionID] = struct{}{}

	p, ok := e.positions[key]
	if !ok {
		p = &types.Position{UserID: ev.UserID, Pair: ev.Pair}
		e.positions[key] = p
	}
	trade := types.PositionTrade{
		ExecutionID: f.ExecutionID,
		OrderID:     f.OrderID,
		Side:        ev.Side,
		Quantity:    f.Quantity,
		Price:       f.Price,
		Timestamp:   f.Timestamp,
	}
	realized := applyTrade(p, trade)
	e.statsFor(ev.UserID).recordTrade(realized)
	snap := p.Clone()
	e.mu.Unlock()

	// Conversions talk to the rate provider, so they happen outside the
	// engine lock. The per-key lock still serializes them per position.
	ctx, cancel := context.WithTimeout(context.Background(), rateTimeout)
	defer cancel()
	baseNotional := e.toBase(ctx, f.Quantity.Mul(f.Price), ev.Pair.Quote)
	baseRealized := e.toBase(ctx, realized, ev.Pair.Quote)

	e.mu.Lock()
	e.day.record(ev, trade, baseNotional, baseRealized, e.cfg.TopTradeCount)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"user_id":      ev.UserID,
		"pair":         ev.Pair.String(),
		"execution_id": f.ExecutionID,
		"quantity":     snap.Quantity.String(),
		"avg_price":    snap.AveragePrice.String(),
		"realized":     realized.String(),
	}).Debug("fill analyzed")
	e.publish(types.TradeAnalyzedEvent{
		UserID:      ev.UserID,
		OrderID:     f.OrderID,
		ExecutionID: f.ExecutionID,
		Pair:        ev.Pair,
		Quantity:    f.Quantity,
		Price:       f.Price,
		RealizedPnL: realized,
		At:          f.Timestamp,
	})
	return snap, nil
}

// convertBase converts an amount from its local currency into base.
func (e *Engine) convertBase(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	if from == e.cfg.BaseCurrency {
		return amount, nil
	}
	if e.rates == nil {
		return decimal.Decimal{}, fmt.Errorf("convert %s to %s: no rate provider", from, e.cfg.BaseCurrency)
	}
	return e.rates.Convert(ctx, amount, from, e.cfg.BaseCurrency)
}

func (e *Engine) midFor(ctx context.Context, pair types.Pair) (decimal.Decimal, error) {
	if e.rates == nil {
		return decimal.Decimal{}, fmt.Errorf("rate %s: no rate provider", pair)
	}
	rate, err := e.rates.GetRate(ctx, pair.Base, pair.Quote)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return rate.Mid(), nil
}

// toBase converts an amount into base currency, falling back to the
// unconverted amount when no rate is available.
func (e *Engine) toBase(ctx context.Context, amount decimal.Decimal, currency string) decimal.Decimal {
	if amount.IsZero() {
		return amount
	}
	converted, err := e.convertBase(ctx, amount, currency)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"currency": currency,
			"amount":   amount.String(),
		}).Debug("base conversion unavailable")
		return amount
	}
	return converted
}

// GetPosition returns a copy of one position.
func (e *Engine) GetPosition(userID string, pair types.Pair) (*types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[posKey{userID: userID, pair: pair.String()}]
	if !ok {
		return nil, fmt.Errorf("position %s %s: %w", userID, pair, types.ErrNotFound)
	}
	return p.Clone(), nil
}

// ListPositions returns copies of a user's positions, open and flat alike,
// ordered by pair.
func (e *Engine) ListPositions(userID string) []*types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.Position
	for key, p := range e.positions {
		if key.userID == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out
}

// AllPositions returns copies of every tracked position, ordered by user
// then pair.
func (e *Engine) AllPositions() []*types.Position {
	e.mu.Lock()
	out := make([]*types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Pair.String() < out[j].Pair.String()
	})
	return out
}

// OpenPositionCount returns the number of non-flat positions.
func (e *Engine) OpenPositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, p := range e.positions {
		if !p.IsFlat() {
			n++
		}
	}
	return n
}

// LastSnapshot returns the user's snapshot from the most recent tick.
func (e *Engine) LastSnapshot(userID string) (*types.PnLSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.snapshots[userID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", userID, types.ErrNotFound)
	}
	return copySnapshot(s), nil
}

// CalculateAll revalues every user with a position and returns the
// snapshots. It is the body of the P&L tick.
func (e *Engine) CalculateAll(ctx context.Context) []*types.PnLSnapshot {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PnLInterval)
	defer cancel()

	e.mu.Lock()
	users := make(map[string]struct{})
	for key := range e.positions {
		users[key.userID] = struct{}{}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*types.PnLSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := e.CalculatePnL(ctx, id)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", id).Error("pnl calculation failed")
			continue
		}
		out = append(out, snap)
	}
	return out
}

// CalculatePnL revalues one user's positions against current mids and
// converts totals and exposure into base currency. A missing or stale rate
// carries the prior value forward flagged stale and marks the snapshot
// partial; it never silently zeroes a number.
func (e *Engine) CalculatePnL(ctx context.Context, userID string) (*types.PnLSnapshot, error) {
	now := time.Now()

	e.mu.Lock()
	var positions []*types.Position
	priorMarks := make(map[posKey]markState)
	for key, p := range e.positions {
		if key.userID != userID {
			continue
		}
		positions = append(positions, p.Clone())
		if m, ok := e.marks[key]; ok {
			priorMarks[key] = m
		}
	}
	e.mu.Unlock()
	if len(positions) == 0 {
		return nil, fmt.Errorf("positions %s: %w", userID, types.ErrNotFound)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Pair.String() < positions[j].Pair.String() })

	snap := &types.PnLSnapshot{
		UserID:       userID,
		BaseCurrency: e.cfg.BaseCurrency,
		Exposure:     make(map[string]types.CurrencyExposure),
		CalculatedAt: now,
	}
	newMarks := make(map[posKey]markState)
	exposure := make(map[string]decimal.Decimal)

	for _, p := range positions {
		key := posKey{userID: userID, pair: p.Pair.String()}
		prior := priorMarks[key]
		state := prior
		state.at = now

		// Realized P&L accrues in quote currency; convert for the total.
		if p.RealizedPnL.IsZero() {
			state.realBase = decimal.Zero
		} else if conv, err := e.convertBase(ctx, p.RealizedPnL, p.Pair.Quote); err == nil {
			state.realBase = conv
		} else {
			snap.Partial = true
			if prior.at.IsZero() {
				state.realBase = p.RealizedPnL
			}
		}
		snap.RealizedPnL = snap.RealizedPnL.Add(state.realBase)

		if p.IsFlat() {
			newMarks[key] = state
			continue
		}

		pos := types.PositionPnL{
			Pair:         p.Pair,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
		}
		mid, err := e.midFor(ctx, p.Pair)
		if err != nil {
			// Carry the prior valuation forward rather than reporting a
			// silent zero.
			pos.Stale = true
			snap.Partial = true
			pos.MarkPrice = prior.mark
			pos.UnrealizedPnL = prior.upnl
		} else {
			state.mark = mid
			state.upnl = p.Quantity.Mul(mid.Sub(p.AveragePrice))
			pos.MarkPrice = mid
			pos.UnrealizedPnL = state.upnl
			if conv, cerr := e.convertBase(ctx, state.upnl, p.Pair.Quote); cerr == nil {
				state.upnlBase = conv
			} else {
				snap.Partial = true
			}
		}
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(state.upnlBase)
		snap.Positions = append(snap.Positions, pos)
		newMarks[key] = state

		mark := pos.MarkPrice
		if mark.IsZero() {
			mark = p.AveragePrice
		}
		exposure[p.Pair.Base] = exposure[p.Pair.Base].Add(p.Quantity)
		exposure[p.Pair.Quote] = exposure[p.Pair.Quote].Sub(p.Quantity.Mul(mark))
	}

	for _, ccy := range e.cfg.ReportingCurrencies {
		if _, ok := exposure[ccy]; !ok {
			exposure[ccy] = decimal.Zero
		}
	}
	for ccy, local := range exposure {
		entry := types.CurrencyExposure{Currency: ccy, LocalAmount: local}
		if conv, err := e.convertBase(ctx, local, ccy); err == nil {
			entry.BaseCurrencyAmount = &conv
		} else {
			// Conversion gap: base amount stays nil.
			snap.Partial = true
		}
		snap.Exposure[ccy] = entry
	}

	snap.TotalPnL = snap.RealizedPnL.Add(snap.UnrealizedPnL)

	e.mu.Lock()
	for key, m := range newMarks {
		e.marks[key] = m
	}
	if prev, ok := e.snapshots[userID]; ok {
		delta, _ := snap.TotalPnL.Sub(prev.TotalPnL).Float64()
		e.statsFor(userID).recordReturn(delta)
	}
	e.snapshots[userID] = copySnapshot(snap)
	e.mu.Unlock()

	e.publish(types.PnLCalculatedEvent{Snapshot: copySnapshot(snap), At: now})
	return snap, nil
}

// statsFor returns the user's stats record. Callers hold e.mu.
func (e *Engine) statsFor(userID string) *userStats {
	s, ok := e.stats[userID]
	if !ok {
		s = newUserStats()
		e.stats[userID] = s
	}
	return s
}

func copySnapshot(s *types.PnLSnapshot) *types.PnLSnapshot {
	cp := *s
	cp.Positions = append([]types.PositionPnL(nil), s.Positions...)
	cp.Exposure = make(map[string]types.CurrencyExposure, len(s.Exposure))
	for ccy, ex := range s.Exposure {
		if ex.BaseCurrencyAmount != nil {
			amt := *ex.BaseCurrencyAmount
			ex.BaseCurrencyAmount = &amt
		}
		cp.Exposure[ccy] = ex
	}
	return &cp
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// reportCronSpec turns "HH:MM" into a cron expression.
func reportCronSpec(s string) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("invalid report time %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("invalid report time %q", s)
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}

func (e *Engine) runScheduledReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.GenerateDailyReport(ctx, time.Now()); err != nil {
		e.logger.WithError(err).Error("daily report failed")
	}
}
