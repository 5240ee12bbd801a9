// Package settlement implements the settlement engine: every fill becomes a
// two-leg obligation, due obligations are netted per counterparty and value
// date, and the resulting legs move over the payment system against the
// nostro ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/compliance"
	"github.com/mExOms/fxcore/internal/payment"
	"github.com/mExOms/fxcore/internal/scheduler"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// Config controls cycles, netting and the retry policy.
type Config struct {
	DefaultCycle   types.SettlementCycle
	CycleOverrides map[string]types.SettlementCycle
	DisableNetting bool
	MinNetAmount   decimal.Decimal
	RetryAttempts  int
	RetryDelay     time.Duration
	TickInterval   time.Duration
	Cutoffs        map[types.SettlementCycle]string
}

// DefaultConfig returns the documented defaults. USD/CAD conventionally
// settles a day earlier than the T+2 norm.
func DefaultConfig() Config {
	return Config{
		DefaultCycle: types.CycleT2,
		CycleOverrides: map[string]types.SettlementCycle{
			"USD/CAD": types.CycleT1,
		},
		MinNetAmount:  decimal.NewFromFloat(0.01),
		RetryAttempts: 3,
		RetryDelay:    30 * time.Second,
		TickInterval:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if !c.DefaultCycle.Valid() {
		c.DefaultCycle = def.DefaultCycle
	}
	if c.CycleOverrides == nil {
		c.CycleOverrides = def.CycleOverrides
	}
	if c.MinNetAmount.Sign() <= 0 {
		c.MinNetAmount = def.MinNetAmount
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	return c
}

// Engine owns settlements and netting batches. Fills arrive over the bus,
// the processor tick works the due pool, and failed settlements re-enter it
// through the scheduler.
type Engine struct {
	cfg      Config
	cutoffs  map[types.SettlementCycle]cutoff
	payments payment.System
	nostro   *payment.NostroLedger
	checker  compliance.Checker
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	logger   *logrus.Entry

	mu          sync.Mutex
	settlements map[string]*types.Settlement
	byFill      map[string]string
	batches     map[string]*types.NettingBatch
	batchRetry  map[string]int

	sub      *bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires the settlement engine. checker may be nil to skip the
// pre-settlement compliance screen.
func NewEngine(cfg Config, payments payment.System, nostro *payment.NostroLedger, checker compliance.Checker, sched *scheduler.Scheduler, b *bus.Bus) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		cutoffs:     make(map[types.SettlementCycle]cutoff, len(cfg.Cutoffs)),
		payments:    payments,
		nostro:      nostro,
		checker:     checker,
		sched:       sched,
		bus:         b,
		logger:      logrus.WithField("component", "settlement-engine"),
		settlements: make(map[string]*types.Settlement),
		byFill:      make(map[string]string),
		batches:     make(map[string]*types.NettingBatch),
		batchRetry:  make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	for cycle, spec := range cfg.Cutoffs {
		c, err := parseCutoff(spec)
		if err != nil {
			e.logger.WithError(err).WithField("cycle", cycle).Warn("cutoff ignored")
			continue
		}
		e.cutoffs[cycle] = c
	}
	return e
}

// Start subscribes to fills and launches the processor tick.
func (e *Engine) Start() {
	if e.bus != nil {
		e.sub = e.bus.Subscribe(types.EventSliceExecuted)
		e.wg.Add(1)
		go e.consumeLoop()
	}
	e.wg.Add(1)
	go e.processLoop()
}

// Stop halts the loops. Scheduled retries die with the shared scheduler.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.sub != nil {
		e.sub.Close()
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
				if _, err := e.CreateFromFill(fill); err != nil {
					e.logger.WithError(err).WithField("execution_id", fill.Fill.ExecutionID).
						Error("settlement creation failed")
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) processLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.ProcessDue(now)
		case <-e.stopCh:
			return
		}
	}
}

func newSettlementID() string { return "stl_" + uuid.NewString() }

func (e *Engine) publish(ev types.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) alert(message, refID string) {
	e.logger.WithField("ref_id", refID).Error(message)
	e.publish(types.OperatorAlertEvent{
		Severity: "critical", Component: "settlement-engine", Message: message, RefID: refID, At: time.Now(),
	})
}

// cycleFor resolves the settlement cycle for a pair.
func (e *Engine) cycleFor(pair types.Pair) types.SettlementCycle {
	if c, ok := e.cfg.CycleOverrides[pair.String()]; ok && c.Valid() {
		return c
	}
	return e.cfg.DefaultCycle
}

// CreateFromFill turns one fill into a settlement. A fill already seen
// returns its existing settlement unchanged.
func (e *Engine) CreateFromFill(ev types.SliceExecutedEvent) (*types.Settlement, error) {
	fill := ev.Fill
	if fill.ExecutionID == "" {
		return nil, types.NewValidationError("execution_id", "missing")
	}
	if fill.Quantity.Sign() <= 0 || fill.Price.Sign() <= 0 {
		return nil, types.NewValidationError("fill", "quantity and price must be positive")
	}

	e.mu.Lock()
	if id, seen := e.byFill[fill.ExecutionID]; seen {
		s := copySettlement(e.settlements[id])
		e.mu.Unlock()
		return s, nil
	}

	now := time.Now()
	gross := types.RoundAmount(ev.Pair.Quote, fill.Quantity.Mul(fill.Price))
	cycle := e.cycleFor(ev.Pair)
	date := AddBusinessDays(fill.Timestamp, cycle.Days())

	s := &types.Settlement{
		ID:             newSettlementID(),
		TradeID:        fill.ExecutionID,
		UserID:         ev.UserID,
		CounterpartyID: fill.ProviderID,
		Pair:           ev.Pair,
		Side:           ev.Side,
		Quantity:       fill.Quantity,
		Price:          fill.Price,
		GrossAmount:    gross,
		NetAmount:      gross.Sub(fill.Commission),
		Cycle:          cycle,
		SettlementDate: date,
		ValueDate:      date,
		Status:         types.SettlementStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	base := types.SettlementLeg{Currency: ev.Pair.Base, Amount: fill.Quantity, Status: types.LegStatusPending}
	quote := types.SettlementLeg{Currency: ev.Pair.Quote, Amount: gross, Status: types.LegStatusPending}
	if ev.Side == types.OrderSideBuy {
		base.Type, quote.Type = types.LegReceive, types.LegPay
	} else {
		base.Type, quote.Type = types.LegPay, types.LegReceive
	}
	s.Legs = [2]types.SettlementLeg{base, quote}

	e.settlements[s.ID] = s
	e.byFill[fill.ExecutionID] = s.ID
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"settlement_id":   s.ID,
		"trade_id":        s.TradeID,
		"counterparty":    s.CounterpartyID,
		"pair":            s.Pair.String(),
		"gross":           s.GrossAmount.String(),
		"cycle":           s.Cycle,
		"settlement_date": s.SettlementDate.Format("2006-01-02"),
	}).Info("settlement created")
	e.publish(types.SettlementCreatedEvent{Settlement: copySettlement(s), At: now})
	return copySettlement(s), nil
}

func copySettlement(s *types.Settlement) *types.Settlement {
	cp := *s
	return &cp
}

// setStatusLocked applies one allow-listed transition. Callers hold e.mu.
func (e *Engine) setStatusLocked(s *types.Settlement, to types.SettlementStatus, reason string, at time.Time) error {
	if !types.CanTransitionSettlement(s.Status, to) {
		return &types.StateConflictError{
			Entity: "settlement", ID: s.ID, State: string(s.Status), Op: "transition to " + string(to),
		}
	}
	s.Status = to
	s.UpdatedAt = at
	if reason != "" && (to == types.SettlementStatusFailed || to == types.SettlementStatusRejected) {
		s.FailureReason = reason
	}
	return nil
}

// dueLocked reports whether a settlement has reached its date, and its
// cycle's cutoff when one is configured.
func (e *Engine) dueLocked(s *types.Settlement, now time.Time) bool {
	day := dayOf(s.SettlementDate)
	today := dayOf(now)
	if day.After(today) {
		return false
	}
	if day.Before(today) {
		return true
	}
	c, ok := e.cutoffs[s.Cycle]
	if !ok {
		return true
	}
	return !now.Before(c.onDay(now))
}

type groupKey struct {
	counterparty string
	day          string
}

// ProcessDue works the due pool once: screen compliance, group by
// counterparty and date, then settle netted batches or individual
// obligations. It returns how many settlements were picked up.
func (e *Engine) ProcessDue(now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickInterval)
	defer cancel()

	e.mu.Lock()
	var due []*types.Settlement
	for _, s := range e.settlements {
		if s.Status == types.SettlementStatusPending && e.dueLocked(s, now) {
			if err := e.setStatusLocked(s, types.SettlementStatusProcessing, "", now); err == nil {
				due = append(due, s)
			}
		}
	}
	e.mu.Unlock()
	if len(due) == 0 {
		return 0
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})

	groups := make(map[groupKey][]*types.Settlement)
	var keys []groupKey
	for _, s := range due {
		if !e.screen(ctx, s, now) {
			continue
		}
		key := groupKey{counterparty: s.CounterpartyID, day: dayOf(s.SettlementDate).Format("2006-01-02")}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], s)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].counterparty != keys[j].counterparty {
			return keys[i].counterparty < keys[j].counterparty
		}
		return keys[i].day < keys[j].day
	})

	for _, key := range keys {
		members := groups[key]
		if !e.cfg.DisableNetting && len(members) > 1 {
			e.processBatch(ctx, key.counterparty, dayOf(members[0].SettlementDate), members, now)
			continue
		}
		for _, s := range members {
			e.processSingle(ctx, s, now)
		}
	}
	return len(due)
}

// screen runs the pre-settlement compliance check. A veto is fatal; a check
// error counts as a transient failure.
func (e *Engine) screen(ctx context.Context, s *types.Settlement, now time.Time) bool {
	if e.checker == nil {
		return true
	}
	assessment, err := e.checker.CheckSettlement(ctx, copySettlement(s))
	if err != nil {
		e.failTransient(s, fmt.Sprintf("compliance check: %v", err), now)
		return false
	}
	for _, w := range assessment.Warnings {
		e.logger.WithField("settlement_id", s.ID).Warn(w)
	}
	if !assessment.Approved {
		e.rejectSettlement(s, "compliance: "+assessment.Reason, now)
		e.alert(fmt.Sprintf("settlement %s vetoed by compliance: %s", s.ID, assessment.Reason), s.ID)
		return false
	}
	return true
}

// processSingle settles one obligation leg by leg, pay side first. Completed
// legs survive retries.
func (e *Engine) processSingle(ctx context.Context, s *types.Settlement, now time.Time) {
	for _, idx := range payLegsFirst(s.Legs[:]) {
		e.mu.Lock()
		leg := s.Legs[idx]
		e.mu.Unlock()
		if leg.Status == types.LegStatusCompleted {
			continue
		}

		paymentID, err := e.moveLeg(ctx, leg, s.CounterpartyID, s.ID, s.ValueDate)
		if err != nil {
			var se *types.SettlementError
			if errors.As(err, &se) && se.Fatal {
				e.rejectSettlement(s, se.Reason, now)
				e.alert(fmt.Sprintf("settlement %s: %s", s.ID, se.Reason), s.ID)
			} else {
				e.failTransient(s, err.Error(), now)
			}
			return
		}

		e.mu.Lock()
		s.Legs[idx].Status = types.LegStatusCompleted
		s.Legs[idx].PaymentID = paymentID
		s.UpdatedAt = now
		e.mu.Unlock()
	}

	e.mu.Lock()
	err := e.setStatusLocked(s, types.SettlementStatusSettled, "", now)
	e.mu.Unlock()
	if err != nil {
		e.logger.WithError(err).WithField("settlement_id", s.ID).Error("settle transition refused")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"counterparty":  s.CounterpartyID,
		"gross":         s.GrossAmount.String(),
	}).Info("settlement settled")
	e.publish(types.SettlementProcessedEvent{
		SettlementID: s.ID, Status: types.SettlementStatusSettled, At: now,
	})
}

// moveLeg executes one cash movement and returns the payment id for pay
// legs. Nostro shortfalls are fatal; everything else is worth retrying.
func (e *Engine) moveLeg(ctx context.Context, leg types.SettlementLeg, counterpartyID, reference string, valueDate time.Time) (string, error) {
	switch leg.Type {
	case types.LegPay:
		if err := e.nostro.Debit(leg.Currency, leg.Amount); err != nil {
			if errors.Is(err, types.ErrInsufficientFunds) {
				return "", &types.SettlementError{
					SettlementID: reference, Fatal: true,
					Reason: fmt.Sprintf("nostro shortfall on %s pay leg: %v", leg.Currency, err),
					Err:    err,
				}
			}
			return "", fmt.Errorf("nostro debit %s: %w", leg.Currency, err)
		}
		instr := payment.NewInstruction(leg.Currency, leg.Amount, counterpartyID, reference, valueDate)
		receipt, err := e.payments.SubmitPayment(ctx, instr)
		if err != nil {
			// The debit never left the building; put it back.
			if crErr := e.nostro.Credit(leg.Currency, leg.Amount); crErr != nil {
				e.alert(fmt.Sprintf("refund after failed payment %s: %v", reference, crErr), reference)
			}
			return "", fmt.Errorf("submit payment %s %s: %w", leg.Amount, leg.Currency, err)
		}
		return receipt.PaymentID, nil

	case types.LegReceive:
		arrived, err := e.payments.CheckIncomingPayment(ctx, leg.Currency, leg.Amount, counterpartyID, reference)
		if err != nil {
			return "", fmt.Errorf("check incoming %s %s: %w", leg.Amount, leg.Currency, err)
		}
		if !arrived {
			return "", fmt.Errorf("incoming payment %s %s not yet received", leg.Amount, leg.Currency)
		}
		if err := e.nostro.Credit(leg.Currency, leg.Amount); err != nil {
			return "", fmt.Errorf("nostro credit %s: %w", leg.Currency, err)
		}
		return "", nil
	}
	return "", fmt.Errorf("unknown leg type %q", leg.Type)
}

// failTransient books one failed attempt and schedules the retry, or
// rejects the settlement once attempts are exhausted.
func (e *Engine) failTransient(s *types.Settlement, reason string, now time.Time) {
	e.mu.Lock()
	if err := e.setStatusLocked(s, types.SettlementStatusFailed, reason, now); err != nil {
		e.mu.Unlock()
		e.logger.WithError(err).WithField("settlement_id", s.ID).Error("fail transition refused")
		return
	}
	s.RetryCount++
	retry := s.RetryCount
	exhausted := retry > e.cfg.RetryAttempts
	if exhausted {
		e.setStatusLocked(s, types.SettlementStatusRejected, "retries exhausted: "+reason, now)
	}
	e.mu.Unlock()

	if exhausted {
		e.logger.WithFields(logrus.Fields{
			"settlement_id": s.ID,
			"retries":       retry - 1,
			"reason":        reason,
		}).Error("settlement retries exhausted")
		e.publish(types.SettlementFailedEvent{
			SettlementID: s.ID, Reason: reason, Fatal: true, RetryCount: retry - 1, At: now,
		})
		e.alert(fmt.Sprintf("settlement %s rejected after %d retries: %s", s.ID, retry-1, reason), s.ID)
		return
	}

	delay := time.Duration(retry) * e.cfg.RetryDelay
	e.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"retry":         retry,
		"delay":         delay.String(),
		"reason":        reason,
	}).Warn("settlement failed, retry scheduled")
	e.publish(types.SettlementFailedEvent{
		SettlementID: s.ID, Reason: reason, Fatal: false, RetryCount: retry, At: now,
	})
	if e.sched != nil {
		id := s.ID
		e.sched.Schedule("settle:"+id, delay, func() { e.requeue(id) })
	}
}

// requeue puts a failed settlement back into the pending pool.
func (e *Engine) requeue(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.settlements[id]
	if !ok || s.Status != types.SettlementStatusFailed {
		return
	}
	if err := e.setStatusLocked(s, types.SettlementStatusPending, "", time.Now()); err == nil {
		e.logger.WithField("settlement_id", id).Debug("settlement requeued")
	}
}

// rejectSettlement is the fatal path: no retry, ever.
func (e *Engine) rejectSettlement(s *types.Settlement, reason string, now time.Time) {
	e.mu.Lock()
	err := e.setStatusLocked(s, types.SettlementStatusRejected, reason, now)
	e.mu.Unlock()
	if err != nil {
		e.logger.WithError(err).WithField("settlement_id", s.ID).Error("reject transition refused")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"reason":        reason,
	}).Error("settlement rejected")
	e.publish(types.SettlementFailedEvent{
		SettlementID: s.ID, Reason: reason, Fatal: true, RetryCount: s.RetryCount, At: now,
	})
}

// GetSettlement returns a copy of one settlement.
func (e *Engine) GetSettlement(id string) (*types.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, types.ErrNotFound)
	}
	return copySettlement(s), nil
}

// SettlementForFill returns the settlement created for a fill's execution
// id.
func (e *Engine) SettlementForFill(executionID string) (*types.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.byFill[executionID]
	if !ok {
		return nil, fmt.Errorf("fill %s: %w", executionID, types.ErrNotFound)
	}
	return copySettlement(e.settlements[id]), nil
}

// ListSettlements returns copies of all settlements, optionally filtered by
// status.
func (e *Engine) ListSettlements(status types.SettlementStatus) []*types.Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.Settlement, 0, len(e.settlements))
	for _, s := range e.settlements {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, copySettlement(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetBatch returns a copy of one netting batch.
func (e *Engine) GetBatch(id string) (*types.NettingBatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, types.ErrNotFound)
	}
	return copyBatch(b), nil
}

// PendingCount returns how many settlements wait in the pool.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.settlements {
		if s.Status == types.SettlementStatusPending {
			n++
		}
	}
	return n
}

// PurgeTerminal drops settled and rejected settlements last touched before
// cutoff, together with any batch whose members are all gone, and returns
// how many settlements were removed. Terminal settlements are archived from
// their processed/failed events before the retention window elapses.
func (e *Engine) PurgeTerminal(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, s := range e.settlements {
		if !s.Status.IsTerminal() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(e.settlements, id)
		delete(e.byFill, s.TradeID)
		removed++
	}
	for id, b := range e.batches {
		live := false
		for _, sid := range b.SettlementIDs {
			if _, ok := e.settlements[sid]; ok {
				live = true
				break
			}
		}
		if !live {
			delete(e.batches, id)
			delete(e.batchRetry, id)
		}
	}
	if removed > 0 {
		e.logger.WithField("count", removed).Info("purged terminal settlements")
	}
	return removed
}

func copyBatch(b *types.NettingBatch) *types.NettingBatch {
	cp := *b
	cp.SettlementIDs = append([]string(nil), b.SettlementIDs...)
	cp.Legs = append([]types.SettlementLeg(nil), b.Legs...)
	cp.NetAmounts = make(map[string]decimal.Decimal, len(b.NetAmounts))
	for ccy, amt := range b.NetAmounts {
		cp.NetAmounts[ccy] = amt
	}
	return &cp
}
