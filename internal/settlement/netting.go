package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

func newBatchID() string { return "bat_" + uuid.NewString() }

// buildBatch collapses one (counterparty, settlement date) group into net
// per-currency obligations. Receives count positive, pays negative; nets
// inside the dust threshold produce no leg.
func buildBatch(counterpartyID string, date time.Time, members []*types.Settlement, minNet decimal.Decimal, now time.Time) *types.NettingBatch {
	batch := &types.NettingBatch{
		ID:             newBatchID(),
		CounterpartyID: counterpartyID,
		SettlementDate: date,
		SettlementIDs:  make([]string, 0, len(members)),
		NetAmounts:     make(map[string]decimal.Decimal),
		Status:         types.BatchStatusPending,
		CreatedAt:      now,
	}

	for _, s := range members {
		batch.SettlementIDs = append(batch.SettlementIDs, s.ID)
		if r := s.ReceiveLeg(); r != nil {
			batch.NetAmounts[r.Currency] = batch.NetAmounts[r.Currency].Add(r.Amount)
		}
		if p := s.PayLeg(); p != nil {
			batch.NetAmounts[p.Currency] = batch.NetAmounts[p.Currency].Sub(p.Amount)
		}
	}

	currencies := make([]string, 0, len(batch.NetAmounts))
	for ccy := range batch.NetAmounts {
		currencies = append(currencies, ccy)
	}
	sort.Strings(currencies)

	for _, ccy := range currencies {
		net := batch.NetAmounts[ccy]
		if net.Abs().LessThanOrEqual(minNet) {
			continue
		}
		leg := types.SettlementLeg{
			Type:     types.LegReceive,
			Currency: ccy,
			Amount:   net,
			Status:   types.LegStatusPending,
		}
		if net.Sign() < 0 {
			leg.Type = types.LegPay
			leg.Amount = net.Abs()
		}
		batch.Legs = append(batch.Legs, leg)
	}
	return batch
}

// payLegsFirst orders batch leg indices so outbound cash moves before we
// look for inbound confirmations.
func payLegsFirst(legs []types.SettlementLeg) []int {
	order := make([]int, 0, len(legs))
	for i := range legs {
		if legs[i].Type == types.LegPay {
			order = append(order, i)
		}
	}
	for i := range legs {
		if legs[i].Type == types.LegReceive {
			order = append(order, i)
		}
	}
	return order
}

// processBatch nets one group and runs the batch legs.
func (e *Engine) processBatch(ctx context.Context, counterpartyID string, day time.Time, members []*types.Settlement, now time.Time) {
	e.mu.Lock()
	batch := buildBatch(counterpartyID, day, members, e.cfg.MinNetAmount, now)
	batch.Status = types.BatchStatusProcessing
	e.batches[batch.ID] = batch
	for _, s := range members {
		s.BatchID = batch.ID
	}
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"batch_id":     batch.ID,
		"counterparty": counterpartyID,
		"settlements":  len(members),
		"legs":         len(batch.Legs),
	}).Info("netting batch built")

	e.runBatch(ctx, batch, members, now)
}

// runBatch moves the batch legs and routes the outcome. Once any leg has
// completed, cash is out and the only safe recovery is retrying the batch
// itself with completed legs skipped; a batch that never moved anything can
// fall back to per-settlement processing instead.
func (e *Engine) runBatch(ctx context.Context, batch *types.NettingBatch, members []*types.Settlement, now time.Time) {
	err := e.runBatchLegs(ctx, batch)
	completed := e.completedLegCount(batch)

	switch {
	case err == nil:
		e.finishBatch(batch, members, now)

	case completed > 0:
		if types.IsFatalSettlement(err) {
			e.alert(err.Error(), batch.ID)
		}
		e.scheduleBatchRetry(batch, err, now)

	default:
		e.mu.Lock()
		batch.Status = types.BatchStatusFailed
		for _, s := range members {
			s.BatchID = ""
		}
		e.mu.Unlock()
		if types.IsFatalSettlement(err) {
			e.alert(err.Error(), batch.ID)
		}
		e.logger.WithError(err).WithField("batch_id", batch.ID).
			Warn("netting batch failed, settling members individually")
		for _, s := range members {
			e.processSingle(ctx, s, now)
		}
	}
}

// runBatchLegs verifies nostro coverage for every open pay leg, then moves
// the open legs pay side first.
func (e *Engine) runBatchLegs(ctx context.Context, batch *types.NettingBatch) error {
	e.mu.Lock()
	legs := append([]types.SettlementLeg(nil), batch.Legs...)
	counterpartyID := batch.CounterpartyID
	reference := batch.ID
	valueDate := batch.SettlementDate
	e.mu.Unlock()

	for _, idx := range payLegsFirst(legs) {
		leg := legs[idx]
		if leg.Status == types.LegStatusCompleted || leg.Type != types.LegPay {
			continue
		}
		if e.nostro.Balance(leg.Currency).LessThan(leg.Amount) {
			return &types.SettlementError{
				SettlementID: reference, Fatal: true,
				Reason: fmt.Sprintf("nostro shortfall on batch %s pay leg: need %s %s, have %s",
					reference, leg.Amount, leg.Currency, e.nostro.Balance(leg.Currency)),
			}
		}
	}

	for _, idx := range payLegsFirst(legs) {
		leg := legs[idx]
		if leg.Status == types.LegStatusCompleted {
			continue
		}
		paymentID, err := e.moveLeg(ctx, leg, counterpartyID, reference, valueDate)
		if err != nil {
			return err
		}
		e.mu.Lock()
		batch.Legs[idx].Status = types.LegStatusCompleted
		batch.Legs[idx].PaymentID = paymentID
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) completedLegCount(batch *types.NettingBatch) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for i := range batch.Legs {
		if batch.Legs[i].Status == types.LegStatusCompleted {
			n++
		}
	}
	return n
}

// finishBatch settles every member under the completed batch.
func (e *Engine) finishBatch(batch *types.NettingBatch, members []*types.Settlement, now time.Time) {
	e.mu.Lock()
	batch.Status = types.BatchStatusCompleted
	settled := make([]string, 0, len(members))
	for _, s := range members {
		if err := e.setStatusLocked(s, types.SettlementStatusSettled, "", now); err == nil {
			settled = append(settled, s.ID)
		} else {
			e.logger.WithError(err).WithField("settlement_id", s.ID).Error("settle transition refused")
		}
	}
	snapshot := copyBatch(batch)
	e.mu.Unlock()

	for _, id := range settled {
		e.publish(types.SettlementProcessedEvent{
			SettlementID: id, BatchID: batch.ID, Status: types.SettlementStatusSettled, At: now,
		})
	}
	e.logger.WithFields(logrus.Fields{
		"batch_id":     batch.ID,
		"counterparty": batch.CounterpartyID,
		"settlements":  len(settled),
	}).Info("netting batch settled")
	e.publish(types.NettingGroupProcessedEvent{Batch: snapshot, At: now})
}

// scheduleBatchRetry books one failed batch attempt. Exhausted batches leave
// their members rejected for operator reconciliation since cash has already
// partially moved.
func (e *Engine) scheduleBatchRetry(batch *types.NettingBatch, cause error, now time.Time) {
	e.mu.Lock()
	e.batchRetry[batch.ID]++
	attempt := e.batchRetry[batch.ID]
	exhausted := attempt > e.cfg.RetryAttempts
	var affected []string
	if exhausted {
		batch.Status = types.BatchStatusFailed
		for _, id := range batch.SettlementIDs {
			s, ok := e.settlements[id]
			if !ok {
				continue
			}
			reason := fmt.Sprintf("batch %s incomplete: %v", batch.ID, cause)
			if e.setStatusLocked(s, types.SettlementStatusFailed, reason, now) == nil &&
				e.setStatusLocked(s, types.SettlementStatusRejected, reason, now) == nil {
				affected = append(affected, s.ID)
			}
		}
	}
	e.mu.Unlock()

	if exhausted {
		e.alert(fmt.Sprintf("netting batch %s incomplete after %d retries: %v", batch.ID, attempt-1, cause), batch.ID)
		for _, id := range affected {
			e.publish(types.SettlementFailedEvent{
				SettlementID: id,
				Reason:       fmt.Sprintf("batch %s incomplete", batch.ID),
				Fatal:        true,
				At:           now,
			})
		}
		return
	}

	delay := time.Duration(attempt) * e.cfg.RetryDelay
	e.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"attempt":  attempt,
		"delay":    delay.String(),
		"cause":    cause.Error(),
	}).Warn("netting batch incomplete, retry scheduled")
	if e.sched != nil {
		id := batch.ID
		e.sched.Schedule("batch:"+id, delay, func() { e.retryBatch(id) })
	}
}

// retryBatch re-runs an in-flight batch, skipping completed legs.
func (e *Engine) retryBatch(id string) {
	e.mu.Lock()
	batch, ok := e.batches[id]
	if !ok || batch.Status != types.BatchStatusProcessing {
		e.mu.Unlock()
		return
	}
	members := make([]*types.Settlement, 0, len(batch.SettlementIDs))
	for _, sid := range batch.SettlementIDs {
		if s, ok := e.settlements[sid]; ok {
			members = append(members, s)
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickInterval)
	defer cancel()
	e.runBatch(ctx, batch, members, time.Now())
}
