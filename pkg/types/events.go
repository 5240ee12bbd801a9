package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates every event the core publishes. The set is closed:
// subscribers register against kinds, and the relay maps kinds to subjects.
type EventKind string

const (
	EventOrderCreated          EventKind = "order.created"
	EventOrderStatusChanged    EventKind = "order.status_changed"
	EventOrderModified         EventKind = "order.modified"
	EventOrderCancelled        EventKind = "order.cancelled"
	EventSliceExecuted         EventKind = "execution.slice"
	EventExecutionStarted      EventKind = "execution.started"
	EventExecutionCompleted    EventKind = "execution.completed"
	EventExecutionTimeout      EventKind = "execution.timeout"
	EventExecutionError        EventKind = "execution.error"
	EventSettlementCreated     EventKind = "settlement.created"
	EventSettlementProcessed   EventKind = "settlement.processed"
	EventNettingGroupProcessed EventKind = "settlement.netting_group"
	EventSettlementFailed      EventKind = "settlement.failed"
	EventPnLCalculated         EventKind = "analytics.pnl"
	EventTradeAnalyzed         EventKind = "analytics.trade"
	EventDailyReportGenerated  EventKind = "analytics.daily_report"
	EventOperatorAlert         EventKind = "system.alert"
)

// Event is the closed union carried on the bus. CorrelationID ties an event
// back to the order, execution, or settlement it concerns.
type Event interface {
	Kind() EventKind
	CorrelationID() string
	OccurredAt() time.Time
}

// OrderCreatedEvent is published after reservation succeeds and the order
// rests on the book.
type OrderCreatedEvent struct {
	Order *Order    `json:"order"`
	At    time.Time `json:"at"`
}

func (e OrderCreatedEvent) Kind() EventKind       { return EventOrderCreated }
func (e OrderCreatedEvent) CorrelationID() string { return e.Order.ID }
func (e OrderCreatedEvent) OccurredAt() time.Time { return e.At }

// OrderStatusChangedEvent records one allow-listed transition.
type OrderStatusChangedEvent struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

func (e OrderStatusChangedEvent) Kind() EventKind       { return EventOrderStatusChanged }
func (e OrderStatusChangedEvent) CorrelationID() string { return e.OrderID }
func (e OrderStatusChangedEvent) OccurredAt() time.Time { return e.At }

// OrderModifiedEvent carries the order after an accepted modification.
type OrderModifiedEvent struct {
	Order  *Order    `json:"order"`
	Fields []string  `json:"fields"`
	At     time.Time `json:"at"`
}

func (e OrderModifiedEvent) Kind() EventKind       { return EventOrderModified }
func (e OrderModifiedEvent) CorrelationID() string { return e.Order.ID }
func (e OrderModifiedEvent) OccurredAt() time.Time { return e.At }

// OrderCancelledEvent is published for user cancels and expiry alike; Reason
// distinguishes them.
type OrderCancelledEvent struct {
	OrderID      string          `json:"order_id"`
	UserID       string          `json:"user_id"`
	Reason       string          `json:"reason"`
	RemainingQty decimal.Decimal `json:"remaining_quantity"`
	At           time.Time       `json:"at"`
}

func (e OrderCancelledEvent) Kind() EventKind       { return EventOrderCancelled }
func (e OrderCancelledEvent) CorrelationID() string { return e.OrderID }
func (e OrderCancelledEvent) OccurredAt() time.Time { return e.At }

// SliceExecutedEvent reports one provider fill. Settlement and analytics both
// consume it; duplicates must be ignored by Fill.ExecutionID.
type SliceExecutedEvent struct {
	OrderID string    `json:"order_id"`
	UserID  string    `json:"user_id"`
	Pair    Pair      `json:"pair"`
	Side    OrderSide `json:"side"`
	Fill    Fill      `json:"fill"`
	At      time.Time `json:"at"`
}

func (e SliceExecutedEvent) Kind() EventKind       { return EventSliceExecuted }
func (e SliceExecutedEvent) CorrelationID() string { return e.Fill.ExecutionID }
func (e SliceExecutedEvent) OccurredAt() time.Time { return e.At }

// ExecutionStartedEvent marks a context entering the dispatcher.
type ExecutionStartedEvent struct {
	ExecutionID string    `json:"execution_id"`
	OrderID     string    `json:"order_id"`
	Algorithm   string    `json:"algorithm"`
	At          time.Time `json:"at"`
}

func (e ExecutionStartedEvent) Kind() EventKind       { return EventExecutionStarted }
func (e ExecutionStartedEvent) CorrelationID() string { return e.ExecutionID }
func (e ExecutionStartedEvent) OccurredAt() time.Time { return e.At }

// ExecutionCompletedEvent carries aggregate stats once remaining reaches zero.
// Slippage is measured against the first fill as benchmark.
type ExecutionCompletedEvent struct {
	ExecutionID    string          `json:"execution_id"`
	OrderID        string          `json:"order_id"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Slippage       decimal.Decimal `json:"slippage"`
	Duration       time.Duration   `json:"duration"`
	At             time.Time       `json:"at"`
}

func (e ExecutionCompletedEvent) Kind() EventKind       { return EventExecutionCompleted }
func (e ExecutionCompletedEvent) CorrelationID() string { return e.ExecutionID }
func (e ExecutionCompletedEvent) OccurredAt() time.Time { return e.At }

// ExecutionTimeoutEvent reports a context that ran out of time budget with
// quantity still open.
type ExecutionTimeoutEvent struct {
	ExecutionID    string          `json:"execution_id"`
	OrderID        string          `json:"order_id"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	RemainingQty   decimal.Decimal `json:"remaining_quantity"`
	At             time.Time       `json:"at"`
}

func (e ExecutionTimeoutEvent) Kind() EventKind       { return EventExecutionTimeout }
func (e ExecutionTimeoutEvent) CorrelationID() string { return e.ExecutionID }
func (e ExecutionTimeoutEvent) OccurredAt() time.Time { return e.At }

// ExecutionErrorEvent reports a context failed by consecutive provider
// errors.
type ExecutionErrorEvent struct {
	ExecutionID string    `json:"execution_id"`
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

func (e ExecutionErrorEvent) Kind() EventKind       { return EventExecutionError }
func (e ExecutionErrorEvent) CorrelationID() string { return e.ExecutionID }
func (e ExecutionErrorEvent) OccurredAt() time.Time { return e.At }

// SettlementCreatedEvent is published when a fill becomes an obligation.
type SettlementCreatedEvent struct {
	Settlement *Settlement `json:"settlement"`
	At         time.Time   `json:"at"`
}

func (e SettlementCreatedEvent) Kind() EventKind       { return EventSettlementCreated }
func (e SettlementCreatedEvent) CorrelationID() string { return e.Settlement.ID }
func (e SettlementCreatedEvent) OccurredAt() time.Time { return e.At }

// SettlementProcessedEvent marks one settlement settled under a batch.
type SettlementProcessedEvent struct {
	SettlementID string           `json:"settlement_id"`
	BatchID      string           `json:"batch_id,omitempty"`
	Status       SettlementStatus `json:"status"`
	At           time.Time        `json:"at"`
}

func (e SettlementProcessedEvent) Kind() EventKind       { return EventSettlementProcessed }
func (e SettlementProcessedEvent) CorrelationID() string { return e.SettlementID }
func (e SettlementProcessedEvent) OccurredAt() time.Time { return e.At }

// NettingGroupProcessedEvent carries a completed netting batch.
type NettingGroupProcessedEvent struct {
	Batch *NettingBatch `json:"batch"`
	At    time.Time     `json:"at"`
}

func (e NettingGroupProcessedEvent) Kind() EventKind       { return EventNettingGroupProcessed }
func (e NettingGroupProcessedEvent) CorrelationID() string { return e.Batch.ID }
func (e NettingGroupProcessedEvent) OccurredAt() time.Time { return e.At }

// SettlementFailedEvent reports a failed settlement. Fatal failures are never
// retried.
type SettlementFailedEvent struct {
	SettlementID string    `json:"settlement_id"`
	Reason       string    `json:"reason"`
	Fatal        bool      `json:"fatal"`
	RetryCount   int       `json:"retry_count"`
	At           time.Time `json:"at"`
}

func (e SettlementFailedEvent) Kind() EventKind       { return EventSettlementFailed }
func (e SettlementFailedEvent) CorrelationID() string { return e.SettlementID }
func (e SettlementFailedEvent) OccurredAt() time.Time { return e.At }

// PnLCalculatedEvent carries one user's snapshot from the calculation loop.
type PnLCalculatedEvent struct {
	Snapshot *PnLSnapshot `json:"snapshot"`
	At       time.Time    `json:"at"`
}

func (e PnLCalculatedEvent) Kind() EventKind       { return EventPnLCalculated }
func (e PnLCalculatedEvent) CorrelationID() string { return e.Snapshot.UserID }
func (e PnLCalculatedEvent) OccurredAt() time.Time { return e.At }

// TradeAnalyzedEvent reports position impact of one fill after accounting.
type TradeAnalyzedEvent struct {
	UserID      string          `json:"user_id"`
	OrderID     string          `json:"order_id"`
	ExecutionID string          `json:"execution_id"`
	Pair        Pair            `json:"pair"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	At          time.Time       `json:"at"`
}

func (e TradeAnalyzedEvent) Kind() EventKind       { return EventTradeAnalyzed }
func (e TradeAnalyzedEvent) CorrelationID() string { return e.ExecutionID }
func (e TradeAnalyzedEvent) OccurredAt() time.Time { return e.At }

// DailyReportGeneratedEvent carries the end-of-day report.
type DailyReportGeneratedEvent struct {
	Report *DailyReport `json:"report"`
	At     time.Time    `json:"at"`
}

func (e DailyReportGeneratedEvent) Kind() EventKind       { return EventDailyReportGenerated }
func (e DailyReportGeneratedEvent) CorrelationID() string { return e.Report.Date }
func (e DailyReportGeneratedEvent) OccurredAt() time.Time { return e.At }

// OperatorAlertEvent surfaces conditions that need human attention, such as
// nostro shortfalls and compliance vetoes.
type OperatorAlertEvent struct {
	Severity  string    `json:"severity"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	RefID     string    `json:"ref_id,omitempty"`
	At        time.Time `json:"at"`
}

func (e OperatorAlertEvent) Kind() EventKind       { return EventOperatorAlert }
func (e OperatorAlertEvent) CorrelationID() string { return e.RefID }
func (e OperatorAlertEvent) OccurredAt() time.Time { return e.At }
