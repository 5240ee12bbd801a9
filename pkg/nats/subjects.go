package nats

import (
	"fmt"

	"github.com/mExOms/fxcore/pkg/types"
)

// Subject naming convention, one token per routing dimension:
//
//	orders.created.{user}.{base}.{quote}
//	orders.status.{user}.{to}
//	orders.modified.{user}.{base}.{quote}
//	orders.cancelled.{user}
//	executions.started.{algorithm}
//	executions.slice.{provider}.{base}.{quote}
//	executions.completed.{order}
//	executions.timeout.{order}
//	executions.error.{order}
//	settlements.created.{counterparty}.{base}.{quote}
//	settlements.processed.{status}
//	settlements.netting_group.{counterparty}
//	settlements.failed.{fatal|transient}
//	analytics.pnl.{user}
//	analytics.trade.{user}.{base}.{quote}
//	analytics.daily_report.{date}
//	system.alert.{severity}.{component}
//
// Consumers filter with wildcards, e.g. "orders.*.usr_1.>" for one user's
// order flow or "settlements.failed.fatal" for operator paging.

// Stream names for JetStream.
const (
	StreamOrders      = "FX_ORDERS"
	StreamExecutions  = "FX_EXECUTIONS"
	StreamSettlements = "FX_SETTLEMENTS"
	StreamAnalytics   = "FX_ANALYTICS"
	StreamSystem      = "FX_SYSTEM"
)

// StreamSubjects returns the subject space a stream captures.
func StreamSubjects(stream string) []string {
	switch stream {
	case StreamOrders:
		return []string{"orders.>"}
	case StreamExecutions:
		return []string{"executions.>"}
	case StreamSettlements:
		return []string{"settlements.>"}
	case StreamAnalytics:
		return []string{"analytics.>"}
	case StreamSystem:
		return []string{"system.>"}
	default:
		return nil
	}
}

// SubjectFor maps a bus event to its external subject. An empty return means
// the event kind has no external mapping and is not relayed.
func SubjectFor(ev types.Event) string {
	switch e := ev.(type) {
	case types.OrderCreatedEvent:
		return fmt.Sprintf("orders.created.%s.%s.%s", e.Order.UserID, e.Order.Pair.Base, e.Order.Pair.Quote)
	case types.OrderStatusChangedEvent:
		return fmt.Sprintf("orders.status.%s.%s", e.UserID, e.To)
	case types.OrderModifiedEvent:
		return fmt.Sprintf("orders.modified.%s.%s.%s", e.Order.UserID, e.Order.Pair.Base, e.Order.Pair.Quote)
	case types.OrderCancelledEvent:
		return fmt.Sprintf("orders.cancelled.%s", e.UserID)
	case types.ExecutionStartedEvent:
		return fmt.Sprintf("executions.started.%s", e.Algorithm)
	case types.SliceExecutedEvent:
		return fmt.Sprintf("executions.slice.%s.%s.%s", e.Fill.ProviderID, e.Pair.Base, e.Pair.Quote)
	case types.ExecutionCompletedEvent:
		return fmt.Sprintf("executions.completed.%s", e.OrderID)
	case types.ExecutionTimeoutEvent:
		return fmt.Sprintf("executions.timeout.%s", e.OrderID)
	case types.ExecutionErrorEvent:
		return fmt.Sprintf("executions.error.%s", e.OrderID)
	case types.SettlementCreatedEvent:
		return fmt.Sprintf("settlements.created.%s.%s.%s",
			e.Settlement.CounterpartyID, e.Settlement.Pair.Base, e.Settlement.Pair.Quote)
	case types.SettlementProcessedEvent:
		return fmt.Sprintf("settlements.processed.%s", e.Status)
	case types.NettingGroupProcessedEvent:
		return fmt.Sprintf("settlements.netting_group.%s", e.Batch.CounterpartyID)
	case types.SettlementFailedEvent:
		if e.Fatal {
			return "settlements.failed.fatal"
		}
		return "settlements.failed.transient"
	case types.PnLCalculatedEvent:
		return fmt.Sprintf("analytics.pnl.%s", e.Snapshot.UserID)
	case types.TradeAnalyzedEvent:
		return fmt.Sprintf("analytics.trade.%s.%s.%s", e.UserID, e.Pair.Base, e.Pair.Quote)
	case types.DailyReportGeneratedEvent:
		return fmt.Sprintf("analytics.daily_report.%s", e.Report.Date)
	case types.OperatorAlertEvent:
		return fmt.Sprintf("system.alert.%s.%s", e.Severity, e.Component)
	default:
		return ""
	}
}
