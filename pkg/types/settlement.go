package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementCycle is the T+N convention an obligation settles under.
type SettlementCycle string

const (
	CycleT0 SettlementCycle = "T+0"
	CycleT1 SettlementCycle = "T+1"
	CycleT2 SettlementCycle = "T+2"
)

// Days returns N for a T+N cycle.
func (c SettlementCycle) Days() int {
	switch c {
	case CycleT0:
		return 0
	case CycleT1:
		return 1
	default:
		return 2
	}
}

// Valid reports whether the cycle is a known value.
func (c SettlementCycle) Valid() bool {
	switch c {
	case CycleT0, CycleT1, CycleT2:
		return true
	}
	return false
}

// SettlementStatus is the lifecycle state of a settlement.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusSettled    SettlementStatus = "settled"
	SettlementStatusFailed     SettlementStatus = "failed"
	SettlementStatusRejected   SettlementStatus = "rejected"
)

// IsTerminal reports whether the settlement will not be processed again.
// Failed settlements re-enter the pending pool through retry, so failed is
// not terminal until retries are exhausted.
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusSettled || s == SettlementStatusRejected
}

var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementStatusPending: {
		SettlementStatusProcessing,
		SettlementStatusRejected,
	},
	SettlementStatusProcessing: {
		SettlementStatusSettled,
		SettlementStatusFailed,
		SettlementStatusRejected,
	},
	SettlementStatusFailed: {
		SettlementStatusPending,
		SettlementStatusRejected,
	},
}

// CanTransitionSettlement reports whether from → to is permitted.
func CanTransitionSettlement(from, to SettlementStatus) bool {
	for _, allowed := range settlementTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LegType distinguishes the two directions of a settlement.
type LegType string

const (
	LegPay     LegType = "pay"
	LegReceive LegType = "receive"
)

// LegStatus tracks a single leg through payment.
type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusCompleted LegStatus = "completed"
	LegStatusFailed    LegStatus = "failed"
)

// SettlementLeg is one cash movement of a settlement or netting batch.
type SettlementLeg struct {
	Type      LegType         `json:"type"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Status    LegStatus       `json:"status"`
	PaymentID string          `json:"payment_id,omitempty"`
}

// Settlement is the obligation created by one completed fill. The two legs
// move opposite currencies: a buy receives base and pays quote, a sell the
// reverse.
type Settlement struct {
	ID             string           `json:"id"`
	TradeID        string           `json:"trade_id"`
	UserID         string           `json:"user_id"`
	CounterpartyID string           `json:"counterparty_id"`
	Pair           Pair             `json:"pair"`
	Side           OrderSide        `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          decimal.Decimal  `json:"price"`
	GrossAmount    decimal.Decimal  `json:"gross_amount"`
	NetAmount      decimal.Decimal  `json:"net_amount"`
	Cycle          SettlementCycle  `json:"cycle"`
	SettlementDate time.Time        `json:"settlement_date"`
	ValueDate      time.Time        `json:"value_date"`
	Status         SettlementStatus `json:"status"`
	Legs           [2]SettlementLeg `json:"legs"`
	BatchID        string           `json:"batch_id,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	RetryCount     int              `json:"retry_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ReceiveLeg returns the leg that credits us.
func (s *Settlement) ReceiveLeg() *SettlementLeg {
	for i := range s.Legs {
		if s.Legs[i].Type == LegReceive {
			return &s.Legs[i]
		}
	}
	return nil
}

// PayLeg returns the leg that debits us.
func (s *Settlement) PayLeg() *SettlementLeg {
	for i := range s.Legs {
		if s.Legs[i].Type == LegPay {
			return &s.Legs[i]
		}
	}
	return nil
}

// BatchStatus is the lifecycle state of a netting batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// NettingBatch collapses the settlements of one (counterparty, value date)
// group into net per-currency obligations. NetAmounts holds signed sums:
// receives positive, pays negative.
type NettingBatch struct {
	ID             string                     `json:"id"`
	CounterpartyID string                     `json:"counterparty_id"`
	SettlementDate time.Time                  `json:"settlement_date"`
	SettlementIDs  []string                   `json:"settlement_ids"`
	NetAmounts     map[string]decimal.Decimal `json:"net_amounts"`
	Legs           []SettlementLeg            `json:"legs"`
	Status         BatchStatus                `json:"status"`
	CreatedAt      time.Time                  `json:"created_at"`
}

// PaymentMethod selects the rail an instruction goes out on.
type PaymentMethod string

const (
	PaymentMethodSwiftWire         PaymentMethod = "SWIFT_WIRE"
	PaymentMethodRTGS              PaymentMethod = "RTGS"
	PaymentMethodCorrespondentBank PaymentMethod = "CORRESPONDENT_BANK"
)

// PaymentPriority orders instructions at the payment system.
type PaymentPriority string

const (
	PaymentPriorityHigh   PaymentPriority = "HIGH"
	PaymentPriorityNormal PaymentPriority = "NORMAL"
	PaymentPriorityLow    PaymentPriority = "LOW"
)

// PaymentInstruction is submitted to the external payment system for a pay
// leg.
type PaymentInstruction struct {
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	CounterpartyID string          `json:"counterparty_id"`
	Method         PaymentMethod   `json:"method"`
	Priority       PaymentPriority `json:"priority"`
	ValueDate      time.Time       `json:"value_date"`
	Reference      string          `json:"reference"`
}

// SelectPaymentMethod applies the routing rule for outbound payments: large
// amounts go SWIFT, major currencies RTGS, the rest via correspondent banks.
func SelectPaymentMethod(currency string, amount decimal.Decimal) PaymentMethod {
	if amount.Abs().GreaterThan(decimal.NewFromInt(1_000_000)) {
		return PaymentMethodSwiftWire
	}
	switch currency {
	case "USD", "EUR", "GBP":
		return PaymentMethodRTGS
	}
	return PaymentMethodCorrespondentBank
}

// SelectPaymentPriority grades an instruction by absolute amount.
func SelectPaymentPriority(amount decimal.Decimal) PaymentPriority {
	abs := amount.Abs()
	switch {
	case abs.GreaterThan(decimal.NewFromInt(10_000_000)):
		return PaymentPriorityHigh
	case abs.GreaterThan(decimal.NewFromInt(1_000_000)):
		return PaymentPriorityNormal
	default:
		return PaymentPriorityLow
	}
}
