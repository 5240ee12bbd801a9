// Package payment defines the external payment rails the settlement engine
// drives and the nostro accounts funding them.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// Receipt confirms an accepted outbound payment.
type Receipt struct {
	PaymentID   string    `json:"payment_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// System is the payment rail settlements are executed over.
type System interface {
	// SubmitPayment sends an outbound payment and returns its receipt.
	SubmitPayment(ctx context.Context, instr types.PaymentInstruction) (Receipt, error)
	// CheckIncomingPayment reports whether the expected inbound payment for
	// reference has arrived.
	CheckIncomingPayment(ctx context.Context, currency string, amount decimal.Decimal, counterpartyID, reference string) (bool, error)
}

// NewInstruction composes an instruction, deriving method and priority from
// the amount and currency.
func NewInstruction(currency string, amount decimal.Decimal, counterpartyID, reference string, valueDate time.Time) types.PaymentInstruction {
	return types.PaymentInstruction{
		Currency:       currency,
		Amount:         amount,
		CounterpartyID: counterpartyID,
		Method:         types.SelectPaymentMethod(currency, amount),
		Priority:       types.SelectPaymentPriority(amount),
		ValueDate:      valueDate,
		Reference:      reference,
	}
}
