package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/payment"
	"github.com/mExOms/fxcore/pkg/types"
)

// PaymentConfig shapes the simulated payment rail.
type PaymentConfig struct {
	FailureRate    float64  // transient submit/check failures
	Sanctioned     []string // counterparties refused fatally
	MissingInbound []string // counterparties whose inbound never arrives
	Seed           int64
}

// PaymentSystem implements payment.System. Submitted instructions are kept
// in order for reconciliation.
type PaymentSystem struct {
	cfg        PaymentConfig
	sanctioned map[string]struct{}
	missing    map[string]struct{}

	mu       sync.Mutex
	rng      *rand.Rand
	seq      int
	outbound []types.PaymentInstruction
}

// NewPaymentSystem creates the simulated rail.
func NewPaymentSystem(cfg PaymentConfig) *PaymentSystem {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &PaymentSystem{
		cfg:        cfg,
		sanctioned: make(map[string]struct{}, len(cfg.Sanctioned)),
		missing:    make(map[string]struct{}, len(cfg.MissingInbound)),
		rng:        rand.New(rand.NewSource(seed)),
	}
	for _, cp := range cfg.Sanctioned {
		p.sanctioned[cp] = struct{}{}
	}
	for _, cp := range cfg.MissingInbound {
		p.missing[cp] = struct{}{}
	}
	return p
}

// SubmitPayment implements payment.System. Sanctioned counterparties fail
// fatally; rail outages are transient.
func (p *PaymentSystem) SubmitPayment(_ context.Context, instr types.PaymentInstruction) (payment.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, bad := p.sanctioned[instr.CounterpartyID]; bad {
		return payment.Receipt{}, &types.SettlementError{
			Fatal:  true,
			Reason: fmt.Sprintf("counterparty %s is sanctioned", instr.CounterpartyID),
		}
	}
	if p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate {
		return payment.Receipt{}, fmt.Errorf("payment rail unavailable")
	}

	p.seq++
	p.outbound = append(p.outbound, instr)
	return payment.Receipt{
		PaymentID:   fmt.Sprintf("pay_%06d", p.seq),
		SubmittedAt: time.Now(),
	}, nil
}

// CheckIncomingPayment implements payment.System.
func (p *PaymentSystem) CheckIncomingPayment(_ context.Context, currency string, amount decimal.Decimal, counterpartyID, reference string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate {
		return false, fmt.Errorf("payment rail unavailable")
	}
	if _, gone := p.missing[counterpartyID]; gone {
		return false, nil
	}
	_ = currency
	_ = amount
	_ = reference
	return true, nil
}

// Outbound returns a copy of every accepted instruction, in submit order.
func (p *PaymentSystem) Outbound() []types.PaymentInstruction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.PaymentInstruction, len(p.outbound))
	copy(out, p.outbound)
	return out
}
