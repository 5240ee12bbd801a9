// Package compliance provides the pre-trade and pre-settlement checks the
// order and settlement engines consult. A local rule engine implements the
// Checker interface for deployments without an external compliance system.
package compliance

import (
	"context"

	"github.com/mExOms/fxcore/pkg/types"
)

// Assessment is the outcome of one check. A disapproved order is rejected;
// a disapproved settlement is marked rejected and never retried.
type Assessment struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Checker runs risk and compliance checks.
type Checker interface {
	AssessOrderRisk(ctx context.Context, order *types.Order) (Assessment, error)
	CheckOrderCompliance(ctx context.Context, order *types.Order) (Assessment, error)
	CheckSettlement(ctx context.Context, settlement *types.Settlement) (Assessment, error)
}

func approved() Assessment { return Assessment{Approved: true} }

func rejected(reason string) Assessment {
	return Assessment{Approved: false, Reason: reason}
}
