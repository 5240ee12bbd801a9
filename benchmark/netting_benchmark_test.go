package benchmark

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/payment"
	"github.com/mExOms/fxcore/internal/settlement"
	"github.com/mExOms/fxcore/pkg/types"
	"github.com/mExOms/fxcore/services/sim"
)

// benchSettlementEngine wires a settlement engine over the simulated rail
// with no compliance screen and no background loops.
func benchSettlementEngine() (*settlement.Engine, *payment.NostroLedger) {
	rail := sim.NewPaymentSystem(sim.PaymentConfig{Seed: 1})
	nostro := payment.NewNostroLedger()
	eng := settlement.NewEngine(settlement.Config{TickInterval: time.Second}, rail, nostro, nil, nil, nil)
	return eng, nostro
}

func benchFill(seq *int, side types.OrderSide, ts time.Time) types.SliceExecutedEvent {
	*seq++
	return types.SliceExecutedEvent{
		OrderID: fmt.Sprintf("ord_%d", *seq),
		UserID:  "usr_bench",
		Pair:    types.Pair{Base: "EUR", Quote: "USD"},
		Side:    side,
		Fill: types.Fill{
			ExecutionID: fmt.Sprintf("exe_%d", *seq),
			OrderID:     fmt.Sprintf("ord_%d", *seq),
			ProviderID:  "bank_bench",
			Quantity:    decimal.NewFromInt(100000),
			Price:       decimal.NewFromFloat(1.0850),
			Timestamp:   ts,
		},
		At: ts,
	}
}

// offsettingFills builds an even-sized group against one counterparty whose
// buys and sells cancel, so its netting batch carries zero legs.
func offsettingFills(seq *int, n int, ts time.Time) []types.SliceExecutedEvent {
	evs := make([]types.SliceExecutedEvent, n)
	for i := range evs {
		side := types.OrderSideBuy
		if i%2 == 1 {
			side = types.OrderSideSell
		}
		evs[i] = benchFill(seq, side, ts)
	}
	return evs
}

// oneWayFills builds a group of buys that nets to one pay and one receive leg.
func oneWayFills(seq *int, n int, ts time.Time) []types.SliceExecutedEvent {
	evs := make([]types.SliceExecutedEvent, n)
	for i := range evs {
		evs[i] = benchFill(seq, types.OrderSideBuy, ts)
	}
	return evs
}

// BenchmarkSettlementCreate tests per-fill settlement creation performance
func BenchmarkSettlementCreate(b *testing.B) {
	eng, _ := benchSettlementEngine()
	ts := time.Now()
	seq := 0

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.CreateFromFill(benchFill(&seq, types.OrderSideBuy, ts)); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "settlements/sec")
}

// BenchmarkNettingBatchBuild tests netting batch construction across group sizes
func BenchmarkNettingBatchBuild(b *testing.B) {
	for _, size := range []int{4, 16, 64} {
		b.Run(fmt.Sprintf("Group%d", size), func(b *testing.B) {
			eng, _ := benchSettlementEngine()
			ts := time.Now()
			horizon := ts.AddDate(0, 0, 7)
			purgeAt := horizon.Add(time.Hour)
			seq := 0

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for _, ev := range offsettingFills(&seq, size, ts) {
					if _, err := eng.CreateFromFill(ev); err != nil {
						b.Fatal(err)
					}
				}
				if picked := eng.ProcessDue(horizon); picked != size {
					b.Fatalf("processed %d settlements, want %d", picked, size)
				}
				eng.PurgeTerminal(purgeAt)
			}

			b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "batches/sec")
		})
	}
}

// BenchmarkBatchSettlement tests a netted batch moving both legs over the rail
func BenchmarkBatchSettlement(b *testing.B) {
	const groupSize = 16

	eng, nostro := benchSettlementEngine()
	ts := time.Now()
	horizon := ts.AddDate(0, 0, 7)
	purgeAt := horizon.Add(time.Hour)
	seq := 0

	// A group of buys nets to a single USD pay leg; cover it each round so
	// the ledger never runs dry.
	payPerRound := decimal.NewFromInt(100000 * groupSize).Mul(decimal.NewFromFloat(1.0850))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := nostro.Fund("USD", payPerRound); err != nil {
			b.Fatal(err)
		}
		for _, ev := range oneWayFills(&seq, groupSize, ts) {
			if _, err := eng.CreateFromFill(ev); err != nil {
				b.Fatal(err)
			}
		}
		if picked := eng.ProcessDue(horizon); picked != groupSize {
			b.Fatalf("processed %d settlements, want %d", picked, groupSize)
		}
		eng.PurgeTerminal(purgeAt)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "batches/sec")
}
