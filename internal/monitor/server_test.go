package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/pkg/types"
)

func newTestServer(t *testing.T, sources GaugeSources) *Server {
	t.Helper()
	s := NewServer(Config{ListenAddr: "127.0.0.1:0", PollInterval: time.Hour}, sources, nil)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

var monitorAt = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func TestOrderCountersFromEvents(t *testing.T) {
	s := newTestServer(t, GaugeSources{})

	s.handle(types.OrderCreatedEvent{Order: &types.Order{ID: "ord_1"}, At: monitorAt})
	s.handle(types.OrderCreatedEvent{Order: &types.Order{ID: "ord_2"}, At: monitorAt})
	s.handle(types.OrderStatusChangedEvent{
		OrderID: "ord_3", From: types.OrderStatusPending, To: types.OrderStatusRejected, At: monitorAt,
	})
	s.handle(types.OrderStatusChangedEvent{
		OrderID: "ord_1", From: types.OrderStatusSubmitted, To: types.OrderStatusFilled, At: monitorAt,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.OrdersCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.OrdersRejected))
}

func TestSliceCountersLabelAlgorithm(t *testing.T) {
	s := newTestServer(t, GaugeSources{})

	s.handle(types.ExecutionStartedEvent{
		ExecutionID: "ctx_1", OrderID: "ord_1", Algorithm: "twap", At: monitorAt,
	})
	s.handle(types.SliceExecutedEvent{
		OrderID: "ord_1", Fill: types.Fill{ExecutionID: "exe_1", ProviderID: "bank-a"}, At: monitorAt,
	})
	s.handle(types.SliceExecutedEvent{
		OrderID: "ord_1", Fill: types.Fill{ExecutionID: "exe_2", ProviderID: "bank-a"}, At: monitorAt,
	})
	s.handle(types.SliceExecutedEvent{
		OrderID: "ord_untracked", Fill: types.Fill{ExecutionID: "exe_3"}, At: monitorAt,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.Fills))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Slices.WithLabelValues("twap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Slices.WithLabelValues("unknown")))

	// Completion drops the algorithm mapping.
	s.handle(types.ExecutionCompletedEvent{
		ExecutionID: "ctx_1", OrderID: "ord_1", Duration: 2 * time.Second, At: monitorAt,
	})
	s.handle(types.SliceExecutedEvent{
		OrderID: "ord_1", Fill: types.Fill{ExecutionID: "exe_4"}, At: monitorAt,
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Slices.WithLabelValues("unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.metrics.ExecutionDuration))
}

func TestSettlementCountersByStatus(t *testing.T) {
	s := newTestServer(t, GaugeSources{})

	s.handle(types.SettlementCreatedEvent{Settlement: &types.Settlement{ID: "stl_1"}, At: monitorAt})
	s.handle(types.SettlementProcessedEvent{
		SettlementID: "stl_1", Status: types.SettlementStatusSettled, At: monitorAt,
	})
	s.handle(types.SettlementFailedEvent{SettlementID: "stl_2", Fatal: false, At: monitorAt})
	s.handle(types.SettlementFailedEvent{SettlementID: "stl_2", Fatal: false, At: monitorAt})
	s.handle(types.SettlementFailedEvent{SettlementID: "stl_3", Fatal: true, At: monitorAt})
	s.handle(types.NettingGroupProcessedEvent{
		Batch: &types.NettingBatch{ID: "bat_1", SettlementIDs: []string{"a", "b", "c"}}, At: monitorAt,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Settlements.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Settlements.WithLabelValues("settled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Settlements.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Settlements.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.SettlementRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(s.metrics.BatchSize))
}

func TestGaugeRefreshPollsSources(t *testing.T) {
	s := newTestServer(t, GaugeSources{
		OpenOrders:         func() int { return 7 },
		PendingSettlements: func() int { return 3 },
		OpenPositions:      func() int { return 2 },
	})

	s.refreshGauges()

	assert.Equal(t, 7.0, testutil.ToFloat64(s.metrics.OpenOrders))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.PendingSettlements))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.OpenPositions))
}

func TestProviderLatencyObserver(t *testing.T) {
	s := newTestServer(t, GaugeSources{})

	s.metrics.ObserveProviderLatency("bank-a", "quote", 5*time.Millisecond)
	s.metrics.ObserveProviderLatency("bank-a", "execute", 20*time.Millisecond)
	s.metrics.ObserveProviderLatency("bank-b", "execute", 15*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(s.metrics.QuoteLatency))
	assert.Equal(t, 2, testutil.CollectAndCount(s.metrics.ExecuteLatency))
}

func TestHealthAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("bus", func(ctx context.Context) Check {
		return Check{Status: StatusHealthy}
	})
	hc.RegisterCheck("rates", func(ctx context.Context) Check {
		return Check{Status: StatusDegraded, Message: "one source down"}
	})

	health := hc.Run(context.Background())
	assert.Equal(t, StatusDegraded, health.Status)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "bus", health.Components[0].Name)
	assert.Equal(t, "rates", health.Components[1].Name)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("nats", func(ctx context.Context) Check {
		return Check{Status: StatusUnhealthy, Message: "connection refused"}
	})

	rec := httptest.NewRecorder()
	hc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, StatusUnhealthy, health.Status)
	require.Len(t, health.Components, 1)
	assert.Equal(t, "connection refused", health.Components[0].Message)
}

func TestHealthCachesResults(t *testing.T) {
	calls := 0
	hc := NewHealthChecker("test")
	hc.RegisterCheck("settlement", func(ctx context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})

	hc.Run(context.Background())
	hc.Run(context.Background())
	assert.Equal(t, 1, calls)
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	s := NewServer(Config{ListenAddr: "127.0.0.1:0", PollInterval: time.Hour}, GaugeSources{
		OpenOrders: func() int { return 1 },
	}, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.handle(types.OrderCreatedEvent{Order: &types.Order{ID: "ord_1"}, At: monitorAt})

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
