package monitor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// Config places the listener and tunes the gauge refresh.
type Config struct {
	ListenAddr   string
	PollInterval time.Duration
	Version      string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":9090",
		PollInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// GaugeSources polls current levels from the owning components. Nil fields
// leave the gauge at zero.
type GaugeSources struct {
	OpenOrders         func() int
	PendingSettlements func() int
	OpenPositions      func() int
}

// Server owns the metrics registry, the health checker and the HTTP
// listener serving /metrics and /healthz.
type Server struct {
	cfg     Config
	reg     *prometheus.Registry
	metrics *Metrics
	health  *HealthChecker
	sources GaugeSources
	bus     *bus.Bus
	logger  *logrus.Entry

	mu          sync.Mutex
	algoByOrder map[string]string

	lis      net.Listener
	srv      *http.Server
	sub      *bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds the monitor. The bus may be nil; event-driven counters
// then stay at zero.
func NewServer(cfg Config, sources GaugeSources, b *bus.Bus) *Server {
	cfg = cfg.withDefaults()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		cfg:         cfg,
		reg:         reg,
		metrics:     NewMetrics(reg),
		health:      NewHealthChecker(cfg.Version),
		sources:     sources,
		bus:         b,
		logger:      logrus.WithField("component", "monitor"),
		algoByOrder: make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// Metrics exposes the series for hooks wired outside the bus, like the
// provider latency observer.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound listener address after Start.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.cfg.ListenAddr
	}
	return s.lis.Addr().String()
}

// Health exposes the check registry.
func (s *Server) Health() *HealthChecker { return s.health }

// Start binds the listener and launches the consume and poll loops. A bind
// failure is returned synchronously.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.lis = lis

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.health.Handler())
	s.srv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("monitor listener failed")
		}
	}()

	if s.bus != nil {
		s.sub = s.bus.Subscribe(
			types.EventOrderCreated,
			types.EventOrderStatusChanged,
			types.EventSliceExecuted,
			types.EventExecutionStarted,
			types.EventExecutionCompleted,
			types.EventExecutionTimeout,
			types.EventExecutionError,
			types.EventSettlementCreated,
			types.EventSettlementProcessed,
			types.EventSettlementFailed,
			types.EventNettingGroupProcessed,
		)
		s.wg.Add(1)
		go s.consumeLoop()
	}

	s.wg.Add(1)
	go s.pollLoop()

	s.logger.WithField("addr", lis.Addr().String()).Info("monitor listening")
	return nil
}

// Stop shuts the listener down and stops the loops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.sub != nil {
			s.sub.Close()
		}
		close(s.stopCh)
		if s.srv != nil {
			err = s.srv.Shutdown(ctx)
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.handle(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) handle(ev types.Event) {
	switch e := ev.(type) {
	case types.OrderCreatedEvent:
		s.metrics.OrdersCreated.Inc()
	case types.OrderStatusChangedEvent:
		if e.To == types.OrderStatusRejected {
			s.metrics.OrdersRejected.Inc()
		}
	case types.ExecutionStartedEvent:
		s.mu.Lock()
		s.algoByOrder[e.OrderID] = e.Algorithm
		s.mu.Unlock()
	case types.SliceExecutedEvent:
		s.metrics.Fills.Inc()
		s.metrics.Slices.WithLabelValues(s.algorithmFor(e.OrderID)).Inc()
	case types.ExecutionCompletedEvent:
		s.metrics.ExecutionDuration.Observe(e.Duration.Seconds())
		s.forgetOrder(e.OrderID)
	case types.ExecutionTimeoutEvent:
		s.forgetOrder(e.OrderID)
	case types.ExecutionErrorEvent:
		s.forgetOrder(e.OrderID)
	case types.SettlementCreatedEvent:
		s.metrics.Settlements.WithLabelValues(string(types.SettlementStatusPending)).Inc()
	case types.SettlementProcessedEvent:
		s.metrics.Settlements.WithLabelValues(string(e.Status)).Inc()
	case types.SettlementFailedEvent:
		if e.Fatal {
			s.metrics.Settlements.WithLabelValues(string(types.SettlementStatusRejected)).Inc()
		} else {
			s.metrics.Settlements.WithLabelValues(string(types.SettlementStatusFailed)).Inc()
			s.metrics.SettlementRetries.Inc()
		}
	case types.NettingGroupProcessedEvent:
		s.metrics.BatchSize.Observe(float64(len(e.Batch.SettlementIDs)))
	}
}

func (s *Server) algorithmFor(orderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if algo, ok := s.algoByOrder[orderID]; ok {
		return algo
	}
	return "unknown"
}

func (s *Server) forgetOrder(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.algoByOrder, orderID)
}

func (s *Server) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshGauges()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) refreshGauges() {
	if s.sources.OpenOrders != nil {
		s.metrics.OpenOrders.Set(float64(s.sources.OpenOrders()))
	}
	if s.sources.PendingSettlements != nil {
		s.metrics.PendingSettlements.Set(float64(s.sources.PendingSettlements()))
	}
	if s.sources.OpenPositions != nil {
		s.metrics.OpenPositions.Set(float64(s.sources.OpenPositions()))
	}
}
