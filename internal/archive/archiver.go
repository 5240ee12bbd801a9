package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

const snapshotTimeout = 30 * time.Second

// Config controls the archive location, rotation and retention policy.
type Config struct {
	Dir           string
	MaxFileSize   int64
	FlushInterval time.Duration
	RetentionDays int
	SnapshotSpec  string
	PurgeSpec     string
}

// DefaultConfig returns the documented defaults: hourly snapshots, a nightly
// purge at 02:00 and a 90 day retention window.
func DefaultConfig() Config {
	return Config{
		Dir:           "data/archive",
		MaxFileSize:   64 << 20,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
		SnapshotSpec:  "0 * * * *",
		PurgeSpec:     "0 2 * * *",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.SnapshotSpec == "" {
		c.SnapshotSpec = def.SnapshotSpec
	}
	if c.PurgeSpec == "" {
		c.PurgeSpec = def.PurgeSpec
	}
	return c
}

// OrderStore is the slice of the order manager the archiver needs: fetching
// the full order behind a terminal event and dropping purgeable ones.
type OrderStore interface {
	GetOrder(id string) (*types.Order, error)
	PurgeTerminal(cutoff time.Time) int
}

// SettlementStore is the settlement engine counterpart of OrderStore.
type SettlementStore interface {
	GetSettlement(id string) (*types.Settlement, error)
	PurgeTerminal(cutoff time.Time) int
}

// SnapshotFunc produces one named snapshot payload. Registered functions run
// on the hourly schedule.
type SnapshotFunc func(ctx context.Context) (any, error)

// SnapshotRecord is the envelope snapshots are archived in.
type SnapshotRecord struct {
	Name    string    `json:"name"`
	TakenAt time.Time `json:"taken_at"`
	Data    any       `json:"data"`
}

// PurgeStats reports one purge run.
type PurgeStats struct {
	Orders      int
	Settlements int
	Days        int
}

// Service consumes terminal-entity events from the bus and appends them to
// the archive, takes scheduled snapshots, and runs the nightly purge that
// trims both the in-memory indexes and the on-disk day directories.
type Service struct {
	cfg         Config
	writer      *Writer
	orders      OrderStore
	settlements SettlementStore
	bus         *bus.Bus
	logger      *logrus.Entry

	mu        sync.Mutex
	snapshots map[string]SnapshotFunc

	cron     *cron.Cron
	sub      *bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds the archiver. orders and settlements may be nil when the
// corresponding component is not wired; their events are then ignored.
func NewService(cfg Config, orders OrderStore, settlements SettlementStore, b *bus.Bus) (*Service, error) {
	cfg = cfg.withDefaults()
	w, err := NewWriter(cfg.Dir, cfg.MaxFileSize, cfg.FlushInterval)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		writer:      w,
		orders:      orders,
		settlements: settlements,
		bus:         b,
		logger:      logrus.WithField("component", "archiver"),
		snapshots:   make(map[string]SnapshotFunc),
		stopCh:      make(chan struct{}),
	}, nil
}

// RegisterSnapshot adds a named snapshot producer to the hourly schedule.
func (s *Service) RegisterSnapshot(name string, fn SnapshotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[name] = fn
}

// Start subscribes to the bus and arms the snapshot and purge schedules.
func (s *Service) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.SnapshotSpec, func() { s.TakeSnapshots(time.Now()) }); err != nil {
		return fmt.Errorf("snapshot schedule %q: %w", s.cfg.SnapshotSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.PurgeSpec, func() { s.Purge(time.Now()) }); err != nil {
		return fmt.Errorf("purge schedule %q: %w", s.cfg.PurgeSpec, err)
	}

	if s.bus != nil {
		s.sub = s.bus.Subscribe(
			types.EventOrderStatusChanged,
			types.EventSettlementProcessed,
			types.EventSettlementFailed,
			types.EventDailyReportGenerated,
		)
		s.wg.Add(1)
		go s.consumeLoop()
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"dir":            s.writer.Dir(),
		"retention_days": s.cfg.RetentionDays,
	}).Info("archiver started")
	return nil
}

// Stop stops the schedules, drains the subscription and closes the writer.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			s.cron.Stop()
		}
		if s.sub != nil {
			s.sub.Close()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
	if err := s.writer.Close(); err != nil {
		s.logger.WithError(err).Warn("archive writer close failed")
	}
}

func (s *Service) consumeLoop() {
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

func (s *Service) handle(ev types.Event) {
	switch e := ev.(type) {
	case types.OrderStatusChangedEvent:
		if !e.To.IsTerminal() || s.orders == nil {
			return
		}
		o, err := s.orders.GetOrder(e.OrderID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", e.OrderID).Warn("terminal order not found for archival")
			return
		}
		s.append(CategoryOrders, e.At, o)
	case types.SettlementProcessedEvent:
		s.archiveSettlement(e.SettlementID, e.At)
	case types.SettlementFailedEvent:
		if e.Fatal {
			s.archiveSettlement(e.SettlementID, e.At)
		}
	case types.DailyReportGeneratedEvent:
		s.append(CategoryReports, e.At, e.Report)
	}
}

func (s *Service) archiveSettlement(id string, at time.Time) {
	if s.settlements == nil {
		return
	}
	st, err := s.settlements.GetSettlement(id)
	if err != nil {
		s.logger.WithError(err).WithField("settlement_id", id).Warn("settlement not found for archival")
		return
	}
	s.append(CategorySettlements, at, st)
}

func (s *Service) append(category string, at time.Time, record any) {
	if err := s.writer.Append(category, at, record); err != nil {
		s.logger.WithError(err).WithField("category", category).Error("archive append failed")
	}
}

// TakeSnapshots runs every registered snapshot producer and archives the
// results under now's day. Failing producers are logged and skipped.
func (s *Service) TakeSnapshots(now time.Time) {
	s.mu.Lock()
	producers := make(map[string]SnapshotFunc, len(s.snapshots))
	for name, fn := range s.snapshots {
		producers[name] = fn
	}
	s.mu.Unlock()

	names := make([]string, 0, len(producers))
	for name := range producers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		data, err := producers[name](ctx)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("snapshot", name).Warn("snapshot producer failed")
			continue
		}
		s.append(CategorySnapshots, now, SnapshotRecord{Name: name, TakenAt: now, Data: data})
	}
}

// Purge drops terminal entities older than the retention window from the
// in-memory stores and deletes day directories beyond it. RetentionDays <= 0
// disables purging entirely.
func (s *Service) Purge(now time.Time) PurgeStats {
	var stats PurgeStats
	if s.cfg.RetentionDays <= 0 {
		return stats
	}
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)

	if s.orders != nil {
		stats.Orders = s.orders.PurgeTerminal(cutoff)
	}
	if s.settlements != nil {
		stats.Settlements = s.settlements.PurgeTerminal(cutoff)
	}
	stats.Days = s.deleteOldDays(cutoff)

	s.logger.WithFields(logrus.Fields{
		"orders":      stats.Orders,
		"settlements": stats.Settlements,
		"days":        stats.Days,
		"cutoff":      cutoff.Format(dayLayout),
	}).Info("purge complete")
	return stats
}

// deleteOldDays removes day directories strictly before the cutoff day.
// Entries that do not parse as a day are left alone.
func (s *Service) deleteOldDays(cutoff time.Time) int {
	entries, err := os.ReadDir(s.writer.Dir())
	if err != nil {
		s.logger.WithError(err).Warn("archive dir scan failed")
		return 0
	}
	cutoffDay := cutoff.UTC().Format(dayLayout)

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(dayLayout, entry.Name()); err != nil {
			continue
		}
		if entry.Name() >= cutoffDay {
			continue
		}
		path := filepath.Join(s.writer.Dir(), entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.WithError(err).WithField("day", entry.Name()).Warn("day directory removal failed")
			continue
		}
		removed++
	}
	return removed
}

// Flush forces buffered archive records to disk.
func (s *Service) Flush() error { return s.writer.Flush() }
