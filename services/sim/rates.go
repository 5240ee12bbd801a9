package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// RateSourceConfig shapes one simulated rate oracle.
type RateSourceConfig struct {
	Name        string
	SpreadBps   float64       // bid/ask around mid
	Quality     float64       // quality score reported, 0..1
	FailureRate float64       // probability a lookup errors
	Interval    time.Duration // push cadence for streams
	Seed        int64
}

// RateSource samples the shared market. It implements both rates.Source and
// rates.Streamer.
type RateSource struct {
	cfg    RateSourceConfig
	market *Market

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRateSource creates a simulated oracle over the shared market.
func NewRateSource(cfg RateSourceConfig, market *Market) *RateSource {
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 1
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 0.9
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RateSource{
		cfg:    cfg,
		market: market,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Name implements rates.Source.
func (s *RateSource) Name() string { return s.cfg.Name }

// GetRate implements rates.Source.
func (s *RateSource) GetRate(_ context.Context, from, to string) (types.Rate, error) {
	if s.trip() {
		return types.Rate{}, fmt.Errorf("%s: simulated oracle outage", s.cfg.Name)
	}
	pair := types.Pair{Base: strings.ToUpper(from), Quote: strings.ToUpper(to)}
	mid, ok := s.market.Mid(pair)
	if !ok {
		return types.Rate{}, fmt.Errorf("%s: no rate for %s", s.cfg.Name, pair)
	}

	spread := mid.Mul(bps(s.cfg.SpreadBps))
	half := spread.Div(decimal.NewFromInt(2))
	return types.Rate{
		From:         pair.Base,
		To:           pair.Quote,
		Rate:         types.RoundPrice(pair, mid),
		Bid:          types.RoundPrice(pair, mid.Sub(half)),
		Ask:          types.RoundPrice(pair, mid.Add(half)),
		Spread:       spread,
		QualityScore: decimal.NewFromFloat(s.cfg.Quality),
		Source:       s.cfg.Name,
		Timestamp:    time.Now(),
	}, nil
}

// Subscribe implements rates.Streamer. Ticks sample the market on the
// configured interval; a slow consumer loses ticks rather than stalling the
// stream.
func (s *RateSource) Subscribe(pair types.Pair) (<-chan types.Rate, func(), error) {
	if _, ok := s.market.Mid(pair); !ok {
		return nil, nil, fmt.Errorf("%s: no rate for %s", s.cfg.Name, pair)
	}

	ch := make(chan types.Rate, 16)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rate, err := s.GetRate(context.Background(), pair.Base, pair.Quote)
				if err != nil {
					continue
				}
				select {
				case ch <- rate:
				default:
				}
			}
		}
	}()
	return ch, cancel, nil
}

func (s *RateSource) trip() bool {
	if s.cfg.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.FailureRate
}
