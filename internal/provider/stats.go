package provider

import "sync/atomic"

// Stats accumulates execution outcomes for one provider. Counters are atomic
// so the execution path never takes a lock.
type Stats struct {
	attempts  atomic.Int64
	successes atomic.Int64
	latencyMs atomic.Int64
}

// Record adds one call outcome with its observed latency.
func (s *Stats) Record(success bool, latencyMs int64) {
	s.attempts.Add(1)
	if success {
		s.successes.Add(1)
	}
	if latencyMs > 0 {
		s.latencyMs.Add(latencyMs)
	}
}

// Attempts returns the number of recorded calls.
func (s *Stats) Attempts() int64 { return s.attempts.Load() }

// SuccessRate returns the percentage of successful calls. A provider with no
// recorded calls is treated as fully reliable so new venues are not starved.
func (s *Stats) SuccessRate() float64 {
	attempts := s.attempts.Load()
	if attempts == 0 {
		return 100
	}
	return float64(s.successes.Load()) / float64(attempts) * 100
}

// AvgLatencyMs returns the mean observed latency, zero when no calls have
// been recorded.
func (s *Stats) AvgLatencyMs() float64 {
	attempts := s.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(s.latencyMs.Load()) / float64(attempts)
}
