package receipt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentmeter/paygate/internal/reason"
)

// Stats mirrors the JSON shape spec §4.8 requires from stats().
type Stats struct {
	TotalRequests    int64  `json:"total_requests"`
	SuccessCount     int64  `json:"success_count"`
	DeniedCount      int64  `json:"denied_count"`
	ErrorCount       int64  `json:"error_count"`
	SuccessRate      string `json:"success_rate"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	TotalRevenueUSDC string `json:"total_revenue_usdc"`
}

// Filter narrows a Query call.
type Filter struct {
	ToolID  string
	Outcome reason.Outcome
	Limit   int
	Offset  int
}

// Store is an append-only, ring-buffered receipt store (spec §4.8, §9): when
// a configured maximum size is reached, the oldest receipt is evicted.
// Stats are incremental counters, never computed by scanning.
type Store struct {
	mu       sync.RWMutex
	buf      []*Receipt
	maxSize  int
	nextSeq  uint64

	totalRequests int64
	successCount  int64
	deniedCount   int64
	errorCount    int64
	latencySum    int64
	latencyCount  int64
	revenueMicros int64 // USDC * 1e6, to keep the running sum exact
}

// NewStore constructs a Store. maxSize<=0 means unbounded.
func NewStore(maxSize int) *Store {
	return &Store{maxSize: maxSize}
}

// Emit appends r, assigning it the next sequence number, and updates the
// incremental stat counters. It evicts the oldest receipt if maxSize is
// exceeded.
func (s *Store) Emit(r *Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.seq = atomic.AddUint64(&s.nextSeq, 1)
	s.buf = append(s.buf, r)
	if s.maxSize > 0 && len(s.buf) > s.maxSize {
		s.buf = s.buf[1:]
	}

	s.totalRequests++
	switch r.Outcome {
	case reason.Success:
		s.successCount++
	case reason.Denied:
		s.deniedCount++
	case reason.Error:
		s.errorCount++
	}
	if r.LatencyMs != nil {
		s.latencySum += *r.LatencyMs
		s.latencyCount++
	}
	if r.Outcome == reason.Success {
		s.revenueMicros += priceToMicros(r.PriceUSDC)
	}
}

// Query returns receipts matching f, most recent first, paginated.
func (s *Store) Query(f Filter) []*Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Receipt, 0, len(s.buf))
	for i := len(s.buf) - 1; i >= 0; i-- {
		r := s.buf[i]
		if f.ToolID != "" && r.ToolID != f.ToolID {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		matched = append(matched, r)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*Receipt{}
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Stats computes the current incremental statistics snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rate float64
	if s.totalRequests > 0 {
		rate = float64(s.successCount) / float64(s.totalRequests) * 100
	}
	var avgLatency float64
	if s.latencyCount > 0 {
		avgLatency = float64(s.latencySum) / float64(s.latencyCount)
	}

	return Stats{
		TotalRequests:    s.totalRequests,
		SuccessCount:     s.successCount,
		DeniedCount:      s.deniedCount,
		ErrorCount:       s.errorCount,
		SuccessRate:      fmt.Sprintf("%.2f%%", rate),
		AvgLatencyMs:     avgLatency,
		TotalRevenueUSDC: microsToPrice(s.revenueMicros),
	}
}

func priceToMicros(price string) int64 {
	var whole, frac int64
	var fracDigits int
	neg := false
	i := 0
	if i < len(price) && price[i] == '-' {
		neg = true
		i++
	}
	for ; i < len(price) && price[i] != '.'; i++ {
		whole = whole*10 + int64(price[i]-'0')
	}
	if i < len(price) && price[i] == '.' {
		i++
		for ; i < len(price) && fracDigits < 6; i++ {
			frac = frac*10 + int64(price[i]-'0')
			fracDigits++
		}
	}
	for fracDigits < 6 {
		frac *= 10
		fracDigits++
	}
	v := whole*1_000_000 + frac
	if neg {
		v = -v
	}
	return v
}

func microsToPrice(micros int64) string {
	whole := micros / 1_000_000
	frac := micros % 1_000_000
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}
