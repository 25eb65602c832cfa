package checkpoint

import (
	"sync"

	"foreman/internal/faults"
)

// MemoryAccounting tracks advisory byte counters for the store. The
// counters inform backpressure decisions and diagnostics; they never gate
// save or load.
type MemoryAccounting struct {
	mu            sync.Mutex
	allocated     int64
	used          int64
	max           int64
	fragmentCount int64
}

// MemoryStats is a point-in-time snapshot of the accounting counters.
type MemoryStats struct {
	AllocatedBytes       int64   `json:"allocated_bytes"`
	UsedBytes            int64   `json:"used_bytes"`
	MaxBytes             int64   `json:"max_bytes"`
	FragmentationPercent float64 `json:"fragmentation_percent"`
	UtilizationPercent   float64 `json:"utilization_percent"`
	IsUnderPressure      bool    `json:"is_under_pressure"`
}

// pressureThreshold is the utilization above which the store reports
// pressure.
const pressureThreshold = 80.0

func newMemoryAccounting(maxBytes int64) *MemoryAccounting {
	return &MemoryAccounting{max: maxBytes}
}

// Grow reserves n bytes of budget. Fails with MEMORY_LIMIT_EXCEEDED when the
// reservation would exceed the configured maximum.
func (m *MemoryAccounting) Grow(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		return faults.New(faults.CodeMemoryLimitExceeded, "negative grow")
	}
	if m.allocated+n > m.max {
		return faults.Newf(faults.CodeMemoryLimitExceeded, "allocation would exceed limit").
			With("allocated", m.allocated).
			With("requested", n).
			With("max", m.max)
	}
	m.allocated += n
	return nil
}

// Shrink releases n bytes of budget. Fails with INSUFFICIENT_MEMORY when
// more is released than was ever allocated.
func (m *MemoryAccounting) Shrink(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.allocated {
		return faults.Newf(faults.CodeInsufficientMemory, "shrink exceeds allocation").
			With("allocated", m.allocated).
			With("requested", n)
	}
	m.allocated -= n
	m.fragmentCount++
	return nil
}

// CompactMemory zeroes the fragment count and recomputes used bytes down to
// the allocation. Advisory only.
func (m *MemoryAccounting) CompactMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragmentCount = 0
	if m.used > m.allocated {
		m.used = m.allocated
	}
}

// Stats returns a snapshot of the counters.
func (m *MemoryAccounting) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MemoryStats{
		AllocatedBytes: m.allocated,
		UsedBytes:      m.used,
		MaxBytes:       m.max,
	}
	if m.max > 0 {
		stats.UtilizationPercent = float64(m.allocated) / float64(m.max) * 100
	}
	if m.allocated > 0 {
		stats.FragmentationPercent = float64(m.fragmentCount) / float64(m.allocated) * 100
	}
	stats.IsUnderPressure = stats.UtilizationPercent > pressureThreshold
	return stats
}

// noteWrite and noteDelete track on-disk usage as checkpoints come and go.
func (m *MemoryAccounting) noteWrite(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used += n
}

func (m *MemoryAccounting) noteDelete(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.used {
		m.used = 0
		m.fragmentCount++
		return
	}
	m.used -= n
	m.fragmentCount++
}
