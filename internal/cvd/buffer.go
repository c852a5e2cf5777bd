package cvd

import "sync"

// DefaultAlertBufferSize is the default number of retained alerts.
const DefaultAlertBufferSize = 100

// AlertBuffer keeps the most recent alerts, most recent first, capped at a
// fixed size. An alert whose ID is already buffered replaces the older copy
// and moves to the front. Safe for concurrent use.
type AlertBuffer struct {
	mu     sync.RWMutex
	size   int
	alerts []Alert
}

// NewAlertBuffer creates a buffer holding at most size alerts.
func NewAlertBuffer(size int) *AlertBuffer {
	if size <= 0 {
		size = DefaultAlertBufferSize
	}
	return &AlertBuffer{size: size, alerts: make([]Alert, 0, size)}
}

// Add inserts alerts in order; the last one ends up first.
func (b *AlertBuffer) Add(alerts ...Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range alerts {
		for i := range b.alerts {
			if b.alerts[i].ID == a.ID {
				b.alerts = append(b.alerts[:i], b.alerts[i+1:]...)
				break
			}
		}
		if len(b.alerts) == b.size {
			b.alerts = b.alerts[:b.size-1]
		}
		b.alerts = append(b.alerts, Alert{})
		copy(b.alerts[1:], b.alerts)
		b.alerts[0] = a
	}
}

// Recent returns up to n alerts, most recent first (n <= 0 returns all).
func (b *AlertBuffer) Recent(n int) []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.alerts) {
		n = len(b.alerts)
	}
	out := make([]Alert, n)
	copy(out, b.alerts[:n])
	return out
}

// Len returns the number of buffered alerts.
func (b *AlertBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.alerts)
}

// Clear drops all alerts.
func (b *AlertBuffer) Clear() {
	b.mu.Lock()
	b.alerts = b.alerts[:0]
	b.mu.Unlock()
}
