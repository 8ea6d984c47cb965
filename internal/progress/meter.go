// Package progress computes transfer percentages and rates and renders them
// for the terminal.
package progress

import (
	"sync"
	"time"
)

// smoothing weights the newest rate sample in the moving average.
const smoothing = 0.2

// Percent returns offset as a percentage of size, clamped to [0, 100]. A
// non-positive size yields 0.
func Percent(offset, size int64) float64 {
	if size <= 0 || offset <= 0 {
		return 0
	}
	return min(float64(offset)/float64(size)*100, 100)
}

// Stats is what a Meter reports about one file.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

// Meter turns a stream of byte offsets into a smoothed transfer rate.
type Meter struct {
	clock func() time.Time

	mu      sync.Mutex
	total   int64
	done    int64
	started time.Time
	last    sample
	rate    float64
}

// NewMeter returns a meter on the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(nil)
}

// NewMeterWithNow returns a meter reading time from clock.
func NewMeterWithNow(clock func() time.Time) *Meter {
	if clock == nil {
		clock = time.Now
	}
	return &Meter{clock: clock}
}

// Start resets the meter for a file of size bytes.
func (m *Meter) Start(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = m.clock()
	m.total = size
	m.done = 0
	m.last = sample{at: m.started}
	m.rate = 0
}

// Set records that done bytes have been transferred. Going backwards, as a
// restarted download does, discards the rate estimate.
func (m *Meter) Set(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sample{at: m.clock(), bytes: done}
	m.done = done
	if done < m.last.bytes {
		m.last = s
		m.rate = 0
		return
	}
	elapsed := s.at.Sub(m.last.at).Seconds()
	if elapsed <= 0 {
		return
	}
	inst := float64(done-m.last.bytes) / elapsed
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate += smoothing * (inst - m.rate)
	}
	m.last = s
}

// Snapshot reports the current progress.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rate,
		StartedAt: m.started,
		Percent:   Percent(m.done, m.total),
	}
	if left := m.total - m.done; left > 0 && m.rate > 0 {
		st.ETA = time.Duration(float64(left) / m.rate * float64(time.Second))
	}
	return st
}
