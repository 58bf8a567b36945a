package transfer

import (
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Status describes where a transfer stands when a progress event fires.
type Status uint8

const (
	// StatusTransferring indicates chunks are moving.
	StatusTransferring Status = iota
	// StatusPaused indicates flow is suspended.
	StatusPaused
	// StatusComplete indicates the transfer finished successfully.
	StatusComplete
	// StatusFailed indicates the transfer tore down.
	StatusFailed
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusTransferring:
		return "transferring"
	case StatusPaused:
		return "paused"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a point-in-time snapshot emitted after every chunk and on
// state transitions.
type Progress struct {
	Status      Status
	Transferred uint64
	Total       uint64
	Percent     float64
	Speed       float64 // bytes per second, exponentially smoothed
	Err         error   // set when Status is StatusFailed
}

// speedMeter tracks transfer speed as an exponential moving average.
type speedMeter struct {
	timeProvider TimeProvider
	lastChunk    time.Time
	speed        float64
}

func newSpeedMeter(tp TimeProvider) *speedMeter {
	return &speedMeter{
		timeProvider: tp,
		lastChunk:    tp.Now(),
	}
}

// observe folds one chunk of n bytes into the moving average.
func (m *speedMeter) observe(n uint64) {
	now := m.timeProvider.Now()
	duration := m.timeProvider.Since(m.lastChunk).Seconds()

	if duration > 0 {
		instant := float64(n) / duration

		// Exponential moving average with alpha = 0.3
		if m.speed == 0 {
			m.speed = instant
		} else {
			m.speed = 0.7*m.speed + 0.3*instant
		}
	}

	m.lastChunk = now
}

func (m *speedMeter) value() float64 {
	return m.speed
}

func (m *speedMeter) reset() {
	m.speed = 0
	m.lastChunk = m.timeProvider.Now()
}
