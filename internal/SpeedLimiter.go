package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MinimumSpeedLimit is the lowest accepted non-zero limit in bytes per second
const MinimumSpeedLimit = 64 << 10

// SpeedChangedHandler is a callback function for speed change events
type SpeedChangedHandler func(sender interface{}, newRequestedSpeed int64)

// SpeedLimiter caps the combined read rate of all downloads sharing it.
// A limit of zero or less disables throttling. The limit may change while downloads run.
type SpeedLimiter struct {
	// DownloadSpeedChangedEvent fires after SetLimit
	DownloadSpeedChangedEvent SpeedChangedHandler

	mu     sync.Mutex
	limit  int64
	next   time.Time
	active atomic.Int32
}

// NewSpeedLimiter creates a limiter with an initial limit in bytes per second
func NewSpeedLimiter(bytesPerSecond int64) *SpeedLimiter {
	s := &SpeedLimiter{}
	s.SetLimit(bytesPerSecond)
	return s
}

// SetLimit changes the limit. Positive values below MinimumSpeedLimit are raised to it.
func (s *SpeedLimiter) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond > 0 {
		bytesPerSecond = max(bytesPerSecond, MinimumSpeedLimit)
	} else {
		bytesPerSecond = 0
	}

	s.mu.Lock()
	s.limit = bytesPerSecond
	s.next = time.Time{}
	handler := s.DownloadSpeedChangedEvent
	s.mu.Unlock()

	if handler != nil {
		handler(s, bytesPerSecond)
	}
}

// Limit returns the current limit; zero means unlimited
func (s *SpeedLimiter) Limit() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// WaitN accounts for n bytes and sleeps until the shared budget allows more
func (s *SpeedLimiter) WaitN(ctx context.Context, n int) error {
	if s == nil || n <= 0 {
		return nil
	}

	s.mu.Lock()
	if s.limit <= 0 {
		s.mu.Unlock()
		return nil
	}
	now := time.Now()
	if s.next.Before(now) {
		s.next = now
	}
	s.next = s.next.Add(time.Duration(float64(n) / float64(s.limit) * float64(time.Second)))
	wait := s.next.Sub(now)
	s.mu.Unlock()

	return sleepContext(ctx, wait)
}

// IncrementChunkProcessedCount increases the number of running downloads
func (s *SpeedLimiter) IncrementChunkProcessedCount() {
	s.active.Add(1)
}

// DecrementChunkProcessedCount decreases the number of running downloads
func (s *SpeedLimiter) DecrementChunkProcessedCount() {
	s.active.Add(-1)
}

// GetCurrentChunkProcessing returns the number of running downloads
func (s *SpeedLimiter) GetCurrentChunkProcessing() int {
	return int(s.active.Load())
}
