package partition

import "time"

// TimeSource provides the current time. It is used to stamp quorum loss and new data loss versions.
type TimeSource interface {
	Now() time.Time
}

// RealTimeSource reads the system clock.
type RealTimeSource struct{}

// Now returns the current time.
func (r *RealTimeSource) Now() time.Time {
	return time.Now()
}

// NewTestTimeSource creates time source starting at the given time.
func NewTestTimeSource(now time.Time) *TestTimeSource {
	return &TestTimeSource{now: now}
}

// TestTimeSource is the time source moved forward manually by tests.
type TestTimeSource struct {
	now time.Time
}

// Now returns the time set for the time source.
func (t *TestTimeSource) Now() time.Time {
	return t.now
}

// Add advances the time.
func (t *TestTimeSource) Add(duration time.Duration) time.Time {
	t.now = t.now.Add(duration)
	return t.now
}
