package manager

import "time"

// newRetryTicker creates stopped ticker triggering retries of deferred rebuilds.
func newRetryTicker(interval time.Duration) *retryTicker {
	t := time.NewTicker(time.Hour)
	t.Stop()

	return &retryTicker{t: t, interval: interval}
}

type retryTicker struct {
	t        *time.Ticker
	interval time.Duration
	ticking  bool
}

func (t *retryTicker) Ticks() <-chan time.Time {
	return t.t.C
}

func (t *retryTicker) Start() {
	if t.ticking {
		return
	}
	t.ticking = true
	t.t.Reset(t.interval)
}

func (t *retryTicker) Stop() {
	t.ticking = false
	t.t.Stop()
}

func (t *retryTicker) Ticking() bool {
	return t.ticking
}
