// Package lifecycle tracks the sandbox's activity deadline, runs the
// optional keep-alive ticker and persists the small per-sandbox metadata.
package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sandboxd/internal/logging"
)

// renewalFloor throttles deadline renewals: at most one per 5 s per sandbox,
// so high-volume streaming cannot cause a renewal-per-chunk storm.
const renewalFloor = 5 * time.Second

// Tracker owns the activity deadline and the keep-alive ticker for one
// sandbox.
type Tracker struct {
	mu         sync.Mutex
	deadline   time.Time
	sleepAfter time.Duration // 0 means "never sleep"
	keepAlive  bool
	limiter    *rate.Limiter
	ticker     *time.Ticker
	stop       chan struct{}
	stopped    bool
	onExpire   func()
	log        *zap.Logger
}

// Options configure a Tracker.
type Options struct {
	SleepAfter time.Duration // 0 disables expiry
	KeepAlive  bool
	OnExpire   func() // called once when the deadline passes
}

// NewTracker builds and starts a tracker.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		sleepAfter: opts.SleepAfter,
		limiter:    rate.NewLimiter(rate.Every(renewalFloor), 1),
		stop:       make(chan struct{}),
		onExpire:   opts.OnExpire,
		log:        logging.Named("lifecycle"),
	}
	t.renew(time.Now())
	if opts.KeepAlive {
		t.SetKeepAlive(true)
	}
	if t.sleepAfter > 0 {
		go t.watch()
	}
	return t
}

// Touch renews the activity deadline, subject to the renewal floor.
func (t *Tracker) Touch() {
	if !t.limiter.Allow() {
		return
	}
	t.mu.Lock()
	t.renew(time.Now())
	t.mu.Unlock()
}

// renew must be called with mu held (or before the tracker is shared).
func (t *Tracker) renew(now time.Time) {
	if t.sleepAfter > 0 {
		t.deadline = now.Add(t.sleepAfter)
	}
}

// Deadline returns the current activity deadline; the zero time when the
// sandbox never sleeps.
func (t *Tracker) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// KeepAlive reports whether the keep-alive ticker is running.
func (t *Tracker) KeepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keepAlive
}

// SetKeepAlive starts or stops the internal ticker, which renews at half the
// sleepAfter period.
func (t *Tracker) SetKeepAlive(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || on == t.keepAlive {
		return
	}
	t.keepAlive = on
	if on {
		period := t.sleepAfter / 2
		if period <= 0 {
			period = time.Minute
		}
		t.ticker = time.NewTicker(period)
		go func(tick *time.Ticker) {
			for {
				select {
				case <-tick.C:
					t.mu.Lock()
					t.renew(time.Now())
					t.mu.Unlock()
				case <-t.stop:
					return
				}
			}
		}(t.ticker)
	} else if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

// watch fires onExpire once the deadline passes without renewal.
func (t *Tracker) watch() {
	check := time.NewTicker(time.Second)
	defer check.Stop()
	for {
		select {
		case <-check.C:
			t.mu.Lock()
			expired := t.sleepAfter > 0 && time.Now().After(t.deadline)
			t.mu.Unlock()
			if expired {
				t.log.Info("activity deadline expired")
				if t.onExpire != nil {
					t.onExpire()
				}
				return
			}
		case <-t.stop:
			return
		}
	}
}

// Close stops the ticker and the expiry watcher. Idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}
