package shell

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/logging"
)

// Sweeper periodically removes unreferenced command files older than maxAge
// from a host's temp dir. It never reaches outside that directory.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	inUse    func(name string) bool
	stop     chan struct{}
	log      *zap.SugaredLogger
}

// NewSweeper builds a sweeper for dir. Zero interval/maxAge get defaults.
// A non-nil inUse predicate marks entries that still back an in-flight
// command; those are never removed regardless of age.
func NewSweeper(dir string, interval, maxAge time.Duration, inUse func(name string) bool) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		inUse:    inUse,
		stop:     make(chan struct{}),
		log:      logging.Named("sweeper").Sugar(),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop. Idempotent-unsafe; call once.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// Sweep removes entries whose mtime is older than maxAge relative to now,
// skipping entries the inUse predicate still claims. A long-running command
// keeps its files past maxAge; they are collected once it completes.
func (s *Sweeper) Sweep(now time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Debugf("read %s: %v", s.dir, err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.maxAge {
			continue
		}
		if s.inUse != nil && s.inUse(entry.Name()) {
			continue
		}
		p := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				s.log.Debugf("sweep %s: %v", p, err)
			}
			continue
		}
		removed++
	}
	return removed
}
