// Package reaper implements the borrow-deadline sweep spec.md reserves
// BorrowDeadlineNs for but leaves unenforced by the core: a
// periodically-run task that force-returns any borrow whose deadline
// has passed. Grounded on the scheduler shape in
// SimonWaldherr-tinySQL/internal/storage/scheduler.go (cron.Cron
// wrapping a start/stop lifecycle); the sweep logic itself is new,
// since the core tables only record deadlines and never act on them.
package reaper

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"borrowreg"
	"pageown"
)

// / Sweeper force-returns expired borrows from both the page ownership
// / table and the generic borrow registry on a fixed schedule.
type Sweeper struct {
	owns  *pageown.Table
	reg   *borrowreg.Registry
	nowNs func() int64

	mu   sync.Mutex
	cron *cron.Cron
}

// / New builds a Sweeper. nowNs supplies the current time in
// / nanoseconds (injected so tests can drive deadlines deterministically
// / rather than racing a real clock).
func New(owns *pageown.Table, reg *borrowreg.Registry, nowNs func() int64) *Sweeper {
	return &Sweeper{owns: owns, reg: reg, nowNs: nowNs, cron: cron.New(cron.WithSeconds())}
}

// / Start schedules the sweep to run on spec, a six-field cron
// / expression with a leading seconds field (e.g. "*/5 * * * * *" for
// / every five seconds), and
// / starts the scheduler. Returns the error cron.AddFunc reports for a
// / malformed spec.
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.cron.AddFunc(spec, s.sweepOnce); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// / Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweepOnce() {
	now := s.nowNs()
	pages := s.owns.ExpiredBorrows(now)
	for _, pa := range pages {
		if err := s.owns.ForceReturn(pa); err != 0 {
			log.Printf("reaper: force-return pfn of %#x failed: %v", pa, err)
		}
	}
	keys := s.reg.ExpiredBorrows(now)
	for _, key := range keys {
		if err := s.reg.ForceReturn(key); err != 0 {
			log.Printf("reaper: force-return key %#x failed: %v", key, err)
		}
	}
}
