package ioqueue

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aerosmt/asmt/internal/alog"
)

// status is the single mutex-guarded structure confining every piece of
// shared mutable state the scheduler touches (spec.md §5: "confine
// next_descriptor_index, ok_flag, total_transferred, decile to a single
// guarded structure; no other globals in the core"), the same shape as the
// teacher's batch.go statusMu-guarded fields.
type status struct {
	mu sync.Mutex

	next       int
	ok         bool
	total      int64
	decile     int // 0..10, bumped every time completed/len(descs) crosses a tenth
	completed  int
	descsCount int
	logger     *alog.Logger
}

func (s *status) claim() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok || s.next >= s.descsCount {
		return 0, false
	}
	idx := s.next
	s.next++
	return idx, true
}

func (s *status) reportSuccess(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += n
	s.completed++
	newDecile := s.completed * 10 / s.descsCount
	if newDecile > s.decile {
		s.decile = newDecile
		if s.logger != nil {
			s.logger.Progress(s.completed, s.descsCount, s.total)
		}
	}
}

func (s *status) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok = false
}

// Result is the outcome of running a descriptor set through the Scheduler.
type Result struct {
	// OK is true iff every descriptor completed without error and the
	// ok-flag remained true throughout (spec.md §4.4).
	OK bool
	// Transferred is the total bytes moved across all descriptors.
	Transferred int64
	// FirstErr is the first error observed, if OK is false.
	FirstErr error
}

// Run spawns min(len(descs), parallelism) workers, each repeatedly claiming
// the next unclaimed descriptor and running its Do function, per spec.md
// §4.4's numbered worker contract. It does not retry failed I/Os -- the
// Operation Driver performs compensating cleanup.
func Run(descs []*Descriptor, parallelism int, logger *alog.Logger) Result {
	if len(descs) == 0 {
		return Result{OK: true}
	}
	workers := parallelism
	if workers > len(descs) {
		workers = len(descs)
	}
	if workers < 1 {
		workers = 1
	}

	st := &status{ok: true, descsCount: len(descs), logger: logger}

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for {
				idx, ok := st.claim()
				if !ok {
					return nil
				}
				d := descs[idx]
				n, crc, err := d.Do()
				if err != nil {
					st.abort()
					return err
				}
				d.Transferred = n
				d.CRC = crc
				st.reportSuccess(n)
			}
		})
	}

	err := eg.Wait()

	st.mu.Lock()
	ok := st.ok
	total := st.total
	st.mu.Unlock()

	return Result{OK: ok && err == nil, Transferred: total, FirstErr: err}
}
