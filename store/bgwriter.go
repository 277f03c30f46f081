package store

import "time"

// startBackgroundWriter launches the auto-commit goroutine described in
// spec.md §4.6: it wakes every cfg.AutoCommitDelay (or immediately, if
// storeHooks.OnUnsavedPage crosses the autoCommitMemory threshold
// first) and commits whenever there are unsaved changes. It also runs
// a periodic auto-compact pass once device read/write activity since
// the last attempt shows the store actually did something. Open only
// calls this when AutoCommitDelay > 0 and the store is writable.
func (s *Store) startBackgroundWriter() {
	stop := make(chan struct{})
	done := make(chan struct{})
	wake := make(chan struct{}, 1)
	s.bgMu.Lock()
	s.bgStop = stop
	s.bgDone = done
	s.bgWake = wake
	s.bgMu.Unlock()
	go s.backgroundWriterLoop(stop, done, wake)
}

func (s *Store) backgroundWriterLoop(stop, done, wake chan struct{}) {
	defer close(done)

	for {
		s.mu.RLock()
		delay := s.cfg.AutoCommitDelay
		s.mu.RUnlock()
		if delay <= 0 {
			return
		}

		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}

		s.mu.RLock()
		dirty := s.hasUnsavedChangesLocked()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return
		}
		if dirty {
			// TryCommit rather than Commit: a threshold-triggered wake
			// can race the next timer tick, and singleflight coalesces
			// the two into one storeNow call instead of one blocking
			// behind the other.
			if _, err := s.TryCommit(); err != nil {
				s.reportBackgroundError(err)
			}
		}

		s.mu.Lock()
		s.maybeFreeUnusedChunks(nowMillis())
		runCompact, target, writeBudget := s.checkAutoCompactLocked()
		s.mu.Unlock()

		if runCompact {
			if err := s.Compact(target, writeBudget); err != nil {
				s.reportBackgroundError(err)
			}
		}
	}
}

// checkAutoCompactLocked implements spec.md §4.6 step 4's device-
// activity gate: auto-compaction only fires again once the backing
// file has actually seen new read or write traffic since the last
// attempt, so an idle store does not pay a reachability scan on every
// tick. Callers must hold mu; Compact itself must be called without it.
func (s *Store) checkAutoCompactLocked() (run bool, targetFillRate int, writeBudget int64) {
	if s.cfg.AutoCompactFillRate <= 0 {
		return false, 0, 0
	}
	reads, writes := s.fs.Stats()
	if reads == s.readCountAtLastCompact && writes == s.writeCountAtLastCompact {
		return false, 0, 0
	}
	s.readCountAtLastCompact = reads
	s.writeCountAtLastCompact = writes
	return true, s.cfg.AutoCompactFillRate, s.cfg.autoCommitMemory()
}

// reportBackgroundError routes a background-writer failure through the
// configured BackgroundExceptionHandler, per spec.md §7: the writer
// never crashes its own goroutine over a failed commit or compaction.
func (s *Store) reportBackgroundError(err error) {
	s.mu.RLock()
	handler := s.cfg.BackgroundExceptionHandler
	s.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// wakeBackgroundWriter nudges an already-running background writer
// into an immediate wake, implementing the synchronous half of
// beforeWrite without calling back into mu from a page-mutation hook.
func (s *Store) wakeBackgroundWriter() {
	s.bgMu.Lock()
	wake := s.bgWake
	s.bgMu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// stopBackgroundWriter signals the auto-commit goroutine to exit and
// waits for it, a no-op if it was never started or already stopped.
func (s *Store) stopBackgroundWriter() {
	s.bgMu.Lock()
	stop := s.bgStop
	done := s.bgDone
	s.bgStop = nil
	s.bgDone = nil
	s.bgWake = nil
	s.bgMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
