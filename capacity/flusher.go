package capacity

import (
	"time"

	"github.com/adofsauron/wiredtiger/utils"
)

// flusherLoop is the background task body described in §4.C. It is
// started with the cond/session/closer values captured at start time so
// that a concurrent Destroy+Create cycle can never hand the old
// goroutine a new incarnation's state. closer is the same join
// primitive lsm.pipeline and bplustree use for their background tasks.
func (s *Server) flusherLoop(cond *condVar, session *FlushSession, closer *utils.Closer) {
	defer closer.Done()

	for {
		timeout := time.Duration(s.pollMicros.Load()) * time.Microsecond
		if timeout <= 0 {
			timeout = defaultPollInterval
		}

		switch cond.wait(timeout) {
		case wakeTimeout:
			s.stats.Timeout.Add(1)
		case wakeSignal:
			s.stats.Signalled.Add(1)
		}

		if !s.run.Load() {
			return
		}

		// Publish capacity_signalled = false with release semantics so
		// that a subsequent Signal() sees every capacityWritten
		// increment that happened-before this point.
		s.capacitySignalled.Store(false)

		if s.capacityWritten.Load() > s.capacityThreshold.Load() {
			if err := s.fsync.FsyncAllBackground(session); err != nil {
				s.reportFatal(err)
				return
			}
			s.capacityWritten.Store(0)
		} else {
			s.stats.FsyncNotYet.Add(1)
		}
	}
}
