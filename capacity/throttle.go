package capacity

import "time"

// maxThrottleBytes is the assertion boundary from §4.B: bytes must stay
// below 16 GiB so that bytes * 1e9 cannot overflow a 64-bit product in
// slotNanos. A wider-intermediate implementation could relax this; this
// one does not, to match the documented contract.
const maxThrottleBytes = 16 << 30

// stealThresholdWindow and stealSliceDivisor implement the bounded-steal
// rule from §4.B step 7: a victim is only eligible if its clock sits more
// than half a second behind now, and a successful steal buys back at
// most 1/16s of the victim's budget.
const stealThresholdWindow = 500 * time.Millisecond

const stealSliceDivisor = 16

// sleepCutoffMicros is the minimum computed sleep worth actually
// suspending for; smaller excess is left to amortise (§4.B step 9).
const sleepCutoffMicros = 100

// Throttle is the hot-path entry point every I/O call site on the write
// or read path invokes before (or after) performing bytes worth of I/O
// against class. Coordination is via the atomics on Server and, at most
// once per call, a single compare-and-swap against a sibling class's
// reservation clock. The one lock on this path is in Signal, which takes
// Server.mu briefly to read the condition variable when it actually wakes
// the flusher.
func (s *Server) Throttle(class Class, bytes uint64) {
	if bytes >= maxThrottleBytes {
		panic("capacity: Throttle called with bytes >= 16 GiB")
	}

	capacity := s.classCapacity(class)
	clock := s.classClock(class)
	s.stats.callCounter(class).Add(1)

	// Byte accounting happens whether or not throttling is configured:
	// the flusher's write-threshold bookkeeping is independent of the
	// pacing machinery below it (§8 S1 exercises exactly this with an
	// entirely uncapped connection).
	if class != ClassRead {
		s.capacityWritten.Add(bytes)
		s.stats.BytesWritten.Add(bytes)
		s.Signal()
	} else {
		s.stats.BytesRead.Add(bytes)
	}

	capVal := capacity.Load()
	totalCap := s.capacityTotal.Load()
	if (capVal == 0 && totalCap == 0) || s.recovering.Load() {
		return
	}

	now := s.clock.NowNanos()

	resValue := clock.reserve(bytes, capVal, now)
	resTotalValue := s.reservationTotal.reserve(bytes, totalCap, now)

	if resValue > now && resTotalValue < now && totalCap != 0 {
		resValue, resTotalValue = s.steal(class, clock, capVal, totalCap, bytes, now, resValue, resTotalValue)
	}

	waitNs := resValue
	if resTotalValue > waitNs {
		waitNs = resTotalValue
	}

	if waitNs > now {
		sleepUs := (waitNs - now) / 1000

		if resValue == resTotalValue {
			s.stats.TotalThrottles.Add(1)
			s.stats.TotalTime.Add(sleepUs)
		} else {
			s.stats.throttleCounter(class).Add(1)
			s.stats.timeCounter(class).Add(sleepUs)
		}

		if sleepUs > sleepCutoffMicros {
			s.sleeper.SleepMicros(sleepUs)
		}
	}
}

// steal implements §4.B step 7: a single, bounded attempt to borrow an
// idle sibling class's budget, with exactly one retry (and no further
// steal attempt) if the borrowing CAS loses a race.
func (s *Server) steal(class Class, clock *reservationClock, capVal, totalCap, bytes, now, resValue, resTotalValue uint64) (uint64, uint64) {
	victimClass, bestRes, found := s.pickVictim(class, now)
	if !found {
		return resValue, resTotalValue
	}

	victimCap := s.classCapacity(victimClass).Load()
	if victimCap == 0 {
		return resValue, resTotalValue
	}

	base := bestRes
	if oneSecAgo := now - uint64(time.Second); oneSecAgo > base {
		base = oneSecAgo
	}
	newRes := base + uint64(time.Second)/stealSliceDivisor + slotNanos(bytes, victimCap)

	victimClock := s.classClock(victimClass)
	if victimClock.compareAndSwap(bestRes, newRes) {
		stolenBytes := victimCap / stealSliceDivisor
		resValue = clock.sub(slotNanos(stolenBytes, capVal))
		return resValue, resTotalValue
	}

	// Lost the race: undo our own primary and aggregate reservations and
	// retry once, without attempting another steal. Re-running reserve
	// (rather than just restoring the old values) lets the retry observe
	// whatever concurrent activity happened on these clocks in the
	// meantime.
	clock.sub(slotNanos(bytes, capVal))
	s.reservationTotal.sub(slotNanos(bytes, totalCap))

	resValue = clock.reserve(bytes, capVal, now)
	resTotalValue = s.reservationTotal.reserve(bytes, totalCap, now)
	return resValue, resTotalValue
}

// pickVictim scans the three sibling classes in the frozen order
// (ckpt, evict, log, read, minus the caller's own class) and returns the
// one with the lowest reservation clock, provided it falls below the
// now-500ms threshold.
func (s *Server) pickVictim(class Class, now uint64) (victim Class, bestRes uint64, found bool) {
	bestRes = now - uint64(stealThresholdWindow)
	for _, c := range stealOrder {
		if c == class {
			continue
		}
		if v := s.classClock(c).load(); v < bestRes {
			bestRes = v
			victim = c
			found = true
		}
	}
	return victim, bestRes, found
}
