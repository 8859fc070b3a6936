package capacity

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/adofsauron/wiredtiger/utils"
)

// Clock is the wall-clock collaborator the throttle consults for "now".
// Production code wraps time.Now; tests supply a fake that can be
// advanced deterministically, matching spec §9's requirement that both
// sleep and clock be injectable.
type Clock interface {
	NowNanos() uint64
}

// Sleeper is the suspension collaborator the hot path calls into when a
// reservation requires waiting for wall-clock time to catch up.
type Sleeper interface {
	SleepMicros(us uint64)
}

// FlushSession is the opaque internal session the background flusher
// owns, handed to the FsyncAller collaborator. It stands in for the
// session/connection scaffolding spec §1 treats as out of scope.
type FlushSession struct {
	// Tag is a short, stable identifier for this flusher's session,
	// derived from the connection name the way utils/cache derives
	// shard identifiers: by hashing rather than formatting a counter.
	Tag string
}

// FsyncAller is the external async-fsync-all collaborator (§6). A fatal
// error from it causes the flusher to invoke the Server's FatalFunc.
type FsyncAller interface {
	FsyncAllBackground(session *FlushSession) error
}

// FatalFunc is invoked by the flusher on an unrecoverable fsync error;
// spec §4.C describes this as "the task panics the connection". It is
// injectable so the flusher's failure path is testable without actually
// crashing the test binary.
type FatalFunc func(err error)

const defaultPollInterval = 100 * time.Millisecond

// Server is the connection-scoped throttle state described in spec §3:
// per-class capacities and reservation clocks, the written-byte counter
// and threshold, and the background flusher's lifecycle handle.
type Server struct {
	name    string
	stats   *Stats
	clock   Clock
	sleeper Sleeper
	fsync   FsyncAller
	fatal   FatalFunc

	capacityTotal                                          atomic.Uint64
	capacityCkpt, capacityEvict, capacityLog, capacityRead atomic.Uint64
	reservationTotal                                       reservationClock
	reservationCkpt, reservationEvict, reservationLog, reservationRead reservationClock

	capacityWritten   atomic.Uint64
	capacityThreshold atomic.Uint64
	capacitySignalled atomic.Bool

	readOnly   atomic.Bool
	recovering atomic.Bool

	// lifecycle fields, guarded by mu. The hot path (Throttle) touches
	// only the atomics above, except that Signal takes mu briefly to read
	// cond when it actually wakes the flusher.
	mu         sync.Mutex
	run        atomic.Bool
	cond       *condVar
	session    *FlushSession
	closer     *utils.Closer
	pollMicros atomic.Uint64
}

// NewServer constructs a throttle Server for one storage-engine
// connection. fatal may be nil, in which case a fatal fsync error is
// reported via log.Panic, matching "the task panics the connection".
func NewServer(name string, stats *Stats, clock Clock, sleeper Sleeper, fsync FsyncAller, fatal FatalFunc) *Server {
	if stats == nil {
		stats = NewStats()
	}
	return &Server{
		name:    name,
		stats:   stats,
		clock:   clock,
		sleeper: sleeper,
		fsync:   fsync,
		fatal:   fatal,
	}
}

// Stats exposes the server's counters to callers that want to export them.
func (s *Server) Stats() *Stats { return s.stats }

// SetRecovering toggles the early-exit behaviour for crash recovery.
func (s *Server) SetRecovering(v bool) { s.recovering.Store(v) }

// SetClassCapacity independently sets a single class's capacity without
// going through the configuration binder (§3: "independently settable").
func (s *Server) SetClassCapacity(class Class, bytesPerSec uint64) {
	s.classCapacity(class).Store(bytesPerSec)
}

// Create configures and, if the result requires it, starts the background
// flusher. readOnly connections never run a flusher. Create is safe to
// call repeatedly: each call tears down any running flusher first, so
// reconfiguration always starts from a blank slate (§4.D).
func (s *Server) Create(cfg ConfigSource, readOnly bool) error {
	s.readOnly.Store(readOnly)
	return s.configure(cfg)
}

// Reconfigure re-derives capacities from cfg and unconditionally bounces
// the flusher, per §4.D and the "idempotent reconfigure" law in §8.
func (s *Server) Reconfigure(cfg ConfigSource) error {
	return s.configure(cfg)
}

func (s *Server) configure(cfg ConfigSource) error {
	if s.readOnly.Load() {
		return nil
	}

	cc, err := bindConfig(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyLocked()

	s.capacityTotal.Store(cc.total)
	s.capacityCkpt.Store(cc.ckpt)
	s.capacityEvict.Store(cc.evict)
	s.capacityLog.Store(cc.log)
	s.capacityRead.Store(cc.read)
	s.capacityThreshold.Store(cc.threshold)
	s.stats.Threshold.Store(cc.threshold)

	if cc.threshold != 0 {
		s.startLocked()
	}
	return nil
}

func (s *Server) startLocked() {
	s.run.Store(true)
	s.cond = newCondVar()
	s.session = &FlushSession{Tag: sessionTag(s.name)}
	s.closer = utils.NewCloserInitial(1)
	s.pollMicros.Store(uint64(defaultPollInterval / time.Microsecond))

	go s.flusherLoop(s.cond, s.session, s.closer)
}

// Destroy stops the flusher (if running) and releases its resources.
// Destroy is idempotent: calling it with no flusher running is a no-op.
func (s *Server) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

func (s *Server) destroyLocked() {
	if s.run.Load() {
		s.run.Store(false)
		s.cond.signal()
		s.closer.SignalAndWait()
	}
	s.cond = nil
	s.session = nil
	s.closer = nil
	s.pollMicros.Store(0)
}

// Signal hints the flusher that enough has been written to be worth an
// early wakeup. It is a no-op unless capacity_written has crossed the
// threshold and no signal is already in flight (§4.D, §8 "signal
// coalescing").
func (s *Server) Signal() {
	s.stats.SignalCalls.Add(1)

	if s.capacityWritten.Load() < s.capacityThreshold.Load() {
		return
	}
	if !s.capacitySignalled.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	cond := s.cond
	s.mu.Unlock()
	if cond != nil {
		cond.signal()
	}
	s.stats.Signals.Add(1)
}

func (s *Server) classCapacity(class Class) *atomic.Uint64 {
	switch class {
	case ClassCheckpoint:
		return &s.capacityCkpt
	case ClassEviction:
		return &s.capacityEvict
	case ClassLog:
		return &s.capacityLog
	default:
		return &s.capacityRead
	}
}

func (s *Server) classClock(class Class) *reservationClock {
	switch class {
	case ClassCheckpoint:
		return &s.reservationCkpt
	case ClassEviction:
		return &s.reservationEvict
	case ClassLog:
		return &s.reservationLog
	default:
		return &s.reservationRead
	}
}

func (s *Server) reportFatal(err error) {
	if s.fatal != nil {
		s.fatal(err)
		return
	}
	log.Panic(fmt.Errorf("capacity: fsync-all-background failed: %w", err))
}

// sessionTag derives a short, stable identifier for a flusher's internal
// session from the connection name, the same hashing library
// utils/cache already pulls in for its sketch/LRU sharding.
func sessionTag(name string) string {
	return fmt.Sprintf("capacity-server-%08x", xxhash.Sum64String(name))
}
