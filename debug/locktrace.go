package debug

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lock tracing reports how long callers wait for, and hold, the chain's
// exclusive locks. It is off by default and switched on from the
// --locktrace flags through Configure. Output goes to the LOCK subsystem
// logger at debug level, so --debuglevel=LOCK=debug is also needed.
//
// For read locks only the wait time is reported. Readers overlap, so a hold
// time would be meaningless.

// TraceConfig controls lock tracing.
type TraceConfig struct {
	Enabled bool

	// MinWait suppresses acquire lines that waited less than this.
	MinWait time.Duration

	// MinHold suppresses release lines of exclusive locks held less than
	// this.
	MinHold time.Duration
}

var (
	traceEnabled atomic.Bool
	minWaitNS    atomic.Int64
	minHoldNS    atomic.Int64

	// lockSeq correlates acquire and release lines of exclusive locks.
	lockSeq atomic.Uint64
)

// Configure installs cfg. It may be called at any time.
func Configure(cfg TraceConfig) {
	minWaitNS.Store(int64(max(cfg.MinWait, 0)))
	minHoldNS.Store(int64(max(cfg.MinHold, 0)))
	traceEnabled.Store(cfg.Enabled)
}

// Enabled reports whether lock tracing is on.
func Enabled() bool {
	return traceEnabled.Load()
}

func callerShort(skip int) string {
	// skip=0 => callerShort; skip=1 => lock/unlock wrapper; skip=2 => real callsite
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return file + ":" + strconv.Itoa(line)
}

// lockState is the tracing bookkeeping shared by Mutex and RWMutex.
type lockState struct {
	name          string
	lastAcquireNS atomic.Int64
	lastSeq       atomic.Uint64
}

func (s *lockState) safeName() string {
	if s.name == "" {
		return "(unnamed)"
	}
	return s.name
}

func (s *lockState) tracedLock(lock func(), mode string) {
	start := time.Now()
	lock()
	wait := time.Since(start)

	seq := lockSeq.Add(1)
	s.lastSeq.Store(seq)
	s.lastAcquireNS.Store(time.Now().UnixNano())

	if int64(wait) >= minWaitNS.Load() {
		log.Debugf("acquire seq=%d name=%s mode=%s wait=%s at=%s",
			seq, s.safeName(), mode, wait.Truncate(time.Microsecond), callerShort(3))
	}
}

func (s *lockState) tracedUnlock(unlock func()) {
	seq := s.lastSeq.Load()
	acqNS := s.lastAcquireNS.Load()
	unlock()

	held := time.Since(time.Unix(0, acqNS))
	if int64(held) >= minHoldNS.Load() {
		log.Debugf("release seq=%d name=%s held=%s at=%s",
			seq, s.safeName(), held.Truncate(time.Microsecond), callerShort(3))
	}
}

// RWMutex is a sync.RWMutex with optional contention tracing.
type RWMutex struct {
	mu sync.RWMutex
	lockState
}

// NewRWMutex returns an RWMutex reported under name.
func NewRWMutex(name string) *RWMutex {
	m := &RWMutex{}
	m.name = name
	return m
}

func (m *RWMutex) Lock() {
	if !traceEnabled.Load() {
		m.mu.Lock()
		return
	}
	m.tracedLock(m.mu.Lock, "Lock")
}

func (m *RWMutex) Unlock() {
	if !traceEnabled.Load() {
		m.mu.Unlock()
		return
	}
	m.tracedUnlock(m.mu.Unlock)
}

func (m *RWMutex) RLock() {
	if !traceEnabled.Load() {
		m.mu.RLock()
		return
	}

	start := time.Now()
	m.mu.RLock()
	wait := time.Since(start)

	if int64(wait) >= minWaitNS.Load() {
		log.Tracef("acquire name=%s mode=RLock wait=%s at=%s",
			m.safeName(), wait.Truncate(time.Microsecond), callerShort(2))
	}
}

func (m *RWMutex) RUnlock() {
	m.mu.RUnlock()
}

// Mutex is a sync.Mutex with optional contention tracing.
type Mutex struct {
	mu sync.Mutex
	lockState
}

// NewMutex returns a Mutex reported under name.
func NewMutex(name string) *Mutex {
	m := &Mutex{}
	m.name = name
	return m
}

func (m *Mutex) Lock() {
	if !traceEnabled.Load() {
		m.mu.Lock()
		return
	}
	m.tracedLock(m.mu.Lock, "Lock")
}

func (m *Mutex) Unlock() {
	if !traceEnabled.Load() {
		m.mu.Unlock()
		return
	}
	m.tracedUnlock(m.mu.Unlock)
}
