package core

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// ConcurrencyProfile selects the lock strategy used on the hot paths. It is
// read from configuration once at startup; RELAXED favours fairness under
// contention, HFT favours latency when critical sections are tiny.
type ConcurrencyProfile string

const (
	ProfileRelaxed ConcurrencyProfile = "relaxed"
	ProfileHFT     ConcurrencyProfile = "hft"
)

// Locker is the runtime-selected lock strategy.
type Locker interface {
	Lock()
	Unlock()
}

// NewLocker returns a locker for the profile. Unknown profiles fall back to
// the relaxed mutex.
func NewLocker(profile ConcurrencyProfile) Locker {
	if profile == ProfileHFT {
		return &spinLock{}
	}
	return &sync.Mutex{}
}

// spinLock busy-waits, yielding the processor between attempts.
type spinLock struct {
	state atomic.Int32
}

func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
