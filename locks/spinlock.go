package locks

import (
	"runtime"
	"sync/atomic"
)

// spins before yielding the processor to other goroutines.
const spinsBeforeYield = 64

// SpinLock is a non-blocking mutual exclusion lock for short critical sections
// that only mutate pointers and counters. A goroutine waiting on it busy-waits
// instead of being parked, so it must never be held across an operation that can block.
type SpinLock struct {
	name   string
	locked atomic.Bool
}

func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name}
}

func (lock *SpinLock) Lock() {

	spins := 0
	for !lock.locked.CompareAndSwap(false, true) {
		spins++
		if spins == spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

func (lock *SpinLock) TryLock() bool {
	return lock.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking a lock that is not held is a fatal error.
func (lock *SpinLock) Unlock() {

	if !lock.locked.CompareAndSwap(true, false) {
		panic("locks: unlock of unlocked spin lock " + lock.name)
	}
}

func (lock *SpinLock) Holding() bool {
	return lock.locked.Load()
}

func (lock *SpinLock) Name() string {
	return lock.name
}
