package locks

import (
	"sync"
)

// NoHolder is the holder token of an unlocked sleep lock.
const NoHolder uint64 = 0

// SleepLock is a blocking mutual exclusion lock held for long operations, such as
// a read/modify/write of a disk block. A goroutine that finds it held is parked until release.
//
// Every acquire names a holder token, so the lock can answer whether a particular
// holder owns it. Tokens must be non-zero.
type SleepLock struct {
	name string

	mutex  *sync.Mutex
	cond   *sync.Cond
	locked bool
	holder uint64
}

func NewSleepLock(name string) *SleepLock {

	mutex := &sync.Mutex{}

	return &SleepLock{
		name:  name,
		mutex: mutex,
		cond:  sync.NewCond(mutex),
	}
}

// Acquire blocks until the lock is free, then records holder as its owner.
func (lock *SleepLock) Acquire(holder uint64) {

	if holder == NoHolder {
		panic("locks: acquire of sleep lock " + lock.name + " with empty holder token")
	}

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	for lock.locked {
		lock.cond.Wait()
	}
	lock.locked = true
	lock.holder = holder
}

// Release frees the lock and wakes up waiters. Releasing a lock owned by another holder is fatal.
func (lock *SleepLock) Release(holder uint64) {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	if !lock.locked || lock.holder != holder {
		panic("locks: release of sleep lock " + lock.name + " by a goroutine not holding it")
	}

	lock.locked = false
	lock.holder = NoHolder
	lock.cond.Broadcast()
}

// Holding reports whether the lock is currently owned by holder.
func (lock *SleepLock) Holding(holder uint64) bool {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	return lock.locked && lock.holder == holder
}

func (lock *SleepLock) Name() string {
	return lock.name
}
