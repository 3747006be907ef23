package buffercache

// Guard is proof that its holder owns a buffer's content lock.
// It is returned by Read, and becomes inactive once Release is called.
// A guard must not be shared between goroutines.
type Guard struct {

	// active is used to prevent users from using a guard once it has been released.
	active bool
	holder uint64
	buf    *Buf
	cache  *BufferCache
}

// Holding reports whether the guard still holds the buffer's content lock.
func (guard *Guard) Holding() bool {
	return guard.active && guard.buf.lock.Holding(guard.holder)
}

// Data returns the block's contents. Changes are written to disk only by Write.
func (guard *Guard) Data() []byte {

	if !guard.active {
		return nil
	}
	return guard.buf.data
}

func (guard *Guard) Dev() uint32 {

	if !guard.active {
		return 0
	}
	return guard.buf.dev
}

func (guard *Guard) Blockno() uint32 {

	if !guard.active {
		return 0
	}
	return guard.buf.blockno
}

// Write writes the buffer's contents to disk.
// Writing through a released guard is a fatal error.
func (guard *Guard) Write() error {
	return guard.cache.write(guard)
}

// Release releases the content lock and the guard's reference to the buffer.
// Releasing a guard twice is a fatal error.
func (guard *Guard) Release() {

	if !guard.active {
		fatal("Release", ErrNotHeld)
	}
	guard.cache.release(guard)
}

// Pin keeps the buffer cached until the returned pin is unpinned,
// even after the guard has been released.
func (guard *Guard) Pin() *Pin {

	if !guard.active {
		fatal("Pin", ErrNotHeld)
	}
	return guard.cache.pin(guard)
}

// Pin is a reference to a buffer that does not hold its content lock.
// It is used by callers that need a block to stay cached across lock/unlock cycles
// performed by other code, such as a write-ahead log.
type Pin struct {
	active bool
	buf    *Buf
	cache  *BufferCache
}

// Unpin drops the pin's reference. Unpinning twice is a fatal error.
func (pin *Pin) Unpin() {

	if !pin.active {
		fatal("Unpin", ErrNotPinned)
	}
	pin.cache.unpin(pin)
}

func (pin *Pin) Blockno() uint32 {

	if !pin.active {
		return 0
	}
	return pin.buf.blockno
}
