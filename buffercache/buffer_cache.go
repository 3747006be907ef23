// Package buffercache caches disk blocks in a fixed pool of buffers.
//
// Caching blocks in memory reduces the number of disk reads, and gives goroutines
// that use the same block a synchronization point: only one holder at a time may use a buffer.
//
//   - To get a buffer for a block, call Read.
//   - After changing the buffer's data, call Guard.Write to write it to disk.
//   - When done with the buffer, call Guard.Release. Do not use the guard afterwards.
//   - To keep a block cached across lock/unlock cycles, take a Pin.
package buffercache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Adarsh-Kmt/DragonKernel/config"
	"github.com/Adarsh-Kmt/DragonKernel/diskdriver"
	"github.com/Adarsh-Kmt/DragonKernel/locks"
	"github.com/ncw/directio"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrNoBuffers is raised, as a panic, when every buffer in the pool is referenced.
	ErrNoBuffers = errors.New("bget: no buffers")

	// ErrNotHeld is raised, as a panic, when a buffer is used without holding its content lock.
	ErrNotHeld = errors.New("buffer content lock not held")

	// ErrNotPinned is raised, as a panic, when a pin is released twice.
	ErrNotPinned = errors.New("buffer not pinned")

	ErrBuffersInUse = errors.New("buffers are still referenced")
)

type BufferCache struct {
	cfg  config.Config
	disk diskdriver.Disk

	bufs    []Buf
	buckets []bucket

	// number of buffers with refcnt > 0.
	referenced atomic.Int64

	// source of content lock holder tokens.
	holders atomic.Uint64

	hits       *xsync.Counter
	misses     *xsync.Counter
	evictions  *xsync.Counter
	diskReads  *xsync.Counter
	diskWrites *xsync.Counter
}

// Stats counts buffer cache activity since startup.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	DiskReads  int64
	DiskWrites int64
}

// New allocates cfg.NumBuffers buffers and links all of them into bucket 0.
func New(cfg config.Config, disk diskdriver.Disk) (*BufferCache, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if disk.BlockSize() != cfg.BlockSize {
		return nil, fmt.Errorf("disk block size %d does not match configured block size %d", disk.BlockSize(), cfg.BlockSize)
	}

	cache := &BufferCache{
		cfg:        cfg,
		disk:       disk,
		bufs:       make([]Buf, cfg.NumBuffers),
		buckets:    make([]bucket, cfg.NumBuckets),
		hits:       xsync.NewCounter(),
		misses:     xsync.NewCounter(),
		evictions:  xsync.NewCounter(),
		diskReads:  xsync.NewCounter(),
		diskWrites: xsync.NewCounter(),
	}

	for i := range cache.buckets {
		cache.buckets[i] = bucket{
			lock: locks.NewSpinLock(fmt.Sprintf("bcache_bucket_%d", i)),
			head: nilIndex,
			tail: nilIndex,
		}
	}

	for i := range cache.bufs {

		// aligned payloads can be handed to a direct I/O disk as they are.
		cache.bufs[i] = Buf{
			id:   i,
			data: directio.AlignedBlock(cfg.BlockSize),
			lock: locks.NewSleepLock(fmt.Sprintf("buffer_%d", i)),
			prev: nilIndex,
			next: nilIndex,
		}
		cache.pushFront(0, i)
	}

	slog.Info("Buffer cache initialized", "buffers", cfg.NumBuffers, "buckets", cfg.NumBuckets, "blockSize", cfg.BlockSize,
		"function", "New", "at", "BufferCache")

	return cache, nil
}

func fatal(function string, err error) {

	slog.Error("Fatal buffer cache error", "error", err.Error(), "function", function, "at", "BufferCache")
	panic(err)
}

// get returns a guard holding the content lock of the buffer for (dev, blockno),
// recycling the least recently released unreferenced buffer if the block is not cached.
func (cache *BufferCache) get(dev uint32, blockno uint32) *Guard {

	target := cache.cfg.Hash(blockno)
	bk := &cache.buckets[target]

	bk.lock.Lock()

	if b := cache.lookup(target, dev, blockno); b != nilIndex {

		cache.incRef(b)
		bk.lock.Unlock()

		cache.hits.Inc()
		slog.Debug("Cache hit", "dev", dev, "blockno", blockno, "buffer", b, "function", "get", "at", "BufferCache")

		return cache.acquire(b)
	}

	bk.lock.Unlock()

	numBuckets := cache.cfg.NumBuckets

	for {
		// visit the other buckets in cyclic order, then the target bucket itself.
		for step := 1; step <= numBuckets; step++ {

			donor := (target + step) % numBuckets

			b, hit := cache.recycle(target, donor, dev, blockno)

			if b == nilIndex {
				continue
			}

			if hit {
				cache.hits.Inc()
			} else {
				cache.misses.Inc()
				slog.Debug("Cache miss, recycled buffer", "dev", dev, "blockno", blockno, "buffer", b, "donor", donor,
					"function", "get", "at", "BufferCache")
			}
			return cache.acquire(b)
		}

		// a buffer released into an already visited bucket can escape one pass,
		// so search again as long as some buffer is unreferenced.
		if cache.referenced.Load() >= int64(len(cache.bufs)) {
			break
		}
	}

	fatal("get", fmt.Errorf("%w: all %d buffers are referenced, cannot cache block %d of device %d",
		ErrNoBuffers, len(cache.bufs), blockno, dev))
	return nil
}

// recycle looks for (dev, blockno) in the target bucket and otherwise moves the least recently
// released unreferenced buffer of the donor bucket to the head of the target bucket, stamped with the new block.
//
// Both bucket locks are taken in ascending index order, so two goroutines recycling into each
// other's bucket cannot deadlock, and the moved buffer is never outside a bucket while unlocked.
// The returned buffer is referenced, hit reports whether it already cached the block.
func (cache *BufferCache) recycle(target int, donor int, dev uint32, blockno uint32) (b int, hit bool) {

	first, second := min(target, donor), max(target, donor)

	cache.buckets[first].lock.Lock()
	defer cache.buckets[first].lock.Unlock()

	if second != first {
		cache.buckets[second].lock.Lock()
		defer cache.buckets[second].lock.Unlock()
	}

	// another goroutine may have cached the block since the target bucket was last checked.
	if b = cache.lookup(target, dev, blockno); b != nilIndex {
		cache.incRef(b)
		return b, true
	}

	b = cache.lruUnreferenced(donor)

	if b == nilIndex {
		return nilIndex, false
	}

	buf := &cache.bufs[b]

	if buf.tagged {
		cache.evictions.Inc()
	}

	buf.dev = dev
	buf.blockno = blockno
	buf.tagged = true
	buf.valid = false
	cache.incRef(b)

	cache.unlink(b)
	cache.pushFront(target, b)

	return b, false
}

// acquire blocks until the content lock of buffer b is free, and returns a guard holding it.
// No bucket lock may be held.
func (cache *BufferCache) acquire(b int) *Guard {

	holder := cache.holders.Add(1)
	buf := &cache.bufs[b]

	buf.lock.Acquire(holder)

	return &Guard{
		active: true,
		holder: holder,
		buf:    buf,
		cache:  cache,
	}
}

// Read returns a guard holding the buffer for block blockno of device dev, with the block's contents.
func (cache *BufferCache) Read(dev uint32, blockno uint32) (*Guard, error) {

	guard := cache.get(dev, blockno)

	if !guard.buf.valid {

		if err := cache.disk.ReadWrite(dev, blockno, guard.buf.data, false); err != nil {

			slog.Error("Failed to read block", "dev", dev, "blockno", blockno, "error", err.Error(), "function", "Read", "at", "BufferCache")
			guard.Release()
			return nil, fmt.Errorf("read block %d of device %d: %w", blockno, dev, err)
		}

		cache.diskReads.Inc()
		guard.buf.valid = true
	}

	return guard, nil
}

// write writes the guarded buffer to disk. The content lock must be held.
func (cache *BufferCache) write(guard *Guard) error {

	if !guard.Holding() {
		fatal("write", fmt.Errorf("bwrite: %w", ErrNotHeld))
	}

	buf := guard.buf

	if err := cache.disk.ReadWrite(buf.dev, buf.blockno, buf.data, true); err != nil {
		slog.Error("Failed to write block", "dev", buf.dev, "blockno", buf.blockno, "error", err.Error(), "function", "write", "at", "BufferCache")
		return fmt.Errorf("write block %d of device %d: %w", buf.blockno, buf.dev, err)
	}

	cache.diskWrites.Inc()
	return nil
}

// release releases the content lock, and makes the buffer the most recently released one
// of its bucket if nobody references it anymore.
func (cache *BufferCache) release(guard *Guard) {

	if !guard.Holding() {
		fatal("release", fmt.Errorf("brelse: %w", ErrNotHeld))
	}

	buf := guard.buf

	buf.lock.Release(guard.holder)

	guard.active = false
	guard.buf = nil
	guard.cache = nil

	// the guard's reference keeps the buffer in this bucket until decRef.
	bk := &cache.buckets[buf.bucket]

	bk.lock.Lock()

	cache.decRef(buf.id)
	if buf.refcnt == 0 {
		cache.moveToFront(buf.id)
	}

	bk.lock.Unlock()
}

func (cache *BufferCache) pin(guard *Guard) *Pin {

	if !guard.Holding() {
		fatal("pin", fmt.Errorf("bpin: %w", ErrNotHeld))
	}

	buf := guard.buf
	bk := &cache.buckets[buf.bucket]

	bk.lock.Lock()
	cache.incRef(buf.id)
	bk.lock.Unlock()

	return &Pin{
		active: true,
		buf:    buf,
		cache:  cache,
	}
}

func (cache *BufferCache) unpin(pin *Pin) {

	if !pin.active {
		fatal("unpin", fmt.Errorf("bunpin: %w", ErrNotPinned))
	}

	buf := pin.buf
	bk := &cache.buckets[buf.bucket]

	bk.lock.Lock()
	cache.decRef(buf.id)
	bk.lock.Unlock()

	pin.active = false
	pin.buf = nil
	pin.cache = nil
}

// Stats returns a snapshot of the cache counters.
func (cache *BufferCache) Stats() Stats {
	return Stats{
		Hits:       cache.hits.Value(),
		Misses:     cache.misses.Value(),
		Evictions:  cache.evictions.Value(),
		DiskReads:  cache.diskReads.Value(),
		DiskWrites: cache.diskWrites.Value(),
	}
}

// Referenced returns the number of buffers that currently have holders or pins.
func (cache *BufferCache) Referenced() int {
	return int(cache.referenced.Load())
}

// Close closes the disk. It reports ErrBuffersInUse, joined with any disk error,
// when some buffer is still referenced; the disk is closed either way.
func (cache *BufferCache) Close() error {

	slog.Info("Closing buffer cache...", "function", "Close", "at", "BufferCache")

	var inUse error

	if n := cache.Referenced(); n > 0 {
		slog.Error("Buffers still referenced at close", "referenced", n, "function", "Close", "at", "BufferCache")
		inUse = fmt.Errorf("%w: %d buffers", ErrBuffersInUse, n)
	}

	return errors.Join(inUse, cache.disk.Close())
}
