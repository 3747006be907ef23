package buffercache

import (
	"github.com/Adarsh-Kmt/DragonKernel/locks"
)

// marks the end of a bucket list.
const nilIndex = -1

// Buf is an in-memory copy of one disk block.
//
// The identity fields (dev, blockno, tagged), refcnt and the list linkage are guarded
// by the lock of the bucket the buffer is in. data and valid are guarded by the content lock.
type Buf struct {
	id int

	dev     uint32
	blockno uint32
	// tagged is false until the buffer has been assigned a block.
	tagged bool

	// valid is set once data holds the block's contents.
	valid  bool
	refcnt int

	data []byte
	lock *locks.SleepLock

	bucket int
	prev   int
	next   int
}

// bucket is a doubly linked list of buffers, threaded through the buffer array by index.
// head is the most recently released buffer, tail the least recently released one.
type bucket struct {
	lock *locks.SpinLock
	head int
	tail int
	size int
}

func (cache *BufferCache) pushFront(bucketNo int, b int) {

	bk := &cache.buckets[bucketNo]
	buf := &cache.bufs[b]

	buf.bucket = bucketNo
	buf.prev = nilIndex
	buf.next = bk.head

	if bk.head != nilIndex {
		cache.bufs[bk.head].prev = b
	} else {
		bk.tail = b
	}
	bk.head = b
	bk.size++
}

func (cache *BufferCache) unlink(b int) {

	buf := &cache.bufs[b]
	bk := &cache.buckets[buf.bucket]

	if buf.prev != nilIndex {
		cache.bufs[buf.prev].next = buf.next
	} else {
		bk.head = buf.next
	}

	if buf.next != nilIndex {
		cache.bufs[buf.next].prev = buf.prev
	} else {
		bk.tail = buf.prev
	}

	buf.prev = nilIndex
	buf.next = nilIndex
	bk.size--
}

// moveToFront marks b as the most recently released buffer of its bucket.
func (cache *BufferCache) moveToFront(b int) {

	bucketNo := cache.bufs[b].bucket
	cache.unlink(b)
	cache.pushFront(bucketNo, b)
}

// lookup scans a bucket for the buffer caching (dev, blockno). The bucket lock must be held.
func (cache *BufferCache) lookup(bucketNo int, dev uint32, blockno uint32) int {

	for b := cache.buckets[bucketNo].head; b != nilIndex; b = cache.bufs[b].next {

		buf := &cache.bufs[b]
		if buf.tagged && buf.dev == dev && buf.blockno == blockno {
			return b
		}
	}
	return nilIndex
}

// lruUnreferenced scans a bucket from its least recently released end for a buffer nobody references.
// The bucket lock must be held.
func (cache *BufferCache) lruUnreferenced(bucketNo int) int {

	for b := cache.buckets[bucketNo].tail; b != nilIndex; b = cache.bufs[b].prev {

		if cache.bufs[b].refcnt == 0 {
			return b
		}
	}
	return nilIndex
}

// incRef and decRef keep the count of referenced buffers in step with refcnt.
// The lock of the buffer's bucket must be held.
func (cache *BufferCache) incRef(b int) {

	buf := &cache.bufs[b]
	if buf.refcnt == 0 {
		cache.referenced.Add(1)
	}
	buf.refcnt++
}

func (cache *BufferCache) decRef(b int) {

	buf := &cache.bufs[b]
	buf.refcnt--
	if buf.refcnt == 0 {
		cache.referenced.Add(-1)
	}
}
