package buffercache

import (
	"errors"
	"fmt"
)

// BufferInfo describes one buffer as seen during a bucket walk.
type BufferInfo struct {
	ID      int
	Dev     uint32
	Blockno uint32
	Tagged  bool
	Valid   bool
	Refcnt  int
}

// lockAll takes every bucket lock in ascending order, the same order recycle uses.
func (cache *BufferCache) lockAll() {
	for i := range cache.buckets {
		cache.buckets[i].lock.Lock()
	}
}

func (cache *BufferCache) unlockAll() {
	for i := len(cache.buckets) - 1; i >= 0; i-- {
		cache.buckets[i].lock.Unlock()
	}
}

// Snapshot returns the buffers of every bucket, most recently released first.
func (cache *BufferCache) Snapshot() [][]BufferInfo {

	cache.lockAll()
	defer cache.unlockAll()

	snapshot := make([][]BufferInfo, len(cache.buckets))

	for bucketNo := range cache.buckets {

		infos := make([]BufferInfo, 0, cache.buckets[bucketNo].size)

		for b := cache.buckets[bucketNo].head; b != nilIndex; b = cache.bufs[b].next {

			buf := &cache.bufs[b]
			infos = append(infos, BufferInfo{
				ID:      buf.id,
				Dev:     buf.dev,
				Blockno: buf.blockno,
				Tagged:  buf.tagged,
				Valid:   buf.valid,
				Refcnt:  buf.refcnt,
			})
		}
		snapshot[bucketNo] = infos
	}
	return snapshot
}

type blockKey struct {
	dev     uint32
	blockno uint32
}

// CheckInvariants walks every bucket in both directions and verifies that each buffer is linked
// into exactly one bucket, that no block is cached twice, and that reference counts add up.
func (cache *BufferCache) CheckInvariants() error {

	cache.lockAll()
	defer cache.unlockAll()

	var errs []error

	seen := make([]int, len(cache.bufs))
	blocks := make(map[blockKey]int)
	referenced := 0

	for bucketNo := range cache.buckets {

		bk := &cache.buckets[bucketNo]
		count := 0
		prev := nilIndex

		for b := bk.head; b != nilIndex; b = cache.bufs[b].next {

			buf := &cache.bufs[b]
			count++
			seen[b]++

			if seen[b] > 1 {
				errs = append(errs, fmt.Errorf("buffer %d linked more than once", b))
				break
			}
			if buf.prev != prev {
				errs = append(errs, fmt.Errorf("buffer %d in bucket %d has broken back link", b, bucketNo))
			}
			if buf.bucket != bucketNo {
				errs = append(errs, fmt.Errorf("buffer %d is in bucket %d but records bucket %d", b, bucketNo, buf.bucket))
			}
			if buf.refcnt < 0 {
				errs = append(errs, fmt.Errorf("buffer %d has negative reference count %d", b, buf.refcnt))
			}
			if buf.refcnt > 0 {
				referenced++
			}

			if buf.tagged {

				if cache.cfg.Hash(buf.blockno) != bucketNo {
					errs = append(errs, fmt.Errorf("buffer %d caches block %d but is in bucket %d", b, buf.blockno, bucketNo))
				}

				key := blockKey{dev: buf.dev, blockno: buf.blockno}
				if other, ok := blocks[key]; ok {
					errs = append(errs, fmt.Errorf("block %d of device %d cached by buffers %d and %d", buf.blockno, buf.dev, other, b))
				}
				blocks[key] = b
			}
			prev = b
		}

		if prev != bk.tail {
			errs = append(errs, fmt.Errorf("bucket %d tail is %d, walk ended at %d", bucketNo, bk.tail, prev))
		}
		if count != bk.size {
			errs = append(errs, fmt.Errorf("bucket %d holds %d buffers but records %d", bucketNo, count, bk.size))
		}
	}

	for b, n := range seen {
		if n == 0 {
			errs = append(errs, fmt.Errorf("buffer %d is not in any bucket", b))
		}
	}

	if int64(referenced) != cache.referenced.Load() {
		errs = append(errs, fmt.Errorf("%d buffers referenced but counter says %d", referenced, cache.referenced.Load()))
	}

	return errors.Join(errs...)
}
