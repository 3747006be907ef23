package buffercache

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adarsh-Kmt/DragonKernel/config"
	"github.com/Adarsh-Kmt/DragonKernel/diskdriver"
	"github.com/stretchr/testify/suite"
)

// recoverFatal runs fn and returns the error it panicked with, if any.
func recoverFatal(fn func()) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func testConfig(numBuffers int, numBuckets int) config.Config {

	cfg := config.Default()
	cfg.NumBuffers = numBuffers
	cfg.NumBuckets = numBuckets
	cfg.BlockSize = 512
	return cfg
}

func cachedBlocks(cache *BufferCache) map[uint32]bool {

	blocks := make(map[uint32]bool)
	for _, bucket := range cache.Snapshot() {
		for _, info := range bucket {
			if info.Tagged {
				blocks[info.Blockno] = true
			}
		}
	}
	return blocks
}

type BufferCacheTestSuite struct {
	suite.Suite
	disk  *diskdriver.MemoryDisk
	cache *BufferCache
}

func (bs *BufferCacheTestSuite) newCache(numBuffers int, numBuckets int) {

	bs.disk = diskdriver.NewMemoryDisk(512)

	cache, err := New(testConfig(numBuffers, numBuckets), bs.disk)
	bs.Require().NoError(err)
	bs.cache = cache
}

func (bs *BufferCacheTestSuite) SetupTest() {
	bs.newCache(3, 13)
}

func (bs *BufferCacheTestSuite) TearDownTest() {
	bs.Assert().NoError(bs.cache.CheckInvariants())
}

func (bs *BufferCacheTestSuite) read(blockno uint32) *Guard {

	guard, err := bs.cache.Read(1, blockno)
	bs.Require().NoError(err)
	return guard
}

func (bs *BufferCacheTestSuite) TestInitialLayout() {

	snapshot := bs.cache.Snapshot()

	bs.Require().Len(snapshot, 13)
	bs.Assert().Len(snapshot[0], 3)

	for _, bucket := range snapshot[1:] {
		bs.Assert().Empty(bucket)
	}

	// the first buffer ends up at the least recently released end.
	bs.Assert().Equal(0, snapshot[0][2].ID)
}

func (bs *BufferCacheTestSuite) TestMismatchedBlockSize() {

	_, err := New(testConfig(3, 13), diskdriver.NewMemoryDisk(1024))
	bs.Assert().Error(err)
}

func (bs *BufferCacheTestSuite) TestHitAvoidsDiskRead() {

	guard := bs.read(5)
	binary.LittleEndian.PutUint64(guard.Data(), 42)
	guard.Release()

	guard = bs.read(5)
	bs.Assert().Equal(uint64(42), binary.LittleEndian.Uint64(guard.Data()))
	guard.Release()

	bs.Assert().Equal(int64(1), bs.disk.Reads())

	stats := bs.cache.Stats()
	bs.Assert().Equal(int64(1), stats.Hits)
	bs.Assert().Equal(int64(1), stats.Misses)
	bs.Assert().Equal(int64(1), stats.DiskReads)
}

func (bs *BufferCacheTestSuite) TestHitWaitsForHolder() {

	guard := bs.read(7)
	copy(guard.Data(), "held")

	done := make(chan []byte)

	go func() {
		second, err := bs.cache.Read(1, 7)
		if err != nil {
			done <- nil
			return
		}
		data := append([]byte(nil), second.Data()[:4]...)
		second.Release()
		done <- data
	}()

	select {
	case <-done:
		bs.FailNow("second reader acquired a held buffer")
	case <-time.After(20 * time.Millisecond):
	}

	copy(guard.Data(), "done")
	guard.Release()

	bs.Assert().Equal([]byte("done"), <-done)
	bs.Assert().Equal(int64(1), bs.disk.Reads())
}

func (bs *BufferCacheTestSuite) TestWriteReachesDisk() {

	guard := bs.read(3)
	binary.LittleEndian.PutUint64(guard.Data(), 99)
	bs.Require().NoError(guard.Write())
	guard.Release()

	bs.Assert().Equal(int64(1), bs.disk.Writes())

	// a fresh cache over the same disk must see the write.
	cache, err := New(testConfig(3, 13), bs.disk)
	bs.Require().NoError(err)

	guard, err = cache.Read(1, 3)
	bs.Require().NoError(err)
	bs.Assert().Equal(uint64(99), binary.LittleEndian.Uint64(guard.Data()))
	guard.Release()
}

func (bs *BufferCacheTestSuite) TestExhaustionIsFatal() {

	guards := []*Guard{bs.read(1), bs.read(2), bs.read(3)}

	err := recoverFatal(func() { bs.read(4) })
	bs.Assert().ErrorIs(err, ErrNoBuffers)

	for _, guard := range guards {
		guard.Release()
	}

	guard := bs.read(4)
	guard.Release()
}

func (bs *BufferCacheTestSuite) TestTargetBucketIsSearchedLast() {

	// every buffer starts in bucket 0, which is also block 0's bucket.
	guard := bs.read(0)
	guard.Release()

	guard = bs.read(13)
	guard.Release()

	bs.Assert().Len(bs.cache.Snapshot()[0], 3)
}

func (bs *BufferCacheTestSuite) TestLeastRecentlyReleasedIsEvicted() {

	bs.newCache(3, 1)

	for blockno := uint32(1); blockno <= 3; blockno++ {
		bs.read(blockno).Release()
	}

	// block 1 becomes the most recently released.
	bs.read(1).Release()

	bs.read(4).Release()
	bs.Assert().Equal(map[uint32]bool{1: true, 3: true, 4: true}, cachedBlocks(bs.cache))

	bs.read(5).Release()
	bs.Assert().Equal(map[uint32]bool{1: true, 4: true, 5: true}, cachedBlocks(bs.cache))

	bs.Assert().Equal(int64(2), bs.cache.Stats().Evictions)
}

func (bs *BufferCacheTestSuite) TestEvictionOrderFollowsRelease() {

	bs.newCache(4, 1)

	for blockno := uint32(10); blockno < 14; blockno++ {
		bs.read(blockno).Release()
	}

	// each new block must evict the block released longest ago.
	for blockno := uint32(14); blockno < 30; blockno++ {

		bs.read(blockno).Release()

		blocks := cachedBlocks(bs.cache)
		bs.Assert().False(blocks[blockno-4], "block %d should have been evicted", blockno-4)
		bs.Assert().True(blocks[blockno-3])
	}
}

func (bs *BufferCacheTestSuite) TestEvictionIsLeastRecentlyReleasedPerBucket() {

	bs.newCache(2, 2)

	// block 0 stays in bucket 0, block 1 takes the other buffer into bucket 1.
	bs.read(0).Release()
	bs.read(1).Release()

	// block 2 hashes to bucket 0, whose search starts at bucket 1, so the more
	// recently released block 1 is evicted while block 0 stays cached.
	bs.read(2).Release()
	bs.Assert().Equal(map[uint32]bool{0: true, 2: true}, cachedBlocks(bs.cache))

	snapshot := bs.cache.Snapshot()
	bs.Assert().Len(snapshot[0], 2)
	bs.Assert().Empty(snapshot[1])

	// within bucket 0 the block released longest ago goes first.
	bs.read(4).Release()
	bs.Assert().Equal(map[uint32]bool{2: true, 4: true}, cachedBlocks(bs.cache))

	bs.Assert().Equal(int64(2), bs.cache.Stats().Evictions)
}

func (bs *BufferCacheTestSuite) TestPinKeepsBlockCached() {

	bs.newCache(2, 1)

	guard := bs.read(1)
	pin := guard.Pin()
	guard.Release()

	bs.read(2).Release()
	held := bs.read(3)

	blocks := cachedBlocks(bs.cache)
	bs.Assert().True(blocks[1])
	bs.Assert().False(blocks[2])

	err := recoverFatal(func() { bs.read(4) })
	bs.Assert().ErrorIs(err, ErrNoBuffers)

	bs.Assert().Equal(uint32(1), pin.Blockno())
	pin.Unpin()

	bs.read(4).Release()
	held.Release()

	bs.Assert().False(cachedBlocks(bs.cache)[1])
	bs.Assert().Equal(0, bs.cache.Referenced())
}

func (bs *BufferCacheTestSuite) TestMisuseIsFatal() {

	guard := bs.read(1)
	pin := guard.Pin()
	guard.Release()

	bs.Assert().False(guard.Holding())
	bs.Assert().Nil(guard.Data())

	bs.Assert().ErrorIs(recoverFatal(func() { guard.Release() }), ErrNotHeld)
	bs.Assert().ErrorIs(recoverFatal(func() { guard.Write() }), ErrNotHeld)
	bs.Assert().ErrorIs(recoverFatal(func() { guard.Pin() }), ErrNotHeld)

	pin.Unpin()
	bs.Assert().ErrorIs(recoverFatal(func() { pin.Unpin() }), ErrNotPinned)
}

func (bs *BufferCacheTestSuite) TestFailedReadReleasesBuffer() {

	injected := errors.New("disk on fire")
	bs.disk.FailWith(injected)

	_, err := bs.cache.Read(1, 8)
	bs.Assert().ErrorIs(err, injected)
	bs.Assert().Equal(0, bs.cache.Referenced())

	bs.disk.FailWith(nil)

	guard := bs.read(8)
	bs.Assert().Equal(uint32(8), guard.Blockno())
	bs.Assert().Equal(uint32(1), guard.Dev())
	guard.Release()
}

func (bs *BufferCacheTestSuite) TestDevicesAreDistinct() {

	first, err := bs.cache.Read(1, 2)
	bs.Require().NoError(err)
	second, err := bs.cache.Read(2, 2)
	bs.Require().NoError(err)

	bs.Assert().NotSame(first.buf, second.buf)

	first.Release()
	second.Release()
}

func (bs *BufferCacheTestSuite) TestCloseWithReferencedBuffers() {

	guard := bs.read(1)
	bs.Assert().ErrorIs(bs.cache.Close(), ErrBuffersInUse)

	// the disk is closed even though a buffer was still held.
	bs.Assert().ErrorIs(bs.disk.ReadWrite(1, 1, make([]byte, 512), false), diskdriver.ErrClosed)

	guard.Release()
	bs.Assert().Equal(0, bs.cache.Referenced())
	bs.Assert().ErrorIs(bs.cache.Close(), diskdriver.ErrClosed)
}

func (bs *BufferCacheTestSuite) TestCloseClosesDisk() {

	bs.read(1).Release()
	bs.Require().NoError(bs.cache.Close())

	_, err := bs.cache.Read(1, 2)
	bs.Assert().ErrorIs(err, diskdriver.ErrClosed)
	bs.Assert().Equal(0, bs.cache.Referenced())
}

func (bs *BufferCacheTestSuite) TestConcurrentMutualExclusion() {

	bs.newCache(10, 13)

	const (
		goroutines = 8
		iterations = 300
		numBlocks  = 30
	)

	holders := make([]atomic.Int32, numBlocks)
	increments := make([]atomic.Int64, numBlocks)
	violations := &atomic.Int64{}
	failures := &atomic.Int64{}

	wg := &sync.WaitGroup{}

	for g := range goroutines {

		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))

			for range iterations {

				blockno := uint32(rng.Intn(numBlocks))

				guard, err := bs.cache.Read(1, blockno)
				if err != nil {
					failures.Add(1)
					continue
				}

				if holders[blockno].Add(1) != 1 {
					violations.Add(1)
				}

				data := guard.Data()
				binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
				if err := guard.Write(); err != nil {
					failures.Add(1)
				}
				increments[blockno].Add(1)

				holders[blockno].Add(-1)
				guard.Release()
			}
		}(int64(g))
	}
	wg.Wait()

	bs.Require().Equal(int64(0), violations.Load())
	bs.Require().Equal(int64(0), failures.Load())
	bs.Require().NoError(bs.cache.CheckInvariants())

	for blockno := range numBlocks {

		guard := bs.read(uint32(blockno))
		bs.Assert().Equal(uint64(increments[blockno].Load()), binary.LittleEndian.Uint64(guard.Data()), "block %d", blockno)
		guard.Release()
	}

	bs.Assert().Equal(int64(goroutines*iterations), bs.cache.Stats().DiskWrites)
	bs.Assert().Equal(0, bs.cache.Referenced())
}

func TestBufferCache(t *testing.T) {
	suite.Run(t, new(BufferCacheTestSuite))
}
