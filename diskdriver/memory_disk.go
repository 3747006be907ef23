package diskdriver

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryDevice struct {
	mutex  *sync.Mutex
	blocks map[uint32][]byte
}

// MemoryDisk keeps every device in memory. Blocks that were never written read as zeroes.
// It counts transfers so callers can tell whether an operation went to disk.
type MemoryDisk struct {
	blockSize int
	devices   *xsync.MapOf[uint32, *memoryDevice]

	reads  *xsync.Counter
	writes *xsync.Counter

	failMutex *sync.Mutex
	failWith  error

	closed atomic.Bool
}

func NewMemoryDisk(blockSize int) *MemoryDisk {
	return &MemoryDisk{
		blockSize: blockSize,
		devices:   xsync.NewMapOf[uint32, *memoryDevice](),
		reads:     xsync.NewCounter(),
		writes:    xsync.NewCounter(),
		failMutex: &sync.Mutex{},
	}
}

func (disk *MemoryDisk) device(dev uint32) *memoryDevice {

	device, _ := disk.devices.LoadOrCompute(dev, func() *memoryDevice {
		return &memoryDevice{
			mutex:  &sync.Mutex{},
			blocks: make(map[uint32][]byte),
		}
	})
	return device
}

// FailWith makes every following transfer fail with err, until it is called with nil.
func (disk *MemoryDisk) FailWith(err error) {

	disk.failMutex.Lock()
	disk.failWith = err
	disk.failMutex.Unlock()
}

func (disk *MemoryDisk) failure() error {

	disk.failMutex.Lock()
	defer disk.failMutex.Unlock()
	return disk.failWith
}

func (disk *MemoryDisk) ReadWrite(dev uint32, blockno uint32, data []byte, write bool) error {

	if err := checkBlock(data, disk.blockSize); err != nil {
		return err
	}

	if disk.closed.Load() {
		return ErrClosed
	}

	if err := disk.failure(); err != nil {
		return err
	}

	device := disk.device(dev)

	device.mutex.Lock()
	defer device.mutex.Unlock()

	if write {
		disk.writes.Inc()
		block, ok := device.blocks[blockno]
		if !ok {
			block = make([]byte, disk.blockSize)
			device.blocks[blockno] = block
		}
		copy(block, data)
		return nil
	}

	disk.reads.Inc()
	if block, ok := device.blocks[blockno]; ok {
		copy(data, block)
	} else {
		clear(data)
	}
	return nil
}

func (disk *MemoryDisk) BlockSize() int {
	return disk.blockSize
}

// Reads returns the number of blocks read so far.
func (disk *MemoryDisk) Reads() int64 {
	return disk.reads.Value()
}

// Writes returns the number of blocks written so far.
func (disk *MemoryDisk) Writes() int64 {
	return disk.writes.Value()
}

// Close drops every device. Transfers after Close fail with ErrClosed.
func (disk *MemoryDisk) Close() error {

	if !disk.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	disk.devices.Clear()
	return nil
}
