package diskdriver

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// DirectIODisk uses Direct I/O to move blocks directly between buffer cache memory and the disk controller.
//
// Direct I/O bypasses the host page cache, this is useful because:
// 1. It prevents a block from being cached twice, once in the host page cache and once in the buffer cache.
// 2. A write has reached the device when ReadWrite returns, which is what callers of a synchronous driver expect.
//
// Buffers passed to ReadWrite must be aligned, see directio.AlignedBlock.
type DirectIODisk struct {
	*fileDisk
}

func NewDirectIODisk(dir string, blockSize int) (*DirectIODisk, error) {

	if blockSize%directio.BlockSize != 0 {
		return nil, fmt.Errorf("%w: direct I/O needs a multiple of %d, got %d", ErrBadBlockSize, directio.BlockSize, blockSize)
	}

	disk, err := newFileDisk(dir, blockSize, "DirectIODisk", func(path string) (*os.File, error) {
		return directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	})

	if err != nil {
		return nil, err
	}
	return &DirectIODisk{fileDisk: disk}, nil
}
