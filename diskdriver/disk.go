package diskdriver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ncw/directio"
)

var (
	ErrBadBlockSize = errors.New("data length does not match the disk block size")
	ErrClosed       = errors.New("disk is closed")
)

// Disk is the synchronous block I/O primitive the buffer cache sits on.
// A call returns only once the block has been transferred.
type Disk interface {

	// ReadWrite transfers one block between data and block blockno of device dev.
	// It reads into data when write is false, and writes data to disk otherwise.
	ReadWrite(dev uint32, blockno uint32, data []byte, write bool) error

	// BlockSize returns the size of a block in bytes.
	BlockSize() int

	// Close releases every device held by the disk.
	Close() error
}

// Open returns a file backed disk storing one image file per device in dir.
// Direct I/O is used when the block size allows it, otherwise reads and writes go through the OS page cache.
func Open(dir string, blockSize int) (Disk, error) {

	if blockSize%directio.BlockSize == 0 {

		disk, err := NewDirectIODisk(dir, blockSize)
		if err != nil {
			return nil, err
		}
		return disk, nil
	}

	slog.Info("block size is not a multiple of the direct I/O block size, falling back to buffered I/O",
		"blockSize", blockSize, "directIOBlockSize", directio.BlockSize, "function", "Open", "at", "diskdriver")

	disk, err := NewOSBufferedDisk(dir, blockSize)
	if err != nil {
		return nil, err
	}
	return disk, nil
}

func checkBlock(data []byte, blockSize int) error {

	if len(data) != blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBadBlockSize, len(data), blockSize)
	}
	return nil
}
