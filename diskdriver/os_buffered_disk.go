package diskdriver

import (
	"os"
)

// OSBufferedDisk reads and writes device images through the host page cache.
// It accepts any block size, and is used when blocks are too small for direct I/O.
type OSBufferedDisk struct {
	*fileDisk
}

func NewOSBufferedDisk(dir string, blockSize int) (*OSBufferedDisk, error) {

	disk, err := newFileDisk(dir, blockSize, "OSBufferedDisk", func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	})

	if err != nil {
		return nil, err
	}
	return &OSBufferedDisk{fileDisk: disk}, nil
}
