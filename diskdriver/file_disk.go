package diskdriver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// fileDisk stores every device as an image file in a directory.
// Device files are opened lazily on first access and kept open until Close.
type fileDisk struct {
	dir       string
	blockSize int
	at        string

	openFile func(path string) (*os.File, error)
	devices  *xsync.MapOf[uint32, *os.File]
	closed   atomic.Bool
}

func newFileDisk(dir string, blockSize int, at string, openFile func(path string) (*os.File, error)) (*fileDisk, error) {

	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive, got %d", ErrBadBlockSize, blockSize)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create disk directory", "dir", dir, "error", err.Error(), "function", "newFileDisk", "at", at)
		return nil, err
	}

	return &fileDisk{
		dir:       dir,
		blockSize: blockSize,
		at:        at,
		openFile:  openFile,
		devices:   xsync.NewMapOf[uint32, *os.File](),
	}, nil
}

// DevicePath returns the path of the image file backing device dev.
func (disk *fileDisk) DevicePath(dev uint32) string {
	return filepath.Join(disk.dir, fmt.Sprintf("dev%d.img", dev))
}

func (disk *fileDisk) device(dev uint32) (*os.File, error) {

	if file, ok := disk.devices.Load(dev); ok {
		return file, nil
	}

	slog.Info("Opening device image", "dev", dev, "path", disk.DevicePath(dev), "function", "device", "at", disk.at)

	file, err := disk.openFile(disk.DevicePath(dev))

	if err != nil {
		slog.Error("Failed to open device image", "dev", dev, "error", err.Error(), "function", "device", "at", disk.at)
		return nil, err
	}

	// another goroutine may have opened the same device in the meantime.
	actual, loaded := disk.devices.LoadOrStore(dev, file)
	if loaded {
		file.Close()
	}
	return actual, nil
}

func (disk *fileDisk) BlockSize() int {
	return disk.blockSize
}

func (disk *fileDisk) ReadWrite(dev uint32, blockno uint32, data []byte, write bool) error {

	if disk.closed.Load() {
		return ErrClosed
	}

	if err := checkBlock(data, disk.blockSize); err != nil {
		return err
	}

	file, err := disk.device(dev)

	if err != nil {
		return err
	}

	offset := int64(blockno) * int64(disk.blockSize)

	// WriteAt and ReadAt use pwrite/pread, so concurrent transfers on
	// one device file do not race on the file offset.
	if write {

		n, err := file.WriteAt(data, offset)

		if err != nil {
			slog.Error("Failed to write block", "dev", dev, "blockno", blockno, "error", err.Error(), "function", "ReadWrite", "at", disk.at)
			return err
		}
		if n != len(data) {
			return fmt.Errorf("incomplete write of block %d on device %d", blockno, dev)
		}
		return nil
	}

	n, err := file.ReadAt(data, offset)

	// blocks past the end of the image have never been written, they read as zeroes.
	if errors.Is(err, io.EOF) {
		clear(data[n:])
		return nil
	}

	if err != nil {
		slog.Error("Failed to read block", "dev", dev, "blockno", blockno, "error", err.Error(), "function", "ReadWrite", "at", disk.at)
		return err
	}
	return nil
}

func (disk *fileDisk) Close() error {

	if !disk.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	slog.Info("Closing disk...", "dir", disk.dir, "function", "Close", "at", disk.at)

	var errs []error

	disk.devices.Range(func(dev uint32, file *os.File) bool {

		if err := file.Close(); err != nil {
			slog.Error("Failed to close device image", "dev", dev, "error", err.Error(), "function", "Close", "at", disk.at)
			errs = append(errs, err)
		}
		disk.devices.Delete(dev)
		return true
	})

	return errors.Join(errs...)
}
