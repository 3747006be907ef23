package pageallocator

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// PhysAddr is an address in simulated physical memory.
type PhysAddr uint64

// physicalMemory is the RAM the allocator hands out, backed by an anonymous mapping.
// mmap returns host page aligned memory, so every page of the arena is aligned as well.
type physicalMemory struct {
	base     PhysAddr
	top      PhysAddr
	pageSize uint64
	bytes    []byte
}

func mapPhysicalMemory(base PhysAddr, top PhysAddr, pageSize uint64) (*physicalMemory, error) {

	length := int(top - base)

	slog.Info("Mapping physical memory", "base", fmt.Sprintf("%#x", uint64(base)), "top", fmt.Sprintf("%#x", uint64(top)),
		"size", length, "function", "mapPhysicalMemory", "at", "PageAllocator")

	bytes, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)

	if err != nil {
		slog.Error("Failed to map physical memory", "error", err.Error(), "function", "mapPhysicalMemory", "at", "PageAllocator")
		return nil, fmt.Errorf("map physical memory: %w", err)
	}

	return &physicalMemory{
		base:     base,
		top:      top,
		pageSize: pageSize,
		bytes:    bytes,
	}, nil
}

func (memory *physicalMemory) frame(pa PhysAddr) int {
	return int(uint64(pa-memory.base) / memory.pageSize)
}

func (memory *physicalMemory) page(pa PhysAddr) []byte {

	offset := uint64(pa - memory.base)
	return memory.bytes[offset : offset+memory.pageSize : offset+memory.pageSize]
}

func (memory *physicalMemory) fill(pa PhysAddr, junk byte) {

	page := memory.page(pa)
	for i := range page {
		page[i] = junk
	}
}

func (memory *physicalMemory) unmap() error {

	if memory.bytes == nil {
		return nil
	}

	err := unix.Munmap(memory.bytes)
	memory.bytes = nil
	return err
}
