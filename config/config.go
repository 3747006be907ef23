package config

import (
	"errors"
	"fmt"
)

const (
	// NBUF is the number of buffers held by the buffer cache.
	NBUF = 30

	// NBUCKETS is the number of hash buckets the buffer pool is partitioned into.
	NBUCKETS = 13

	// BSIZE is the size of a disk block in bytes.
	BSIZE = 1024

	// PGSIZE is the size of a physical page in bytes.
	PGSIZE = 4096

	// NCPU is the number of processing cores, each with its own free list.
	NCPU = 8

	// KERNBASE is the first physical address of RAM.
	KERNBASE = 0x80000000

	// PHYSTOP is the top of simulated physical memory.
	PHYSTOP = KERNBASE + 8*1024*1024

	// KERNEND is the first address after the kernel image, where free memory begins.
	KERNEND = KERNBASE + 512*1024
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the fixed parameters of the kernel memory core.
// None of these are computed at runtime, and none change after startup.
type Config struct {
	NumBuffers int
	NumBuckets int
	BlockSize  int

	PageSize int
	NumCPU   int

	// MemBase and PhysTop bound the physical memory arena,
	// KernelEnd is where the allocator's usable range starts.
	MemBase   uint64
	KernelEnd uint64
	PhysTop   uint64
}

func Default() Config {
	return Config{
		NumBuffers: NBUF,
		NumBuckets: NBUCKETS,
		BlockSize:  BSIZE,
		PageSize:   PGSIZE,
		NumCPU:     NCPU,
		MemBase:    KERNBASE,
		KernelEnd:  KERNEND,
		PhysTop:    PHYSTOP,
	}
}

// Validate checks the configuration for values the buffer cache and allocator cannot work with.
func (cfg Config) Validate() error {

	if cfg.NumBuffers <= 0 {
		return fmt.Errorf("%w: number of buffers must be positive, got %d", ErrInvalidConfig, cfg.NumBuffers)
	}
	if cfg.NumBuckets <= 0 {
		return fmt.Errorf("%w: number of buckets must be positive, got %d", ErrInvalidConfig, cfg.NumBuckets)
	}
	if cfg.BlockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidConfig, cfg.BlockSize)
	}
	if cfg.PageSize <= 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size must be a power of two, got %d", ErrInvalidConfig, cfg.PageSize)
	}
	if cfg.NumCPU <= 0 {
		return fmt.Errorf("%w: number of cpus must be positive, got %d", ErrInvalidConfig, cfg.NumCPU)
	}
	if cfg.MemBase%uint64(cfg.PageSize) != 0 {
		return fmt.Errorf("%w: memory base %#x is not page aligned", ErrInvalidConfig, cfg.MemBase)
	}
	if cfg.PhysTop <= cfg.MemBase {
		return fmt.Errorf("%w: top of physical memory %#x must be above base %#x", ErrInvalidConfig, cfg.PhysTop, cfg.MemBase)
	}
	if cfg.KernelEnd < cfg.MemBase || cfg.KernelEnd > cfg.PhysTop {
		return fmt.Errorf("%w: kernel end %#x outside physical memory [%#x, %#x)", ErrInvalidConfig, cfg.KernelEnd, cfg.MemBase, cfg.PhysTop)
	}

	return nil
}

// Hash maps a block number to its bucket.
func (cfg Config) Hash(blockno uint32) int {
	return int(blockno % uint32(cfg.NumBuckets))
}
