package main

import (
	"errors"
	"log/slog"

	"github.com/Adarsh-Kmt/DragonKernel/buffercache"
	"github.com/Adarsh-Kmt/DragonKernel/config"
	"github.com/Adarsh-Kmt/DragonKernel/diskdriver"
	"github.com/Adarsh-Kmt/DragonKernel/pageallocator"
)

// Kernel owns the single buffer cache and the single page allocator, both created once at boot.
type Kernel struct {
	cfg config.Config

	bufferCache   *buffercache.BufferCache
	pageAllocator *pageallocator.Allocator
}

// NewKernel boots the memory core: it opens the disk images in diskDir, builds the buffer cache
// on top of them, then maps physical memory and frees every page above the kernel image.
func NewKernel(cfg config.Config, diskDir string) (*Kernel, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	disk, err := diskdriver.Open(diskDir, cfg.BlockSize)

	if err != nil {
		slog.Error("Failed to open disk", "error", err.Error(), "function", "NewKernel", "at", "Kernel")
		return nil, err
	}

	bufferCache, err := buffercache.New(cfg, disk)

	if err != nil {
		disk.Close()
		return nil, err
	}

	pageAllocator, err := pageallocator.New(cfg)

	if err != nil {
		bufferCache.Close()
		return nil, err
	}

	if err := pageAllocator.Init(pageallocator.PhysAddr(cfg.KernelEnd), pageallocator.PhysAddr(cfg.PhysTop)); err != nil {
		pageAllocator.Close()
		bufferCache.Close()
		return nil, err
	}

	return &Kernel{
		cfg:           cfg,
		bufferCache:   bufferCache,
		pageAllocator: pageAllocator,
	}, nil
}

func (kernel *Kernel) BufferCache() *buffercache.BufferCache {
	return kernel.bufferCache
}

func (kernel *Kernel) PageAllocator() *pageallocator.Allocator {
	return kernel.pageAllocator
}

// Close tears down both subsystems. Every buffer must have been released.
func (kernel *Kernel) Close() error {

	slog.Info("Shutting down kernel memory core...", "function", "Close", "at", "Kernel")

	return errors.Join(kernel.bufferCache.Close(), kernel.pageAllocator.Close())
}
