// Package pageallocator hands out whole pages of physical memory,
// for process memory, kernel stacks, page-table pages and pipe buffers.
//
// Every core owns a free list. A core allocates from its own list first,
// and steals from the other cores' lists only when its own is empty.
package pageallocator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Adarsh-Kmt/DragonKernel/config"
	"github.com/Adarsh-Kmt/DragonKernel/locks"
)

const (
	// AllocJunk fills a page when it is allocated, so reads of uninitialized memory stand out.
	AllocJunk byte = 0x05

	// FreeJunk fills a page when it is freed, so dangling references stand out.
	FreeJunk byte = 0x01

	nilFrame = -1
)

var (
	// ErrBadFree is raised, as a panic, when a misaligned, out of range or already free page is freed.
	ErrBadFree = errors.New("kfree")

	// ErrBadAddress is raised, as a panic, when a page outside the allocator's range is accessed.
	ErrBadAddress = errors.New("bad physical address")

	ErrBadRange           = errors.New("allocator range outside physical memory")
	ErrAlreadyInitialized = errors.New("allocator already initialized")
)

type Allocator struct {
	cfg    config.Config
	memory *physicalMemory

	// next links free frames into per-core lists. A frame's entry is guarded by
	// the lock of the list the frame is on.
	next []int
	// free marks the frames sitting on some free list.
	free []atomic.Bool

	initialized bool
	start       PhysAddr
	end         PhysAddr

	cpus []*CPU
}

// CPU is one core's view of the allocator. Every call made through a CPU handle
// acts as if it ran on that core, so the handle plays the part of a "current core"
// that cannot change in the middle of an operation.
type CPU struct {
	id        int
	allocator *Allocator

	lock     *locks.SpinLock
	freelist int
	nfree    int
}

// New maps physical memory [cfg.MemBase, cfg.PhysTop) and creates one empty free list per core.
// Pages become available once Init has scanned them.
func New(cfg config.Config) (*Allocator, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if (cfg.PhysTop-cfg.MemBase)%uint64(cfg.PageSize) != 0 {
		return nil, fmt.Errorf("%w: physical memory size %#x is not a multiple of the page size", ErrBadRange, cfg.PhysTop-cfg.MemBase)
	}

	memory, err := mapPhysicalMemory(PhysAddr(cfg.MemBase), PhysAddr(cfg.PhysTop), uint64(cfg.PageSize))

	if err != nil {
		return nil, err
	}

	frames := int((cfg.PhysTop - cfg.MemBase) / uint64(cfg.PageSize))

	allocator := &Allocator{
		cfg:    cfg,
		memory: memory,
		next:   make([]int, frames),
		free:   make([]atomic.Bool, frames),
		cpus:   make([]*CPU, cfg.NumCPU),
	}

	for i := range allocator.next {
		allocator.next[i] = nilFrame
	}

	for id := range allocator.cpus {
		allocator.cpus[id] = &CPU{
			id:        id,
			allocator: allocator,
			lock:      locks.NewSpinLock(fmt.Sprintf("kmem_%d", id)),
			freelist:  nilFrame,
		}
	}

	return allocator, nil
}

func pageRoundUp(addr uint64, pageSize uint64) uint64 {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// Init frees every whole page in [rangeStart, rangeEnd), after rounding rangeStart up to a page boundary.
// It runs at boot on core 0, so every page starts out on core 0's free list.
func (allocator *Allocator) Init(rangeStart PhysAddr, rangeEnd PhysAddr) error {

	if allocator.initialized {
		return ErrAlreadyInitialized
	}

	if rangeStart < allocator.memory.base || rangeEnd > allocator.memory.top || rangeStart >= rangeEnd {
		return fmt.Errorf("%w: [%#x, %#x) is not inside [%#x, %#x)", ErrBadRange,
			uint64(rangeStart), uint64(rangeEnd), uint64(allocator.memory.base), uint64(allocator.memory.top))
	}

	pageSize := uint64(allocator.cfg.PageSize)

	allocator.start = PhysAddr(pageRoundUp(uint64(rangeStart), pageSize))
	allocator.end = rangeEnd
	allocator.initialized = true

	boot := allocator.cpus[0]
	pages := 0

	for pa := allocator.start; uint64(pa)+pageSize <= uint64(allocator.end); pa += PhysAddr(pageSize) {
		boot.Free(pa)
		pages++
	}

	slog.Info("Page allocator initialized", "start", fmt.Sprintf("%#x", uint64(allocator.start)),
		"end", fmt.Sprintf("%#x", uint64(allocator.end)), "pages", pages, "function", "Init", "at", "PageAllocator")

	return nil
}

// CPU returns the handle of core id.
func (allocator *Allocator) CPU(id int) *CPU {

	if id < 0 || id >= len(allocator.cpus) {
		panic(fmt.Sprintf("pageallocator: no cpu %d, have %d", id, len(allocator.cpus)))
	}
	return allocator.cpus[id]
}

func (allocator *Allocator) NumCPU() int {
	return len(allocator.cpus)
}

// FreePages returns the number of free pages over all cores.
func (allocator *Allocator) FreePages() int {

	total := 0
	for _, cpu := range allocator.cpus {
		total += cpu.FreePages()
	}
	return total
}

// Page returns the memory of the page at pa.
func (allocator *Allocator) Page(pa PhysAddr) []byte {

	if !allocator.valid(pa) {
		fatal("Page", fmt.Errorf("%w: %#x", ErrBadAddress, uint64(pa)))
	}
	return allocator.memory.page(pa)
}

// Close unmaps physical memory. No page may be used afterwards.
func (allocator *Allocator) Close() error {

	slog.Info("Closing page allocator...", "free", allocator.FreePages(), "function", "Close", "at", "PageAllocator")
	return allocator.memory.unmap()
}

// valid reports whether pa starts a whole page inside the allocator's range.
func (allocator *Allocator) valid(pa PhysAddr) bool {

	pageSize := uint64(allocator.cfg.PageSize)

	return allocator.initialized &&
		uint64(pa)%pageSize == 0 &&
		pa >= allocator.start &&
		uint64(pa)+pageSize <= uint64(allocator.end)
}

func fatal(function string, err error) {

	slog.Error("Fatal page allocator error", "error", err.Error(), "function", function, "at", "PageAllocator")
	panic(err)
}

// ID returns the core's index.
func (cpu *CPU) ID() int {
	return cpu.id
}

// FreePages returns the number of pages on this core's free list.
func (cpu *CPU) FreePages() int {

	cpu.lock.Lock()
	defer cpu.lock.Unlock()

	return cpu.nfree
}

// Free fills the page at pa with junk and pushes it onto this core's free list.
// pa must be a page returned by Alloc, or a page of the range being scanned by Init.
func (cpu *CPU) Free(pa PhysAddr) {

	allocator := cpu.allocator

	if !allocator.valid(pa) {
		fatal("Free", fmt.Errorf("%w: %#x is misaligned or outside [%#x, %#x)", ErrBadFree,
			uint64(pa), uint64(allocator.start), uint64(allocator.end)))
	}

	frame := allocator.memory.frame(pa)

	if !allocator.free[frame].CompareAndSwap(false, true) {
		fatal("Free", fmt.Errorf("%w: %#x is already free", ErrBadFree, uint64(pa)))
	}

	allocator.memory.fill(pa, FreeJunk)

	cpu.lock.Lock()
	allocator.next[frame] = cpu.freelist
	cpu.freelist = frame
	cpu.nfree++
	cpu.lock.Unlock()
}

// pop takes the first page off the core's free list.
func (cpu *CPU) pop() int {

	allocator := cpu.allocator

	cpu.lock.Lock()
	defer cpu.lock.Unlock()

	frame := cpu.freelist

	if frame != nilFrame {
		cpu.freelist = allocator.next[frame]
		allocator.next[frame] = nilFrame
		cpu.nfree--
		allocator.free[frame].Store(false)
	}
	return frame
}

// Alloc allocates one page, filled with junk. It takes a page from this core's free list,
// or, when that is empty, from the first other core that has one; only one list lock is held at a time.
// It returns false when every free list is empty.
func (cpu *CPU) Alloc() (PhysAddr, bool) {

	allocator := cpu.allocator

	frame := cpu.pop()

	if frame == nilFrame {

		for _, other := range allocator.cpus {

			if other == cpu {
				continue
			}

			if frame = other.pop(); frame != nilFrame {
				slog.Debug("Stole page", "cpu", cpu.id, "from", other.id, "function", "Alloc", "at", "PageAllocator")
				break
			}
		}
	}

	if frame == nilFrame {
		slog.Debug("Out of memory", "cpu", cpu.id, "function", "Alloc", "at", "PageAllocator")
		return 0, false
	}

	pa := allocator.memory.base + PhysAddr(uint64(frame)*uint64(allocator.cfg.PageSize))
	allocator.memory.fill(pa, AllocJunk)

	return pa, true
}
