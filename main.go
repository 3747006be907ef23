package main

import (
	"flag"
	"log/slog"
	"os"
	"sync"

	"github.com/Adarsh-Kmt/DragonKernel/config"
	"github.com/Adarsh-Kmt/DragonKernel/pageallocator"
)

func main() {

	diskDir := flag.String("disk", "dragon_disk", "directory holding one image file per device")
	debug := flag.Bool("debug", false, "log cache hits, misses and page steals")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	kernel, err := NewKernel(config.Default(), *diskDir)

	if err != nil {
		panic(err)
	}

	if err := exercise(kernel); err != nil {
		slog.Error("Workload failed", "error", err.Error(), "function", "main", "at", "Kernel")
	}

	stats := kernel.BufferCache().Stats()
	slog.Info("Buffer cache stats", "hits", stats.Hits, "misses", stats.Misses, "evictions", stats.Evictions,
		"diskReads", stats.DiskReads, "diskWrites", stats.DiskWrites, "function", "main", "at", "Kernel")
	slog.Info("Free pages", "pages", kernel.PageAllocator().FreePages(), "function", "main", "at", "Kernel")

	if err := kernel.Close(); err != nil {
		panic(err)
	}
}

// exercise runs one goroutine per core. Each bumps a counter stored in a disk block,
// and allocates and frees a handful of pages on its own core.
func exercise(kernel *Kernel) error {

	cache := kernel.BufferCache()
	allocator := kernel.PageAllocator()

	wg := &sync.WaitGroup{}
	errs := make(chan error, allocator.NumCPU())

	for id := range allocator.NumCPU() {

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			cpu := allocator.CPU(id)
			pages := make([]pageallocator.PhysAddr, 0, 4)

			for range 4 {
				pa, ok := cpu.Alloc()
				if !ok {
					break
				}
				pages = append(pages, pa)
			}

			guard, err := cache.Read(1, uint32(id))
			if err != nil {
				errs <- err
				return
			}
			guard.Data()[0]++
			err = guard.Write()
			guard.Release()

			for _, pa := range pages {
				cpu.Free(pa)
			}

			if err != nil {
				errs <- err
			}
		}(id)
	}

	wg.Wait()
	close(errs)

	return <-errs
}
