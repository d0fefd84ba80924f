package utils

import (
	"sync"
)

// WorkerPool manages a bounded pool of goroutines. It drives the
// fan-out across regions; work within one region stays sequential.
type WorkerPool struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewWorkerPool creates a WorkerPool with the given concurrency.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// Submit enqueues a job for execution in the pool.
func (wp *WorkerPool) Submit(job func()) {
	wp.wg.Add(1)
	wp.semaphore <- struct{}{}

	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()
		job()
	}()
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// RegionGuard enforces at-most-one concurrent reconciliation per
// region. Acquire must succeed before a run starts; a second Acquire
// for the same region fails until Release is called.
type RegionGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegionGuard creates an empty RegionGuard.
func NewRegionGuard() *RegionGuard {
	return &RegionGuard{active: make(map[string]struct{})}
}

// Acquire returns true if the region was free and is now claimed.
func (g *RegionGuard) Acquire(regionCode string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[regionCode]; busy {
		return false
	}
	g.active[regionCode] = struct{}{}
	return true
}

// Release frees the region for a later run.
func (g *RegionGuard) Release(regionCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, regionCode)
}

// Active returns the number of regions currently claimed.
func (g *RegionGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
