package utils

import (
	"context"
	"sync"
)

// WorkerPool bounds how many submitted jobs run at once.
type WorkerPool struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewWorkerPool creates a WorkerPool running at most maxWorkers jobs concurrently.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{semaphore: make(chan struct{}, maxWorkers)}
}

// Submit blocks until a worker slot is free and then runs job in a goroutine.
// It returns ctx.Err() without running the job if ctx ends first.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) error {
	select {
	case wp.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()
		job()
	}()
	return nil
}

// InFlight returns the number of jobs currently holding a slot.
func (wp *WorkerPool) InFlight() int {
	return len(wp.semaphore)
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// KeySet is a thread-safe set used as a check-and-set registry: the first
// caller to Acquire a key owns it until Release.
type KeySet struct {
	mu   sync.Mutex
	held map[string]string
}

// NewKeySet creates an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{held: make(map[string]string)}
}

// Acquire records owner against key and returns true if key was free.
func (s *KeySet) Acquire(key, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.held[key]; exists {
		return false
	}
	s.held[key] = owner
	return true
}

// Owner returns who holds key, if anyone.
func (s *KeySet) Owner(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.held[key]
	return owner, ok
}

// Release frees key.
func (s *KeySet) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
}

// Size returns the number of keys currently held.
func (s *KeySet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
