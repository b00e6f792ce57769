package utils

import (
	"runtime"
	"sync/atomic"
)

// Tiny test-and-test-and-set lock; one per vertex is cheap enough that lock
// arrays can be sized to the node count.
type SpinLock struct {
	f atomic.Uint32
}

func (s *SpinLock) Lock() {
	for {
		if s.f.Load() == 0 && s.f.CompareAndSwap(0, 1) {
			return
		}
		runtime.Gosched()
	}
}

func (s *SpinLock) TryLock() bool {
	return s.f.Load() == 0 && s.f.CompareAndSwap(0, 1)
}

func (s *SpinLock) Unlock() {
	s.f.Store(0)
}
