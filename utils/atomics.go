package utils

import (
	"sync/atomic"
)

//go:nosplit
func AtomicMinUint32(targetVal *uint32, new uint32) (old uint32) {
	for {
		old = atomic.LoadUint32(targetVal)
		if new >= old || atomic.CompareAndSwapUint32(targetVal, old, new) {
			return old
		}
	}
}

//go:nosplit
func AtomicMaxUint32(targetVal *uint32, new uint32) (old uint32) {
	for {
		old = atomic.LoadUint32(targetVal)
		if new <= old || atomic.CompareAndSwapUint32(targetVal, old, new) {
			return old
		}
	}
}

//go:nosplit
func AtomicMaxUint64(targetVal *uint64, new uint64) (old uint64) {
	for {
		old = atomic.LoadUint64(targetVal)
		if new <= old || atomic.CompareAndSwapUint64(targetVal, old, new) {
			return old
		}
	}
}

//go:nosplit
func AtomicMinInt64(targetVal *int64, new int64) (old int64) {
	for {
		old = atomic.LoadInt64(targetVal)
		if new >= old || atomic.CompareAndSwapInt64(targetVal, old, new) {
			return old
		}
	}
}
