package utils

import (
	"math"
	"math/rand"
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// front takes this value while the owner is swapping buffers. Pops observing
// it back off until the new buffer is published.
const inRealloc = uint64(math.MaxUint64) / 2

// Single producer, multiple consumer queue. The owning worker appends at the
// back; any worker (owner included) pops from the front, so a node released by
// one worker is not immediately rescheduled by the same one.
type SPMCQueue[T any] struct {
	buf   atomic.Pointer[[]T]
	size  atomic.Uint64
	front atomic.Uint64
}

func (q *SPMCQueue[T]) Init(capacity int) {
	buf := make([]T, RoundUpPow(uint64(Max(capacity, 16))))
	q.buf.Store(&buf)
	q.size.Store(0)
	q.front.Store(0)
}

// Owner only.
func (q *SPMCQueue[T]) PushBack(el T) {
	buf := q.buf.Load()
	n := q.size.Load()

	// Counter-measure against fetch_adds that ran past the published size;
	// losing a few pops at the end of a phase is tolerated, but do not let
	// front run away.
	if f := q.front.Load(); f < inRealloc && f > n {
		q.front.Store(n)
	}

	if int(n) < len(*buf) {
		(*buf)[n] = el
		q.size.Store(n + 1)
		return
	}

	// Full: block poppers, grow, compact survivors to the front, publish.
	oldFront := q.front.Load()
	for {
		spin := Min(oldFront, n)
		if q.front.CompareAndSwap(spin, inRealloc) {
			break
		}
		oldFront = q.front.Load()
		if oldFront >= inRealloc {
			break // fetch_adds pushed it over the sentinel already
		}
	}
	oldFront = Min(oldFront, n)
	grown := make([]T, 2*len(*buf))
	kept := copy(grown, (*buf)[oldFront:n])
	grown[kept] = el
	q.buf.Store(&grown)
	q.size.Store(uint64(kept + 1))
	q.front.Store(0)
}

func (q *SPMCQueue[T]) TryPopFront() (el T, ok bool) {
	f := q.front.Load()
	if f < inRealloc && f < q.size.Load() {
		slot := q.front.Add(1) - 1
		if slot < inRealloc && slot < q.size.Load() {
			buf := q.buf.Load()
			return (*buf)[slot], true
		}
	}
	return el, false
}

func (q *SPMCQueue[T]) CurrentlyBlocked() bool {
	return q.front.Load() >= inRealloc
}

func (q *SPMCQueue[T]) UnsafeSize() uint64 {
	f, b := q.front.Load(), q.size.Load()
	if b >= f {
		return b - f
	}
	return 0
}

func (q *SPMCQueue[T]) Empty() bool {
	return q.UnsafeSize() == 0
}

// Advisory only: racy against concurrent pops.
func (q *SPMCQueue[T]) NextPushCausesReallocation() bool {
	return int(q.size.Load()) == len(*q.buf.Load())
}

func (q *SPMCQueue[T]) Clear() {
	q.size.Store(0)
	q.front.Store(0)
}

const maxStealFailures = 1024

// Per-worker SPMC queues with stealing and epoch-stamped deduplication.
// Element values double as indices into the timestamp array, so T is bounded
// by the universe size given at construction.
type WorkContainer[T constraints.Integer] struct {
	queues        []SPMCQueue[T]
	timestamps    []uint32
	current       uint32
	stealFailures atomic.Int64
}

func NewWorkContainer[T constraints.Integer](universe uint64, numWorkers int) *WorkContainer[T] {
	wc := &WorkContainer[T]{
		queues:     make([]SPMCQueue[T], numWorkers),
		timestamps: make([]uint32, universe),
		current:    2,
	}
	for i := range wc.queues {
		wc.queues[i].Init(1 << 13)
	}
	return wc
}

func (wc *WorkContainer[T]) NumWorkers() int {
	return len(wc.queues)
}

func (wc *WorkContainer[T]) UnsafeSize() uint64 {
	var sz uint64
	for i := range wc.queues {
		sz += wc.queues[i].UnsafeSize()
	}
	return sz
}

func (wc *WorkContainer[T]) PushBack(el T, worker int) {
	wc.queues[worker].PushBack(el)
	atomic.StoreUint32(&wc.timestamps[el], wc.current)
}

func (wc *WorkContainer[T]) TryPop(worker int) (el T, ok bool) {
	// Pop from the front even on the local queue, to avoid immediately
	// reusing a just released node.
	if el, ok = wc.queues[worker].TryPopFront(); ok {
		atomic.StoreUint32(&wc.timestamps[el], wc.current+1)
		return el, true
	}

	someAreBlocked := false
	for i := range wc.queues {
		if i == worker {
			continue
		}
		if el, ok = wc.queues[i].TryPopFront(); ok {
			atomic.StoreUint32(&wc.timestamps[el], wc.current+1)
			return el, true
		}
		someAreBlocked = someAreBlocked || wc.queues[i].CurrentlyBlocked()
	}

	if someAreBlocked && wc.stealFailures.Add(1) < maxStealFailures {
		for i := range wc.queues {
			if !wc.queues[i].CurrentlyBlocked() {
				continue
			}
			for spins := 0; wc.queues[i].CurrentlyBlocked(); spins++ {
				BackOff(spins)
			}
			if el, ok = wc.queues[i].TryPopFront(); ok {
				atomic.StoreUint32(&wc.timestamps[el], wc.current+1)
				return el, true
			}
		}
	}
	return el, false
}

// True iff el was pushed and then returned by exactly one TryPop since the
// last Clear.
func (wc *WorkContainer[T]) WasPushedAndRemoved(el T) bool {
	return atomic.LoadUint32(&wc.timestamps[el]) == wc.current+1
}

// Reshuffles every per-worker queue in place with a queue-seeded rng.
// Caller must ensure no concurrent access.
func (wc *WorkContainer[T]) Shuffle(seed uint64) {
	for i := range wc.queues {
		q := &wc.queues[i]
		buf := *q.buf.Load()
		n := int(q.size.Load())
		rng := rand.New(rand.NewSource(int64(Hash64(seed, uint64(i)))))
		rng.Shuffle(n, func(a, b int) {
			buf[a], buf[b] = buf[b], buf[a]
		})
	}
}

func (wc *WorkContainer[T]) Clear() {
	if wc.current >= math.MaxUint32-2 {
		ParallelForEach(len(wc.timestamps), len(wc.queues), func(_, i int) {
			wc.timestamps[i] = 0
		})
		wc.current = 0
	}
	for i := range wc.queues {
		wc.queues[i].Clear()
	}
	wc.current += 2
	wc.stealFailures.Store(0)
}
