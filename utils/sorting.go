package utils

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// Stable counting sort of input into output by a small integer key.
// Returns the bucket boundaries: elements with key k end up in
// output[positions[k]:positions[k+1]]. len(output) must equal len(input).
// Counting is parallel over input chunks; the scatter preserves input order
// within each key, so the result does not depend on the worker count.
func CountingSort[T any](input []T, output []T, maxKey int, key func(T) int, numWorkers int) []int {
	n := len(input)
	if numWorkers < 1 {
		numWorkers = 1
	}
	chunk := DivCeil(Max(n, 1), numWorkers)
	counts := make([][]int, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		counts[w] = make([]int, maxKey+1)
		first, last := ChunkBounds(w, n, chunk)
		wg.Add(1)
		go func(w, first, last int) {
			defer wg.Done()
			for i := first; i < last; i++ {
				counts[w][key(input[i])]++
			}
		}(w, first, last)
	}
	wg.Wait()

	// Exclusive prefix over (key, worker) so that each worker scatters its
	// chunk into a private window of its key's bucket.
	positions := make([]int, maxKey+2)
	running := 0
	for k := 0; k <= maxKey; k++ {
		positions[k] = running
		for w := 0; w < numWorkers; w++ {
			c := counts[w][k]
			counts[w][k] = running
			running += c
		}
	}
	positions[maxKey+1] = running

	for w := 0; w < numWorkers; w++ {
		first, last := ChunkBounds(w, n, chunk)
		wg.Add(1)
		go func(w, first, last int) {
			defer wg.Done()
			offsets := counts[w]
			for i := first; i < last; i++ {
				k := key(input[i])
				output[offsets[k]] = input[i]
				offsets[k]++
			}
		}(w, first, last)
	}
	wg.Wait()

	return positions[:maxKey+2]
}

// In-place inclusive prefix sum.
func PrefixSumInclusive[T constraints.Integer](data []T) {
	var running T
	for i := range data {
		running += data[i]
		data[i] = running
	}
}

// Exclusive prefix sum into a fresh array one longer than the input;
// out[len(data)] is the total.
func PrefixSumExclusive[T constraints.Integer](data []T) []T {
	out := make([]T, len(data)+1)
	var running T
	for i := range data {
		out[i] = running
		running += data[i]
	}
	out[len(data)] = running
	return out
}

// Binary search for the first index in [first, last) whose value is >= target.
func LowerBound[T constraints.Ordered](data []T, first, last int, target T) int {
	lo, hi := first, last
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if data[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
