package utils

import (
	"math/rand"
	"sync"
)

// Number of buckets of a grouped permutation. Must stay a power of two.
const PermutationNumBuckets = 256

// Mixes a seed and an element id into a pseudo-random 64 bit value.
// Pure function of its inputs, so bucket assignment never depends on
// scheduling.
func Hash64(seed uint64, x uint64) uint64 {
	z := seed + 0x9e3779b97f4a7c15 + x*0xbf58476d1ce4e5b9
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// A reproducible permutation of element ids, grouped into buckets.
// Elements are assigned to buckets by a seeded hash and shuffled within each
// bucket by a bucket-seeded rng. The result is byte-identical for a fixed
// seed regardless of the number of workers used to build it.
type Permutation struct {
	Permutation  []uint32
	BucketBounds []uint32
}

func (p *Permutation) At(pos uint32) uint32 {
	return p.Permutation[pos]
}

func (p *Permutation) Size() uint32 {
	return uint32(len(p.Permutation))
}

// Buckets a permutation of [0, n).
func (p *Permutation) RandomGrouping(n uint32, numWorkers int, seed uint64) {
	ids := identity(n)
	p.groupAndShuffle(ids, numWorkers, seed)
}

// Buckets a permutation of the given element set. The input must be sorted so
// that the order within each bucket does not depend on insertion order.
func (p *Permutation) SampleBucketsAndGroupBy(elements []uint32, numWorkers int, seed uint64) {
	p.groupAndShuffle(elements, numWorkers, seed)
}

func identity(n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}

func (p *Permutation) groupAndShuffle(elements []uint32, numWorkers int, seed uint64) {
	n := len(elements)
	if cap(p.Permutation) < n {
		p.Permutation = make([]uint32, n)
	}
	p.Permutation = p.Permutation[:n]

	bucketOf := func(el uint32) uint32 {
		return uint32(Hash64(seed, uint64(el)) & (PermutationNumBuckets - 1))
	}
	bounds := CountingSort(elements, p.Permutation, PermutationNumBuckets-1,
		func(el uint32) int { return int(bucketOf(el)) }, numWorkers)

	if cap(p.BucketBounds) < len(bounds) {
		p.BucketBounds = make([]uint32, len(bounds))
	}
	p.BucketBounds = p.BucketBounds[:len(bounds)]
	for i, b := range bounds {
		p.BucketBounds[i] = uint32(b)
	}

	// Shuffle within each bucket with its own seeded rng. Parallel over
	// buckets, still deterministic.
	var wg sync.WaitGroup
	buckets := len(bounds) - 1
	chunk := DivCeil(buckets, Max(numWorkers, 1))
	for w := 0; w < Max(numWorkers, 1); w++ {
		first, last := ChunkBounds(w, buckets, chunk)
		if first >= last {
			break
		}
		wg.Add(1)
		go func(first, last int) {
			defer wg.Done()
			for b := first; b < last; b++ {
				lo, hi := bounds[b], bounds[b+1]
				rng := rand.New(rand.NewSource(int64(Hash64(seed, uint64(b)+0x51ed2701))))
				slice := p.Permutation[lo:hi]
				rng.Shuffle(len(slice), func(i, j int) {
					slice[i], slice[j] = slice[j], slice[i]
				})
			}
		}(first, last)
	}
	wg.Wait()
}
