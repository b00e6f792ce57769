package utils

import (
	"math/rand"
	"testing"

	"golang.org/x/exp/slices"
)

func TestCountingSortStableAndDeterministic(t *testing.T) {
	type rec struct {
		key int
		tag int
	}
	rng := rand.New(rand.NewSource(3))
	input := make([]rec, 10000)
	for i := range input {
		input[i] = rec{key: rng.Intn(16), tag: i}
	}

	out1 := make([]rec, len(input))
	out8 := make([]rec, len(input))
	pos1 := CountingSort(input, out1, 15, func(r rec) int { return r.key }, 1)
	pos8 := CountingSort(input, out8, 15, func(r rec) int { return r.key }, 8)

	if !slices.Equal(pos1, pos8) {
		t.Fatal("bucket positions must not depend on the worker count")
	}
	if !slices.Equal(out1, out8) {
		t.Fatal("scatter order must not depend on the worker count")
	}

	for k := 0; k < 16; k++ {
		lastTag := -1
		for i := pos1[k]; i < pos1[k+1]; i++ {
			if out1[i].key != k {
				t.Fatalf("record with key %d in bucket %d", out1[i].key, k)
			}
			if out1[i].tag < lastTag {
				t.Fatal("counting sort must be stable")
			}
			lastTag = out1[i].tag
		}
	}
}

func TestPrefixSums(t *testing.T) {
	data := []int{3, 1, 4, 1, 5}
	ex := PrefixSumExclusive(data)
	if !slices.Equal(ex, []int{0, 3, 4, 8, 9, 14}) {
		t.Fatalf("exclusive prefix sum = %v", ex)
	}
	PrefixSumInclusive(data)
	if !slices.Equal(data, []int{3, 4, 8, 9, 14}) {
		t.Fatalf("inclusive prefix sum = %v", data)
	}
}

func TestLowerBound(t *testing.T) {
	data := []int64{1, 3, 3, 7, 9}
	cases := []struct {
		target int64
		want   int
	}{{0, 0}, {1, 0}, {2, 1}, {3, 1}, {4, 3}, {9, 4}, {10, 5}}
	for _, c := range cases {
		if got := LowerBound(data, 0, len(data), c.target); got != c.want {
			t.Fatalf("LowerBound(%d) = %d, want %d", c.target, got, c.want)
		}
	}
}

func TestSparseMapClear(t *testing.T) {
	m := NewSparseMap[int](32)
	*m.Ref(4) += 2
	*m.Ref(4) += 3
	m.Put(9, 1)
	if m.Get(4) != 5 || m.Get(9) != 1 || m.Size() != 2 {
		t.Fatalf("unexpected contents: %d %d size %d", m.Get(4), m.Get(9), m.Size())
	}
	m.Clear()
	if m.Contains(4) || m.Size() != 0 || m.Get(4) != 0 {
		t.Fatal("clear must empty the map")
	}
	m.Put(4, 7)
	if m.Get(4) != 7 {
		t.Fatal("reuse after clear must start from zero")
	}
}
