package utils

import (
	"testing"

	"golang.org/x/exp/slices"
)

func TestPermutationIsPermutation(t *testing.T) {
	var p Permutation
	p.RandomGrouping(1000, 4, 42)

	if p.Size() != 1000 {
		t.Fatalf("size %d, want 1000", p.Size())
	}
	seen := make([]bool, 1000)
	for _, v := range p.Permutation {
		if seen[v] {
			t.Fatalf("element %d appears twice", v)
		}
		seen[v] = true
	}
	if int(p.BucketBounds[len(p.BucketBounds)-1]) != 1000 {
		t.Fatal("last bucket bound must equal the element count")
	}
	for b := 0; b+1 < len(p.BucketBounds); b++ {
		if p.BucketBounds[b] > p.BucketBounds[b+1] {
			t.Fatal("bucket bounds must be monotone")
		}
	}
}

func TestPermutationDeterministicAcrossWorkers(t *testing.T) {
	var p1, p8 Permutation
	p1.RandomGrouping(5000, 1, 99)
	p8.RandomGrouping(5000, 8, 99)

	if !slices.Equal(p1.Permutation, p8.Permutation) {
		t.Fatal("permutation must not depend on the worker count")
	}
	if !slices.Equal(p1.BucketBounds, p8.BucketBounds) {
		t.Fatal("bucket bounds must not depend on the worker count")
	}
}

func TestPermutationDifferentSeeds(t *testing.T) {
	var pa, pb Permutation
	pa.RandomGrouping(500, 2, 1)
	pb.RandomGrouping(500, 2, 2)
	if slices.Equal(pa.Permutation, pb.Permutation) {
		t.Fatal("different seeds should give different permutations")
	}
}

func TestPermutationSubsetGrouping(t *testing.T) {
	elements := []uint32{3, 7, 11, 40, 99, 100, 512}
	var p Permutation
	p.SampleBucketsAndGroupBy(elements, 4, 7)

	got := append([]uint32{}, p.Permutation...)
	slices.Sort(got)
	if !slices.Equal(got, elements) {
		t.Fatalf("grouped subset %v, want a permutation of %v", got, elements)
	}
}
