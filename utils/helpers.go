package utils

import (
	"time"

	"golang.org/x/exp/constraints"
)

type Pair[F any, S any] struct {
	First  F
	Second S
}

// Further tuning is needed for performance...
func BackOff(count int) {
	if count > 2000 {
		count = 2000
	}
	time.Sleep(time.Duration((count+1)*100) * time.Microsecond)
}

// Round up to the next power of 2
func RoundUpPow(i uint64) uint64 {
	i--
	i |= i >> 1
	i |= i >> 2
	i |= i >> 4
	i |= i >> 8
	i |= i >> 16
	i |= i >> 32
	i++
	return i
}

func Max[T constraints.Ordered](x, y T) T {
	if x < y {
		return y
	}
	return x
}

func Min[T constraints.Ordered](x, y T) T {
	if y < x {
		return y
	}
	return x
}

func Abs[T constraints.Signed](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

func Sum[T constraints.Integer | constraints.Float](slice []T) (sum T) {
	for i := range slice {
		sum += slice[i]
	}
	return sum
}

func DivCeil[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// Bounds of chunk i when splitting n elements into chunks of the given size.
// The last chunk may be short.
func ChunkBounds[T constraints.Integer](i, n, chunkSize T) (first, last T) {
	first = Min(i*chunkSize, n)
	last = Min(first+chunkSize, n)
	return first, last
}
