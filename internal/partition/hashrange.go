// Package partition implements the per-partition state machine (C2) and the
// hash-range assignment used by shuffle edges (part of C4), generalized from
// dbspgraph/partition.Range's UUID interval splitting to a uint64 hash space.
package partition

import (
	"sort"

	"golang.org/x/xerrors"
)

// HashRange represents a contiguous sub-interval [Start, End) of the
// [0, 2^64) key space assigned to one destination task group of a shuffle
// edge.
type HashRange struct {
	Start uint64
	End   uint64
}

// FullHashRange spans the entire key space; it is what a broadcast or
// one-to-one edge's reader uses in place of a real shuffle assignment.
func FullHashRange() HashRange {
	return HashRange{Start: 0, End: ^uint64(0)}
}

// Contains reports whether hash falls within [r.Start, r.End). A range
// whose End is the maximum uint64 additionally accepts that value itself,
// since the key space has no representable point past it — both
// FullHashRange and the last range Ranges produces end this way.
func (r HashRange) Contains(hash uint64) bool {
	if hash < r.Start {
		return false
	}
	if r.End == ^uint64(0) {
		return true
	}
	return hash < r.End
}

// Ranges splits the full [0, 2^64) key space into numPartitions disjoint,
// adjacent HashRanges whose union is the full space, following the same
// "divide the span, last partition absorbs the remainder" algorithm as
// dbspgraph/partition.Range.NewRange.
func Ranges(numPartitions int) ([]HashRange, error) {
	if numPartitions <= 0 {
		return nil, xerrors.Errorf("number of partitions must be at least 1")
	}

	const spaceSize = 1 << 64 // untyped constant; 2^64 overflows any sized int type
	partSize := uint64(float64(spaceSize) / float64(numPartitions))

	ranges := make([]HashRange, numPartitions)
	var start uint64
	for i := 0; i < numPartitions; i++ {
		end := start + partSize
		if i == numPartitions-1 || end < start {
			end = ^uint64(0)
		}
		ranges[i] = HashRange{Start: start, End: end}
		start = end
	}
	return ranges, nil
}

// PartitionForHash returns the index into ranges whose HashRange contains
// hash, using the same binary-search shape as
// dbspgraph/partition.Range.PartitionForID.
func PartitionForHash(ranges []HashRange, hash uint64) (int, error) {
	idx := sort.Search(len(ranges), func(n int) bool {
		return hash < ranges[n].End || ranges[n].End == ^uint64(0)
	})
	if idx >= len(ranges) {
		return -1, xerrors.Errorf("unable to locate a hash range containing %d", hash)
	}
	return idx, nil
}
