// Package cpuset provides a small bitmap of CPU indices used to pin the
// acquisition goroutine and the emulator goroutines to disjoint CPU subsets.
//
// It is the same bit-trick bitmap as common/go/numa.NUMAMap, generalized from
// "NUMA node membership" to "CPU membership" and taught a method for turning
// itself into a unix.CPUSet for sched_setaffinity.
package cpuset

import (
	"iter"
	"math/bits"

	"github.com/iptcol/iptcol/common/go/bitset"
	"golang.org/x/sys/unix"
)

// Max is the all-CPUs-set sentinel, mirroring numa.MAX.
const Max = Set(^uint64(0))

// Set is a bitmap of up to 64 CPU indices.
type Set uint64

// WithOneBit returns a new Set with a single bit set at the given CPU index.
//
// Panics if idx >= 64.
func WithOneBit(idx uint32) Set {
	if idx >= 64 {
		panic("cpu index is out of range")
	}

	return Set(1 << idx)
}

// Range returns a Set containing every CPU index in [lo, hi).
func Range(lo, hi uint32) Set {
	if hi <= lo {
		return Set(0)
	}
	if hi >= 64 {
		return Set(^uint64(0)) &^ (Set(1)<<lo - 1)
	}

	return (Set(1)<<hi - 1) &^ (Set(1)<<lo - 1)
}

// IsEmpty reports whether no CPU is a member of the set.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Len returns the number of CPUs in the set.
func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Intersect returns the CPUs present in both sets.
func (s Set) Intersect(other Set) Set {
	return s & other
}

// Iter iterates over the CPU indices present in the set, ascending.
func (s Set) Iter() iter.Seq[uint32] {
	return bitset.NewBitsTraverser(uint64(s)).Iter()
}

// SchedAffinity converts the set into a unix.CPUSet suitable for
// unix.SchedSetaffinity.
func (s Set) SchedAffinity() unix.CPUSet {
	var out unix.CPUSet
	for cpu := range s.Iter() {
		out.Set(int(cpu))
	}

	return out
}

// Pin pins the calling OS thread to the CPUs in the set.
//
// The caller must have already arranged for the goroutine to be locked to its
// current OS thread (runtime.LockOSThread), otherwise the affinity mask would
// apply to whichever thread the scheduler happens to reuse next.
func (s Set) Pin() error {
	affinity := s.SchedAffinity()
	return unix.SchedSetaffinity(0, &affinity)
}
