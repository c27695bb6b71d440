package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_WithOneBit(t *testing.T) {
	s := WithOneBit(3)
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.IsEmpty())

	var got []uint32
	for cpu := range s.Iter() {
		got = append(got, cpu)
	}
	assert.Equal(t, []uint32{3}, got)
}

func Test_Range(t *testing.T) {
	s := Range(3, 6)
	assert.Equal(t, 3, s.Len())

	var got []uint32
	for cpu := range s.Iter() {
		got = append(got, cpu)
	}
	assert.Equal(t, []uint32{3, 4, 5}, got)
}

func Test_RangeEmpty(t *testing.T) {
	assert.True(t, Range(5, 5).IsEmpty())
	assert.True(t, Range(5, 2).IsEmpty())
}

func Test_Intersect(t *testing.T) {
	a := Range(0, 6)
	b := Range(3, 9)

	got := a.Intersect(b)
	assert.Equal(t, Range(3, 6), got)
}

func Test_DisjointAcquisitionAndEmulatorSets(t *testing.T) {
	acquisition := Range(3, 6)
	emulator := Range(0, 3)

	assert.True(t, acquisition.Intersect(emulator).IsEmpty())
}
