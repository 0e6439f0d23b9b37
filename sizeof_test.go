package fetchcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateSize_primitives(t *testing.T) {
	assert.EqualValues(t, 4, EstimateSize(true))
	assert.EqualValues(t, 8, EstimateSize(42))
	assert.EqualValues(t, 8, EstimateSize(3.14))
	assert.EqualValues(t, 10, EstimateSize(`hello`))
	assert.EqualValues(t, 0, EstimateSize(nil))
}

func TestEstimateSize_containers(t *testing.T) {
	// map: key bytes + value bytes per entry
	assert.EqualValues(t, 2*1+8, EstimateSize(map[string]int{`a`: 1}))

	// slice: per-element sum
	assert.EqualValues(t, 24, EstimateSize([]int{1, 2, 3}))

	// struct: field name bytes + value bytes, exported only
	type v struct {
		A int
		b string
	}
	assert.EqualValues(t, 2*1+8, EstimateSize(v{A: 1, b: `ignored`}))
}

func TestEstimateSize_samplesLargeSequences(t *testing.T) {
	s := make([]int64, 1000)
	assert.EqualValues(t, 8*1000, EstimateSize(s))

	// extrapolation from the first 50 elements is linear in length
	assert.EqualValues(t, 2*EstimateSize(make([]int64, 500)), EstimateSize(s))
}

func TestEstimateSize_cyclic(t *testing.T) {
	type node struct {
		Next *node
		N    int
	}
	a := &node{N: 1}
	b := &node{N: 2, Next: a}
	a.Next = b

	// must terminate; revisits count zero
	got := EstimateSize(a)
	assert.Positive(t, got)

	m := map[string]any{}
	m[`self`] = m
	assert.GreaterOrEqual(t, EstimateSize(m), int64(0))
}

func TestEstimateSize_depthBounded(t *testing.T) {
	v := any(1)
	for i := 0; i < 20; i++ {
		v = []any{v}
	}
	// deep sub-trees are counted as zero, not an error
	assert.EqualValues(t, 0, EstimateSize(v))
}

type sizerStub int64

func (x sizerStub) SizeBytes() int64 { return int64(x) }

func TestEstimateSize_sizer(t *testing.T) {
	assert.EqualValues(t, 1234, EstimateSize(sizerStub(1234)))
	assert.EqualValues(t, 0, EstimateSize(sizerStub(-5)))
}
