package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func unitBox(x float32) Box {
	return Box{Min: Point{x, 0, 0}, Max: Point{x + 1, 1, 1}}
}

func TestBox_ExpandAndEmpty(t *testing.T) {
	b := EmptyBox()
	assert.True(t, b.IsEmpty())

	b = b.Expand(unitBox(0)).Expand(unitBox(3))
	assert.False(t, b.IsEmpty())
	assert.Equal(t, Point{0, 0, 0}, b.Min)
	assert.Equal(t, Point{4, 1, 1}, b.Max)
	assert.Equal(t, Point{2, 0.5, 0.5}, b.Centroid())

	// merging an empty box is a no-op
	assert.Equal(t, b, b.Expand(EmptyBox()))
}

func TestBox_Intersects(t *testing.T) {
	a := unitBox(0)
	assert.True(t, a.IntersectsBox(unitBox(1)), "touching faces intersect")
	assert.False(t, a.IntersectsBox(unitBox(2)))
	assert.False(t, a.IntersectsBox(EmptyBox()))
	assert.True(t, a.ContainsBox(Box{Min: Point{0.2, 0.2, 0.2}, Max: Point{0.8, 0.8, 0.8}}))
	assert.False(t, a.ContainsBox(unitBox(0.5)))
}

func TestDistance(t *testing.T) {
	b := unitBox(0)
	assert.Equal(t, float32(0), Distance(Point{0.5, 0.5, 0.5}, b))
	assert.InDelta(t, 2.0, Distance(Point{3, 0.5, 0.5}, b), 1e-6)
	assert.InDelta(t, math.Sqrt(2), Distance(Point{2, 2, 0.5}, b), 1e-6)
	assert.True(t, math.IsInf(float64(Distance(Point{}, EmptyBox())), 1))
}

func TestSphere(t *testing.T) {
	s := Sphere{Center: Point{0, 0, 0}, Radius: 1}
	assert.True(t, s.IntersectsBox(Box{Min: Point{0.5, 0, 0}, Max: Point{2, 1, 1}}))
	assert.False(t, s.IntersectsBox(Box{Min: Point{1.5, 0, 0}, Max: Point{2, 1, 1}}))
	assert.True(t, s.ContainsBox(Box{Min: Point{-0.5, -0.5, -0.5}, Max: Point{0.5, 0.5, 0.5}}))
	assert.False(t, s.ContainsBox(Box{Min: Point{-1, -1, -1}, Max: Point{1, 1, 1}}))
}

func TestRayBoxIntersection(t *testing.T) {
	r := NewRay(Point{-1, 0.5, 0.5}, Vector{2, 0, 0})
	assert.Equal(t, Vector{1, 0, 0}, r.Direction)

	tmin, tmax, ok := RayBoxIntersection(r, unitBox(0))
	assert.True(t, ok)
	assert.InDelta(t, 1.0, tmin, 1e-6)
	assert.InDelta(t, 2.0, tmax, 1e-6)

	length, entry := OverlapDistance(r, unitBox(2))
	assert.InDelta(t, 1.0, length, 1e-6)
	assert.InDelta(t, 3.0, entry, 1e-6)

	// origin inside: entry clamps to zero
	inside := NewRay(Point{0.25, 0.5, 0.5}, Vector{1, 0, 0})
	length, entry = OverlapDistance(inside, unitBox(0))
	assert.Equal(t, float32(0), entry)
	assert.InDelta(t, 0.75, length, 1e-6)

	// box behind the ray
	assert.False(t, NewRay(Point{5, 0.5, 0.5}, Vector{1, 0, 0}).IntersectsBox(unitBox(0)))

	// axis-parallel ray outside the slab
	assert.False(t, NewRay(Point{-1, 2, 0.5}, Vector{1, 0, 0}).IntersectsBox(unitBox(0)))

	_, entry = OverlapDistance(NewRay(Point{-1, 2, 0.5}, Vector{1, 0, 0}), unitBox(0))
	assert.True(t, math.IsInf(float64(entry), 1))
}

func TestMortonCode(t *testing.T) {
	bounds := Box{Min: Point{0, 0, 0}, Max: Point{1, 1, 1}}
	assert.Equal(t, uint32(0), MortonCode(Point{0, 0, 0}, bounds))
	assert.Equal(t, uint32(1<<30-1), MortonCode(Point{1, 1, 1}, bounds))

	// x is the most significant axis within each triple
	assert.Greater(t, MortonCode(Point{0.6, 0, 0}, bounds), MortonCode(Point{0, 0.6, 0}, bounds))
	assert.Greater(t, MortonCode(Point{0, 0.6, 0}, bounds), MortonCode(Point{0, 0, 0.6}, bounds))

	// clamped outside bounds and degenerate axes
	assert.Equal(t, MortonCode(Point{1, 1, 1}, bounds), MortonCode(Point{5, 5, 5}, bounds))
	flat := Box{Min: Point{0, 0, 0}, Max: Point{1, 1, 0}}
	assert.Equal(t, MortonCode(Point{0, 0, 0}, flat), MortonCode(Point{0, 0, 9}, flat))
}
