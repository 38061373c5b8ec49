// Package geometry provides the primitive shapes the query engine works with:
// points, axis-aligned boxes, spheres and rays, together with the pairwise
// tests the hierarchy traversal needs.
package geometry

import (
	"fmt"
	"math"
)

// Kind identifies a concrete geometry type. It is used on the wire.
type Kind uint8

const (
	KindPoint Kind = iota + 1
	KindBox
	KindSphere
	KindRay
)

func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindBox:
		return "box"
	case KindSphere:
		return "sphere"
	case KindRay:
		return "ray"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Geometry is anything a spatial predicate can be built from.
type Geometry interface {
	Kind() Kind
	// Centroid is the representative point used for space-filling-curve keys.
	Centroid() Point
	// IntersectsBox reports whether the geometry overlaps b. Used both to prune
	// hierarchy nodes and to test leaves.
	IntersectsBox(b Box) bool
}

// Container is a Geometry that can also answer containment of a whole box.
type Container interface {
	Geometry
	ContainsBox(b Box) bool
}

var (
	_ Geometry  = Point{}
	_ Container = Box{}
	_ Container = Sphere{}
	_ Geometry  = Ray{}
)

// Point is a location in 3D space.
type Point [3]float32

// Vector is a direction or displacement in 3D space.
type Vector [3]float32

func (p Point) Kind() Kind { return KindPoint }
func (p Point) Centroid() Point { return p }
func (p Point) IntersectsBox(b Box) bool { return b.Contains(p) }
func (p Point) Sub(q Point) Vector { return Vector{p[0] - q[0], p[1] - q[1], p[2] - q[2]} }
func (p Point) Add(v Vector) Point { return Point{p[0] + v[0], p[1] + v[1], p[2] + v[2]} }
func (v Vector) Dot(w Vector) float32 { return v[0]*w[0] + v[1]*w[1] + v[2]*w[2] }
func (v Vector) Scale(s float32) Vector { return Vector{v[0] * s, v[1] * s, v[2] * s} }
func (v Vector) Norm() float32 { return float32(math.Sqrt(float64(v.Dot(v)))) }
func (v Vector) IsZero() bool { return v[0] == 0 && v[1] == 0 && v[2] == 0 }
func (p Point) DistanceTo(q Point) float32 { return p.Sub(q).Norm() }

// Box is an axis-aligned bounding box. A box with Min > Max on any axis is
// empty; EmptyBox returns the canonical empty box.
type Box struct {
	Min Point
	Max Point
}

var (
	inf    = float32(math.Inf(1))
	negInf = float32(math.Inf(-1))
)

// EmptyBox returns a box that expands to whatever is merged into it.
func EmptyBox() Box {
	return Box{
		Min: Point{inf, inf, inf},
		Max: Point{negInf, negInf, negInf},
	}
}

func (b Box) Kind() Kind { return KindBox }

// IsEmpty reports whether b contains no point at all.
func (b Box) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

func (b Box) Centroid() Point {
	return Point{
		(b.Min[0] + b.Max[0]) / 2,
		(b.Min[1] + b.Max[1]) / 2,
		(b.Min[2] + b.Max[2]) / 2,
	}
}

// Expand returns the smallest box containing both b and o.
func (b Box) Expand(o Box) Box {
	for d := 0; d < 3; d++ {
		if o.Min[d] < b.Min[d] {
			b.Min[d] = o.Min[d]
		}
		if o.Max[d] > b.Max[d] {
			b.Max[d] = o.Max[d]
		}
	}
	return b
}

// ExpandPoint returns the smallest box containing both b and p.
func (b Box) ExpandPoint(p Point) Box {
	return b.Expand(Box{Min: p, Max: p})
}

func (b Box) Contains(p Point) bool {
	for d := 0; d < 3; d++ {
		if p[d] < b.Min[d] || p[d] > b.Max[d] {
			return false
		}
	}
	return true
}

// ContainsBox reports whether o lies entirely within b.
func (b Box) ContainsBox(o Box) bool {
	if o.IsEmpty() || b.IsEmpty() {
		return false
	}
	return b.Contains(o.Min) && b.Contains(o.Max)
}

func (b Box) IntersectsBox(o Box) bool {
	for d := 0; d < 3; d++ {
		if b.Max[d] < o.Min[d] || o.Max[d] < b.Min[d] {
			return false
		}
	}
	return !b.IsEmpty() && !o.IsEmpty()
}

// Corners returns the eight corners of a non-empty box.
func (b Box) Corners() [8]Point {
	var c [8]Point
	for i := 0; i < 8; i++ {
		for d := 0; d < 3; d++ {
			if i&(1<<d) != 0 {
				c[i][d] = b.Max[d]
			} else {
				c[i][d] = b.Min[d]
			}
		}
	}
	return c
}

// Sphere is a ball around a centroid.
type Sphere struct {
	Center Point
	Radius float32
}

func (s Sphere) Kind() Kind { return KindSphere }
func (s Sphere) Centroid() Point { return s.Center }
func (s Sphere) IntersectsBox(b Box) bool { return Distance(s.Center, b) <= s.Radius }

func (s Sphere) ContainsBox(b Box) bool {
	if b.IsEmpty() {
		return false
	}
	for _, c := range b.Corners() {
		if s.Center.DistanceTo(c) > s.Radius {
			return false
		}
	}
	return true
}

// Distance returns the Euclidean distance from p to the closest point of b,
// zero when p is inside b and +Inf when b is empty.
func Distance(p Point, b Box) float32 {
	if b.IsEmpty() {
		return inf
	}
	var sum float64
	for d := 0; d < 3; d++ {
		a := float64(axisDist(p[d], b.Min[d], b.Max[d]))
		sum += a * a
	}
	return float32(math.Sqrt(sum))
}

func axisDist(k, lo, hi float32) float32 {
	if k < lo {
		return lo - k
	}
	if k <= hi {
		return 0
	}
	return k - hi
}
