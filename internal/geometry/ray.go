package geometry

// Ray is a half-line starting at Origin. Direction is unit length when the
// ray is built with NewRay.
type Ray struct {
	Origin    Point
	Direction Vector
}

// NewRay builds a ray with a normalized direction. A zero direction is kept
// as-is and never intersects anything the origin is not inside of.
func NewRay(origin Point, direction Vector) Ray {
	if n := direction.Norm(); n > 0 {
		direction = direction.Scale(1 / n)
	}
	return Ray{Origin: origin, Direction: direction}
}

func (r Ray) Kind() Kind { return KindRay }
func (r Ray) Centroid() Point { return r.Origin }

func (r Ray) IntersectsBox(b Box) bool {
	_, _, ok := RayBoxIntersection(r, b)
	return ok
}

// RayBoxIntersection computes the parametric interval [tmin, tmax] where r is
// inside b using the slab method. ok is false when the ray misses the box or the
// box lies entirely behind the origin.
func RayBoxIntersection(r Ray, b Box) (tmin, tmax float32, ok bool) {
	if b.IsEmpty() {
		return 0, 0, false
	}
	tmin, tmax = negInf, inf
	for d := 0; d < 3; d++ {
		if r.Direction[d] == 0 {
			if r.Origin[d] < b.Min[d] || r.Origin[d] > b.Max[d] {
				return 0, 0, false
			}
			continue
		}
		inv := 1 / r.Direction[d]
		t0 := (b.Min[d] - r.Origin[d]) * inv
		t1 := (b.Max[d] - r.Origin[d]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmin > tmax {
			return 0, 0, false
		}
	}
	if tmax < 0 {
		return 0, 0, false
	}
	return tmin, tmax, true
}

// OverlapDistance returns the length of the part of r inside b and the
// distance along r at which it enters b (zero when the origin is inside).
// A miss yields length 0 and entry +Inf.
func OverlapDistance(r Ray, b Box) (length, entry float32) {
	tmin, tmax, ok := RayBoxIntersection(r, b)
	if !ok {
		return 0, inf
	}
	if tmin < 0 {
		tmin = 0
	}
	return tmax - tmin, tmin
}
