// Package query evaluates batches of spatial and nearest-neighbour predicates
// against a bounding volume hierarchy and lays the matches out as CSR tables.
package query

import (
	"fmt"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/geometry"
)

// SpatialTest selects how a spatial predicate matches a primitive box.
type SpatialTest uint8

const (
	// TestIntersects matches primitives whose box overlaps the geometry.
	TestIntersects SpatialTest = iota + 1
	// TestWithin matches primitives whose box lies inside the region.
	TestWithin
)

func (t SpatialTest) String() string {
	switch t {
	case TestIntersects:
		return "intersects"
	case TestWithin:
		return "within"
	default:
		return fmt.Sprintf("test(%d)", uint8(t))
	}
}

// Spatial is a region predicate. Origin is the predicate's position in the
// batch it was submitted with.
type Spatial struct {
	Geometry geometry.Geometry
	Test     SpatialTest
	Origin   int32
}

// Intersects builds a predicate matching every primitive overlapping g.
func Intersects(g geometry.Geometry, origin int) Spatial {
	return Spatial{Geometry: g, Test: TestIntersects, Origin: int32(origin)}
}

// Within builds a predicate matching primitives fully inside region.
func Within(region geometry.Container, origin int) Spatial {
	return Spatial{Geometry: region, Test: TestWithin, Origin: int32(origin)}
}

func (s Spatial) OriginIndex() int { return int(s.Origin) }

func (s Spatial) Centroid() geometry.Point { return s.Geometry.Centroid() }

// prune reports whether a node with bounds b may hold matches.
func (s Spatial) prune(b geometry.Box) bool { return !s.Geometry.IntersectsBox(b) }

// Coarse returns s as an intersection test. It reaches every box that may
// hold one of s's matches, so it is the form used against partition bounds.
func (s Spatial) Coarse() Spatial {
	s.Test = TestIntersects
	return s
}

// matches is the exact leaf test.
func (s Spatial) matches(b geometry.Box) bool {
	if s.Test == TestWithin {
		return s.Geometry.(geometry.Container).ContainsBox(b)
	}
	return s.Geometry.IntersectsBox(b)
}

// Validate reports a validation error for a predicate that cannot be evaluated.
func (s Spatial) Validate() error {
	if s.Geometry == nil {
		return cerrors.NewValidationError("query.predicate", "spatial predicate without geometry").
			WithContext("origin", s.Origin)
	}
	switch s.Test {
	case TestIntersects:
	case TestWithin:
		if _, ok := s.Geometry.(geometry.Container); !ok {
			return cerrors.NewValidationError("query.predicate",
				fmt.Sprintf("%s geometry cannot answer containment", s.Geometry.Kind())).
				WithContext("origin", s.Origin)
		}
	default:
		return cerrors.NewValidationError("query.predicate", "unknown spatial test "+s.Test.String()).
			WithContext("origin", s.Origin)
	}
	return nil
}

// Nearest asks for the K primitives closest to Point.
type Nearest struct {
	Point  geometry.Point
	K      int
	Origin int32
}

// NearestTo builds a k-nearest predicate.
func NearestTo(p geometry.Point, k int, origin int) Nearest {
	return Nearest{Point: p, K: k, Origin: int32(origin)}
}

func (n Nearest) OriginIndex() int { return int(n.Origin) }

func (n Nearest) Centroid() geometry.Point { return n.Point }

func (n Nearest) Validate() error {
	if n.K < 0 {
		return cerrors.NewValidationError("query.predicate", fmt.Sprintf("negative neighbour count %d", n.K)).
			WithContext("origin", n.Origin)
	}
	return nil
}

// Predicate is the set of predicate types a batch can be made of.
type Predicate interface {
	Spatial | Nearest
	OriginIndex() int
	Centroid() geometry.Point
}

// Kind names the predicate family of P, as used in metric labels.
func Kind[P Predicate]() string {
	var zero P
	if _, ok := any(zero).(Nearest); ok {
		return "nearest"
	}
	return "spatial"
}

// Origins returns the origin index of every predicate.
func Origins[P Predicate](preds []P) []int32 {
	out := make([]int32, len(preds))
	for i, p := range preds {
		out[i] = int32(p.OriginIndex())
	}
	return out
}
