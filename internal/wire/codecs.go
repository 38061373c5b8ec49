package wire

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/query"
)

// geometryWidth is the number of coordinates stored per geometry: two points,
// whose meaning depends on the kind.
const geometryWidth = 6

// SpatialCodec encodes spatial predicates of every geometry kind.
type SpatialCodec struct{}

var spatialSchema = arrow.NewSchema([]arrow.Field{
	{Name: "origin", Type: arrow.PrimitiveTypes.Int32},
	{Name: "test", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "kind", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "coords", Type: arrow.FixedSizeListOf(geometryWidth, arrow.PrimitiveTypes.Float32)},
	{Name: "radius", Type: arrow.PrimitiveTypes.Float32},
}, nil)

func (SpatialCodec) Schema() *arrow.Schema { return spatialSchema }

func (SpatialCodec) Append(b *array.RecordBuilder, p query.Spatial) {
	coords, radius := flattenGeometry(p.Geometry)
	b.Field(0).(*array.Int32Builder).Append(p.Origin)
	b.Field(1).(*array.Uint8Builder).Append(uint8(p.Test))
	b.Field(2).(*array.Uint8Builder).Append(uint8(p.Geometry.Kind()))
	list := b.Field(3).(*array.FixedSizeListBuilder)
	list.Append(true)
	list.ValueBuilder().(*array.Float32Builder).AppendValues(coords[:], nil)
	b.Field(4).(*array.Float32Builder).Append(radius)
}

func (SpatialCodec) Decode(rec arrow.Record, dst []query.Spatial) ([]query.Spatial, error) {
	origins := rec.Column(0).(*array.Int32)
	tests := rec.Column(1).(*array.Uint8)
	kinds := rec.Column(2).(*array.Uint8)
	list := rec.Column(3).(*array.FixedSizeList)
	values := list.ListValues().(*array.Float32).Float32Values()
	radii := rec.Column(4).(*array.Float32)

	for i := 0; i < int(rec.NumRows()); i++ {
		start, _ := list.ValueOffsets(i)
		var coords [geometryWidth]float32
		copy(coords[:], values[start:start+geometryWidth])
		g, err := buildGeometry(geometry.Kind(kinds.Value(i)), coords, radii.Value(i))
		if err != nil {
			return dst, err
		}
		dst = append(dst, query.Spatial{
			Geometry: g,
			Test:     query.SpatialTest(tests.Value(i)),
			Origin:   origins.Value(i),
		})
	}
	return dst, nil
}

func flattenGeometry(g geometry.Geometry) (coords [geometryWidth]float32, radius float32) {
	switch v := g.(type) {
	case geometry.Point:
		copy(coords[:3], v[:])
	case geometry.Box:
		copy(coords[:3], v.Min[:])
		copy(coords[3:], v.Max[:])
	case geometry.Sphere:
		copy(coords[:3], v.Center[:])
		radius = v.Radius
	case geometry.Ray:
		copy(coords[:3], v.Origin[:])
		copy(coords[3:], v.Direction[:])
	}
	return coords, radius
}

func buildGeometry(kind geometry.Kind, c [geometryWidth]float32, radius float32) (geometry.Geometry, error) {
	first := geometry.Point{c[0], c[1], c[2]}
	second := geometry.Point{c[3], c[4], c[5]}
	switch kind {
	case geometry.KindPoint:
		return first, nil
	case geometry.KindBox:
		return geometry.Box{Min: first, Max: second}, nil
	case geometry.KindSphere:
		return geometry.Sphere{Center: first, Radius: radius}, nil
	case geometry.KindRay:
		// the direction was normalized by the sender
		return geometry.Ray{Origin: first, Direction: geometry.Vector(second)}, nil
	default:
		return nil, fmt.Errorf("unknown geometry %s", kind)
	}
}

// NearestCodec encodes k-nearest predicates.
type NearestCodec struct{}

var nearestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "origin", Type: arrow.PrimitiveTypes.Int32},
	{Name: "point", Type: arrow.FixedSizeListOf(3, arrow.PrimitiveTypes.Float32)},
	{Name: "k", Type: arrow.PrimitiveTypes.Int32},
}, nil)

func (NearestCodec) Schema() *arrow.Schema { return nearestSchema }

func (NearestCodec) Append(b *array.RecordBuilder, p query.Nearest) {
	b.Field(0).(*array.Int32Builder).Append(p.Origin)
	list := b.Field(1).(*array.FixedSizeListBuilder)
	list.Append(true)
	list.ValueBuilder().(*array.Float32Builder).AppendValues(p.Point[:], nil)
	b.Field(2).(*array.Int32Builder).Append(int32(p.K))
}

func (NearestCodec) Decode(rec arrow.Record, dst []query.Nearest) ([]query.Nearest, error) {
	origins := rec.Column(0).(*array.Int32)
	list := rec.Column(1).(*array.FixedSizeList)
	values := list.ListValues().(*array.Float32).Float32Values()
	ks := rec.Column(2).(*array.Int32)

	for i := 0; i < int(rec.NumRows()); i++ {
		start, _ := list.ValueOffsets(i)
		var p geometry.Point
		copy(p[:], values[start:start+3])
		dst = append(dst, query.Nearest{Point: p, K: int(ks.Value(i)), Origin: origins.Value(i)})
	}
	return dst, nil
}

// MatchCodec encodes (index, distance) matches.
type MatchCodec struct{}

var matchSchema = arrow.NewSchema([]arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "distance", Type: arrow.PrimitiveTypes.Float32},
}, nil)

func (MatchCodec) Schema() *arrow.Schema { return matchSchema }

func (MatchCodec) Append(b *array.RecordBuilder, m query.Match) {
	b.Field(0).(*array.Int32Builder).Append(m.Index)
	b.Field(1).(*array.Float32Builder).Append(m.Distance)
}

func (MatchCodec) Decode(rec arrow.Record, dst []query.Match) ([]query.Match, error) {
	idx := rec.Column(0).(*array.Int32).Int32Values()
	dist := rec.Column(1).(*array.Float32).Float32Values()
	for i := range idx {
		dst = append(dst, query.Match{Index: idx[i], Distance: dist[i]})
	}
	return dst, nil
}

// Int32Codec encodes bare indices.
type Int32Codec struct{}

var int32Schema = arrow.NewSchema([]arrow.Field{
	{Name: "value", Type: arrow.PrimitiveTypes.Int32},
}, nil)

func (Int32Codec) Schema() *arrow.Schema { return int32Schema }

func (Int32Codec) Append(b *array.RecordBuilder, v int32) {
	b.Field(0).(*array.Int32Builder).Append(v)
}

func (Int32Codec) Decode(rec arrow.Record, dst []int32) ([]int32, error) {
	return append(dst, rec.Column(0).(*array.Int32).Int32Values()...), nil
}

var (
	_ Codec[query.Spatial] = SpatialCodec{}
	_ Codec[query.Nearest] = NearestCodec{}
	_ Codec[query.Match]   = MatchCodec{}
	_ Codec[int32]         = Int32Codec{}
)
