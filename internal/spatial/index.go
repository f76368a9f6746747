// Package spatial pairs an R-tree broad phase with exact predicates over go-geom
// geometries in a planar (projected) frame.
package spatial

import (
	"slices"

	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geom"
)

// Index is an R-tree of integer ids keyed by their bounding boxes. Ids are
// positions in the caller's own slice; the index never owns the geometries.
type Index struct {
	tree rtree.RTreeG[int]
}

// NewIndex bulk-loads bounds; the id of bounds[i] is i. Nil bounds are skipped.
func NewIndex(bounds []*geom.Bounds) *Index {
	ix := &Index{}
	for i, b := range bounds {
		if b != nil {
			ix.Insert(i, b)
		}
	}
	return ix
}

// Insert adds id with the given bounds.
func (ix *Index) Insert(id int, b *geom.Bounds) {
	ix.tree.Insert(
		[2]float64{b.Min(0), b.Min(1)},
		[2]float64{b.Max(0), b.Max(1)},
		id,
	)
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	return ix.tree.Len()
}

// Search returns ids whose bounds intersect b, in ascending order.
func (ix *Index) Search(b *geom.Bounds) []int {
	var ids []int
	ix.tree.Search(
		[2]float64{b.Min(0), b.Min(1)},
		[2]float64{b.Max(0), b.Max(1)},
		func(_, _ [2]float64, id int) bool {
			ids = append(ids, id)
			return true
		},
	)
	slices.Sort(ids)
	return ids
}

// Buffer returns b grown by r on every side.
func Buffer(b *geom.Bounds, r float64) *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(b.Min(0)-r, b.Min(1)-r, b.Max(0)+r, b.Max(1)+r)
}

// PointBounds returns a square of half-width r around c.
func PointBounds(c geom.Coord, r float64) *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(c[0]-r, c[1]-r, c[0]+r, c[1]+r)
}
