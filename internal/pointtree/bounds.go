package pointtree

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Bounds is an axis-aligned bounding box. The zero value is empty.
type Bounds struct {
	Min mgl32.Vec3
	Max mgl32.Vec3

	nonEmpty bool
}

// NewBounds returns the box spanning lo and hi.
func NewBounds(lo, hi mgl32.Vec3) Bounds {
	return Bounds{Min: lo, Max: hi, nonEmpty: true}
}

// IsEmpty reports whether no point has been added to the box.
func (b Bounds) IsEmpty() bool {
	return !b.nonEmpty
}

// Add grows the box so it includes p.
func (b *Bounds) Add(p mgl32.Vec3) {
	if !b.nonEmpty {
		b.Min = p
		b.Max = p
		b.nonEmpty = true
		return
	}
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
}

// Size returns the edge lengths of the box.
func (b Bounds) Size() mgl32.Vec3 {
	return b.Max.Sub(b.Min)
}

// Center returns the center of the box.
func (b Bounds) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Cubified returns a cube anchored at Min whose edge is the largest edge of b.
func (b Bounds) Cubified() Bounds {
	if b.IsEmpty() {
		return NewBounds(mgl32.Vec3{}, mgl32.Vec3{})
	}
	s := b.Size()
	edge := float32(math.Max(float64(s[0]), math.Max(float64(s[1]), float64(s[2]))))
	return NewBounds(b.Min, b.Min.Add(mgl32.Vec3{edge, edge, edge}))
}

// Contains reports whether p lies inside the box (inclusive).
func (b Bounds) Contains(p mgl32.Vec3) bool {
	if b.IsEmpty() {
		return false
	}
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// OctantIndex returns the child slot p falls into: bit 2 for x, bit 1 for y, bit 0 for z.
func (b Bounds) OctantIndex(p mgl32.Vec3) int {
	c := b.Center()
	idx := 0
	if p[0] >= c[0] {
		idx |= 4
	}
	if p[1] >= c[1] {
		idx |= 2
	}
	if p[2] >= c[2] {
		idx |= 1
	}
	return idx
}

// Octant returns the child box addressed by octant index i.
func (b Bounds) Octant(i int) Bounds {
	c := b.Center()
	lo, hi := b.Min, c
	if i&4 != 0 {
		lo[0], hi[0] = c[0], b.Max[0]
	}
	if i&2 != 0 {
		lo[1], hi[1] = c[1], b.Max[1]
	}
	if i&1 != 0 {
		lo[2], hi[2] = c[2], b.Max[2]
	}
	return NewBounds(lo, hi)
}

// Corners returns the eight corners of the box.
func (b Bounds) Corners() [8]mgl32.Vec3 {
	var corners [8]mgl32.Vec3
	for i := 0; i < 8; i++ {
		c := b.Min
		if i&4 != 0 {
			c[0] = b.Max[0]
		}
		if i&2 != 0 {
			c[1] = b.Max[1]
		}
		if i&1 != 0 {
			c[2] = b.Max[2]
		}
		corners[i] = c
	}
	return corners
}

// PointDistanceSqr returns the squared distance from p to the closest point of the box.
// Points inside the box have distance 0.
func (b Bounds) PointDistanceSqr(p mgl32.Vec3) float32 {
	var d float32
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			v := b.Min[i] - p[i]
			d += v * v
		} else if p[i] > b.Max[i] {
			v := p[i] - b.Max[i]
			d += v * v
		}
	}
	return d
}

func (b Bounds) String() string {
	if b.IsEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[(%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)]",
		b.Min[0], b.Min[1], b.Min[2], b.Max[0], b.Max[1], b.Max[2])
}
