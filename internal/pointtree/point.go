// Package pointtree implements the octree spatial index used to serve point clouds
// at a camera-dependent level of detail.
package pointtree

import "github.com/go-gl/mathgl/mgl32"

// Color is an RGBA color with components in [0, 1].
type Color struct {
	R float32
	G float32
	B float32
	A float32
}

// DefaultColor is assigned to points whose source has no color information.
var DefaultColor = Color{R: 158.0 / 255.0, G: 158.0 / 255.0, B: 158.0 / 255.0, A: 1}

// Point is a position plus a color.
type Point struct {
	Pos   mgl32.Vec3
	Color Color
}

// NewPoint returns a point at (x, y, z) with the default color.
func NewPoint(x, y, z float32) *Point {
	return &Point{Pos: mgl32.Vec3{x, y, z}, Color: DefaultColor}
}

// Reset restores the default color and moves the point to the origin so a recycled
// point does not leak values from a previous record.
func (p *Point) Reset() {
	p.Pos = mgl32.Vec3{}
	p.Color = DefaultColor
}

func sqrDistance(a, b mgl32.Vec3) float32 {
	d := a.Sub(b)
	return d.Dot(d)
}
