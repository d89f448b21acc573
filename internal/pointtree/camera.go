package pointtree

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	// DefaultMaxDensity is the default points-per-pixel threshold. Smaller values
	// admit coarser nodes, larger values admit finer detail.
	DefaultMaxDensity = 0.3

	defaultClipNear = 1
	defaultClipFar  = 1000

	projectEpsilon = 1e-5
)

type plane struct {
	n mgl32.Vec3
	d float32
}

func (p plane) distance(v mgl32.Vec3) float32 {
	return p.n.Dot(v) + p.d
}

// CameraQuery holds the view and projection state of a remote viewer. It is rebuilt
// for every camera request.
type CameraQuery struct {
	Position       mgl32.Vec3
	LookAt         mgl32.Vec3
	Up             mgl32.Vec3
	FovY           float32 // degrees
	ViewportWidth  int
	ViewportHeight int
	ClipNear       float32
	ClipFar        float32
	MaxDensity     float32

	viewProj mgl32.Mat4
	planes   [6]plane
}

// NewCameraQuery sets up a perspective camera at pos looking at lookAt with +Y up.
func NewCameraQuery(pos, lookAt mgl32.Vec3, fovY float32, viewportWidth, viewportHeight int) *CameraQuery {
	c := &CameraQuery{
		Position:       pos,
		LookAt:         lookAt,
		Up:             mgl32.Vec3{0, 1, 0},
		FovY:           fovY,
		ViewportWidth:  viewportWidth,
		ViewportHeight: viewportHeight,
		ClipNear:       defaultClipNear,
		ClipFar:        defaultClipFar,
		MaxDensity:     DefaultMaxDensity,
	}
	c.Update()
	return c
}

// Update recomputes the matrices and frustum planes after a field was changed.
func (c *CameraQuery) Update() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1
	}
	if c.ClipNear <= 0 {
		c.ClipNear = defaultClipNear
	}
	if c.ClipFar <= c.ClipNear {
		c.ClipFar = c.ClipNear + defaultClipFar
	}
	if c.FovY <= 0 || c.FovY >= 180 {
		c.FovY = 60
	}

	up := c.Up
	if up.Len() == 0 {
		up = mgl32.Vec3{0, 1, 0}
	}
	dir := c.LookAt.Sub(c.Position)
	if dir.Len() == 0 {
		// Degenerate view direction, look down -Z.
		dir = mgl32.Vec3{0, 0, -1}
		c.LookAt = c.Position.Add(dir)
	}
	if dir.Normalize().Cross(up.Normalize()).Len() < 1e-4 {
		up = mgl32.Vec3{0, 0, 1}
		if dir.Normalize().Cross(up).Len() < 1e-4 {
			up = mgl32.Vec3{1, 0, 0}
		}
	}

	aspect := float32(c.ViewportWidth) / float32(c.ViewportHeight)
	proj := mgl32.Perspective(mgl32.DegToRad(c.FovY), aspect, c.ClipNear, c.ClipFar)
	view := mgl32.LookAtV(c.Position, c.LookAt, up)
	c.viewProj = proj.Mul4(view)

	r0, r1, r2, r3 := c.viewProj.Row(0), c.viewProj.Row(1), c.viewProj.Row(2), c.viewProj.Row(3)
	c.planes = [6]plane{
		makePlane(r3.Add(r0)), // left
		makePlane(r3.Sub(r0)), // right
		makePlane(r3.Add(r1)), // bottom
		makePlane(r3.Sub(r1)), // top
		makePlane(r3.Add(r2)), // near
		makePlane(r3.Sub(r2)), // far
	}
}

func makePlane(v mgl32.Vec4) plane {
	n := v.Vec3()
	l := n.Len()
	if l == 0 {
		return plane{}
	}
	return plane{n: n.Mul(1 / l), d: v[3] / l}
}

// IsInFrustum reports whether the sphere at center with the given radius intersects the
// view frustum.
func (c *CameraQuery) IsInFrustum(center mgl32.Vec3, radius float32) bool {
	for _, p := range c.planes {
		if p.distance(center) < -radius {
			return false
		}
	}
	return true
}

// Project maps a world position to normalized device coordinates. It returns false when
// the position lies on or behind the camera plane.
func (c *CameraQuery) Project(p mgl32.Vec3) (mgl32.Vec3, bool) {
	v := c.viewProj.Mul4x1(p.Vec4(1))
	if v[3] <= projectEpsilon || math.IsNaN(float64(v[3])) {
		return mgl32.Vec3{}, false
	}
	return v.Vec3().Mul(1 / v[3]), true
}

// ViewportArea returns the viewport size in pixels.
func (c *CameraQuery) ViewportArea() float32 {
	return float32(c.ViewportWidth) * float32(c.ViewportHeight)
}
