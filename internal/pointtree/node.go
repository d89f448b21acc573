package pointtree

import (
	"context"
	"math"
)

// Node is a node of an octree. Both the in-memory and the on-disk tree implement it.
type Node interface {
	// Name is unique within the tree.
	Name() string
	// NumPoints is the number of points held by this node itself. For inner nodes
	// this is the LOD subsample, i.e. what a client receives for the node.
	NumPoints() int64
	Bounds() Bounds
	IsLeaf() bool
	Depth() int
	// Child returns the child in the given octant or nil.
	Child(octant int) Node
	// Points returns the points held by this node.
	Points() ([]*Point, error)
	// CollectNodesInFrustum appends this node and its visible descendants to dst.
	CollectNodesInFrustum(ctx context.Context, cam *CameraQuery, dst []Node) ([]Node, error)
}

// IsInFrustum tests the node's bounding sphere against the camera frustum.
func IsInFrustum(n Node, cam *CameraQuery) bool {
	b := n.Bounds()
	return cam.IsInFrustum(b.Center(), b.Size().Len()/2)
}

// ProjectedScreenArea returns the pixel area of the 2D rectangle enclosing the projected
// corners of the node's bounds. Corners that do not project are discarded. When none
// project the area is 0.
func ProjectedScreenArea(n Node, cam *CameraQuery) float32 {
	minX, minY := float32(math.MaxFloat32), float32(math.MaxFloat32)
	maxX, maxY := -float32(math.MaxFloat32), -float32(math.MaxFloat32)
	projected := 0
	w, h := float32(cam.ViewportWidth), float32(cam.ViewportHeight)
	for _, corner := range n.Bounds().Corners() {
		ndc, ok := cam.Project(corner)
		if !ok {
			continue
		}
		projected++
		x := (1 + ndc[0]) * 0.5 * w
		y := (1 + ndc[1]) * 0.5 * h
		minX = min(minX, x)
		minY = min(minY, y)
		maxX = max(maxX, x)
		maxY = max(maxY, y)
	}
	if projected == 0 {
		return 0
	}
	return (maxX - minX) * (maxY - minY)
}

// ShouldInclude reports whether a node is visible and coarse enough for the camera:
// it must intersect the frustum, hold points, and stay below the camera's maximum
// points-per-pixel density.
func ShouldInclude(n Node, cam *CameraQuery) bool {
	if n.NumPoints() <= 0 || !IsInFrustum(n, cam) {
		return false
	}
	area := ProjectedScreenArea(n, cam)
	if area <= 0 {
		return false
	}
	return float32(n.NumPoints())/area < cam.MaxDensity
}

// TotalPoints returns the number of points stored in the leaves below n.
func TotalPoints(n Node) int64 {
	if n.IsLeaf() {
		return n.NumPoints()
	}
	var total int64
	for i := 0; i < 8; i++ {
		if c := n.Child(i); c != nil {
			total += TotalPoints(c)
		}
	}
	return total
}

// collectChildren runs the pruning traversal over the children of n.
func collectChildren(ctx context.Context, n Node, cam *CameraQuery, dst []Node) ([]Node, error) {
	if n.IsLeaf() {
		return dst, nil
	}
	var err error
	for i := 0; i < 8; i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		if dst, err = c.CollectNodesInFrustum(ctx, cam, dst); err != nil {
			return dst, err
		}
	}
	return dst, nil
}
