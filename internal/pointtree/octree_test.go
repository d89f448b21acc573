package pointtree

import (
	"context"
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func testCamera() *CameraQuery {
	return NewCameraQuery(mgl32.Vec3{50, 50, 250}, mgl32.Vec3{50, 50, 50}, 45, 800, 600)
}

func nodeNames(nodes []Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}
	return names
}

func TestCameraQuery(t *testing.T) {
	cam := NewCameraQuery(mgl32.Vec3{0, 0, 10}, mgl32.Vec3{}, 60, 640, 480)

	if !cam.IsInFrustum(mgl32.Vec3{}, 0.1) {
		t.Fatalf("look-at point must be in frustum")
	}
	if cam.IsInFrustum(mgl32.Vec3{0, 0, 20}, 1) {
		t.Fatalf("point behind the camera must not be in frustum")
	}
	if cam.IsInFrustum(mgl32.Vec3{0, 0, -2000}, 1) {
		t.Fatalf("point beyond the far plane must not be in frustum")
	}
	if !cam.IsInFrustum(mgl32.Vec3{0, 0, 20}, 15) {
		t.Fatalf("sphere reaching in front of the camera must intersect")
	}

	ndc, ok := cam.Project(mgl32.Vec3{})
	if !ok {
		t.Fatalf("look-at point must project")
	}
	if abs(ndc[0]) > 1e-5 || abs(ndc[1]) > 1e-5 {
		t.Fatalf("look-at point must project to the center, got %v", ndc)
	}
	if _, ok := cam.Project(mgl32.Vec3{0, 0, 20}); ok {
		t.Fatalf("point behind the camera must not project")
	}
	if cam.ViewportArea() != 640*480 {
		t.Fatalf("unexpected viewport area %f", cam.ViewportArea())
	}
}

func TestCameraQueryDegenerateUp(t *testing.T) {
	// Looking straight down the up axis must still produce a usable frustum.
	cam := NewCameraQuery(mgl32.Vec3{0, 10, 0}, mgl32.Vec3{}, 60, 100, 100)
	if !cam.IsInFrustum(mgl32.Vec3{}, 0.1) {
		t.Fatalf("look-at point must be in frustum")
	}
	if _, ok := cam.Project(mgl32.Vec3{}); !ok {
		t.Fatalf("look-at point must project")
	}
}

func abs(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

func TestCollectNodesInFrustum(t *testing.T) {
	tree := NewInMemoryOcTree(randomPoints(20000, 7, 100), InMemoryConfig{NodeSize: 500})
	cam := testCamera()
	ctx := context.Background()

	all, err := CollectNodesInFrustum(ctx, tree, cam, 0, 0)
	if err != nil {
		t.Fatalf("CollectNodesInFrustum: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected several visible nodes, got %d", len(all))
	}
	if all[0] != tree.Root() {
		t.Fatalf("expected root first, got %s", all[0].Name())
	}

	t.Run("priorityOrder", func(t *testing.T) {
		for i := 1; i < len(all); i++ {
			a, b := all[i-1], all[i]
			if a.Depth() > b.Depth() {
				t.Fatalf("depth order violated at %d: %d > %d", i, a.Depth(), b.Depth())
			}
			if a.Depth() == b.Depth() &&
				sqrDistance(a.Bounds().Center(), cam.Position) > sqrDistance(b.Bounds().Center(), cam.Position) {
				t.Fatalf("distance order violated at %d", i)
			}
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		again, err := CollectNodesInFrustum(ctx, tree, cam, 0, 0)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		a, b := nodeNames(all), nodeNames(again)
		if len(a) != len(b) {
			t.Fatalf("result sizes differ: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("results differ at %d: %s vs %s", i, a[i], b[i])
			}
		}
	})

	t.Run("maxNodes", func(t *testing.T) {
		got, err := CollectNodesInFrustum(ctx, tree, cam, 3, 0)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 nodes, got %d", len(got))
		}
		for i := range got {
			if got[i] != all[i] {
				t.Fatalf("node budget must keep the prefix, differs at %d", i)
			}
		}
	})

	t.Run("maxPoints", func(t *testing.T) {
		budget := int(all[0].NumPoints() + all[1].NumPoints())
		got, err := CollectNodesInFrustum(ctx, tree, cam, 0, budget)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		if len(got) < 2 {
			t.Fatalf("expected at least 2 nodes within %d points, got %d", budget, len(got))
		}
		if SumPoints(got) > int64(budget) {
			t.Fatalf("point budget exceeded: %d > %d", SumPoints(got), budget)
		}
		if len(got) < len(all) && SumPoints(all[:len(got)+1]) <= int64(budget) {
			t.Fatalf("budget prefix is not the longest")
		}
	})

	t.Run("singleNodeException", func(t *testing.T) {
		got, err := CollectNodesInFrustum(ctx, tree, cam, 0, 1)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		if len(got) != 1 || got[0] != all[0] {
			t.Fatalf("expected only the first node, got %v", nodeNames(got))
		}
	})

	t.Run("lookingAway", func(t *testing.T) {
		away := NewCameraQuery(mgl32.Vec3{50, 50, 250}, mgl32.Vec3{50, 50, 500}, 45, 800, 600)
		got, err := CollectNodesInFrustum(ctx, tree, away, 0, 0)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no nodes, got %d", len(got))
		}
	})

	t.Run("density", func(t *testing.T) {
		strict := testCamera()
		strict.MaxDensity = 1e-6
		got, err := CollectNodesInFrustum(ctx, tree, strict, 0, 0)
		if err != nil {
			t.Fatalf("CollectNodesInFrustum: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no nodes below the density limit, got %d", len(got))
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := CollectNodesInFrustum(cctx, tree, cam, 0, 0); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestProjectedScreenArea(t *testing.T) {
	tree := NewInMemoryOcTree(randomPoints(10, 8, 100), InMemoryConfig{})
	cam := testCamera()
	area := ProjectedScreenArea(tree.Root(), cam)
	if area <= 0 || area > cam.ViewportArea() {
		t.Fatalf("expected visible area within the viewport, got %f", area)
	}

	// A thin column crossing the camera plane: only the far corners project and the
	// area is their rectangle alone.
	column := &boxNode{
		bounds:    NewBounds(mgl32.Vec3{-0.5, -0.5, -100}, mgl32.Vec3{0.5, 0.5, 10}),
		numPoints: 5000,
	}
	near := NewCameraQuery(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{}, 45, 800, 600)
	got := ProjectedScreenArea(column, near)
	if got <= 0 || got > 1000 {
		t.Fatalf("expected the far corners' rectangle, got %f", got)
	}
	if !IsInFrustum(column, near) {
		t.Fatalf("column must intersect the frustum")
	}
	if ShouldInclude(column, near) {
		t.Fatalf("column of %d points over %f pixels must exceed the density limit", column.numPoints, got)
	}
}

// boxNode is a leaf with fixed bounds and point count.
type boxNode struct {
	bounds    Bounds
	numPoints int64
}

func (n *boxNode) Name() string              { return "box" }
func (n *boxNode) NumPoints() int64          { return n.numPoints }
func (n *boxNode) Bounds() Bounds            { return n.bounds }
func (n *boxNode) IsLeaf() bool              { return true }
func (n *boxNode) Depth() int                { return 0 }
func (n *boxNode) Child(int) Node            { return nil }
func (n *boxNode) Points() ([]*Point, error) { return nil, nil }
func (n *boxNode) CollectNodesInFrustum(_ context.Context, _ *CameraQuery, dst []Node) ([]Node, error) {
	return append(dst, n), nil
}
