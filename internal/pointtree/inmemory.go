package pointtree

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"
)

// maxSplitLevels bounds subdivision below the start depth. Coincident points can never
// be separated, so leaves at this depth may exceed the threshold. On-disk node ids
// spend 3 bits of an int64 per level, which caps the depth as well.
const maxSplitLevels = 21

// InMemoryConfig configures an in-memory octree.
type InMemoryConfig struct {
	NodeSize   int    // max points per leaf, NodeSize when 0
	StartDepth int    // depth of the root, used for trees nested in on-disk nodes
	NamePrefix string // prepended to the sequential node ids
	Seed       uint64 // seeds the LOD shuffle
}

// InMemoryOcTree is an octree built over a point set held in memory. Inner nodes hold a
// random subsample of their descendants so that a client receiving only ancestors
// still sees a representative picture.
type InMemoryOcTree struct {
	root       *MemNode
	namePrefix string
	nextNodeID int64
	rng        *rand.Rand
}

// NewInMemoryOcTree builds a tree over points and runs the LOD subsampling pass.
func NewInMemoryOcTree(points []*Point, cfg InMemoryConfig) *InMemoryOcTree {
	if cfg.NodeSize <= 0 {
		cfg.NodeSize = NodeSize
	}
	t := &InMemoryOcTree{
		namePrefix: cfg.NamePrefix,
		nextNodeID: 1,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}

	var bounds Bounds
	for _, pt := range points {
		bounds.Add(pt.Pos)
	}
	t.root = t.newNode(bounds.Cubified(), cfg.NodeSize, cfg.StartDepth)
	for _, pt := range points {
		t.root.AddPoint(pt)
	}

	t.SubSampleNodes()
	return t
}

// Root returns the root node.
func (t *InMemoryOcTree) Root() Node {
	return t.root
}

// RootNode returns the root with its concrete type.
func (t *InMemoryOcTree) RootNode() *MemNode {
	return t.root
}

// SubSampleNodes shuffles all leaves and refills every inner node with a round-robin
// sample of its children.
func (t *InMemoryOcTree) SubSampleNodes() {
	t.root.randomizePoints(t.rng)
	t.root.subSampleChildren()
}

// SetNodeSize changes the split threshold of the whole tree, splitting or merging nodes
// as needed, and rebuilds the LOD subsamples.
func (t *InMemoryOcTree) SetNodeSize(n int) {
	t.root.SetNodeSize(n)
	t.SubSampleNodes()
}

// FindNearest returns the stored point closest to p, or nil for an empty tree.
func (t *InMemoryOcTree) FindNearest(p mgl32.Vec3) *Point {
	pt, _ := t.root.findNearest(p, math.MaxFloat32)
	return pt
}

// NumNodes returns the number of nodes in the tree.
func (t *InMemoryOcTree) NumNodes() int {
	return t.root.countNodes()
}

func (t *InMemoryOcTree) newNode(bounds Bounds, nodeSize, depth int) *MemNode {
	n := &MemNode{
		tree:     t,
		name:     t.namePrefix + strconv.FormatInt(t.nextNodeID, 10),
		bounds:   bounds,
		nodeSize: nodeSize,
		depth:    depth,
		leaf:     true,
	}
	t.nextNodeID++
	return n
}

// MemNode is a node of an InMemoryOcTree.
type MemNode struct {
	tree     *InMemoryOcTree
	name     string
	bounds   Bounds
	depth    int
	nodeSize int
	leaf     bool
	points   []*Point
	children [8]*MemNode
}

func (n *MemNode) Name() string { return n.name }
func (n *MemNode) NumPoints() int64 { return int64(len(n.points)) }
func (n *MemNode) Bounds() Bounds { return n.bounds }
func (n *MemNode) IsLeaf() bool { return n.leaf }
func (n *MemNode) Depth() int { return n.depth }
func (n *MemNode) NodeSize() int { return n.nodeSize }
func (n *MemNode) Points() ([]*Point, error) {
	return n.points, nil
}

// Child returns the child in the given octant or nil.
func (n *MemNode) Child(octant int) Node {
	if c := n.children[octant]; c != nil {
		return c
	}
	return nil
}

// ChildNode returns the child with its concrete type.
func (n *MemNode) ChildNode(octant int) *MemNode {
	return n.children[octant]
}

// CollectNodesInFrustum implements Node.
func (n *MemNode) CollectNodesInFrustum(ctx context.Context, cam *CameraQuery, dst []Node) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return dst, err
	}
	if !ShouldInclude(n, cam) {
		return dst, nil
	}
	dst = append(dst, n)
	return collectChildren(ctx, n, cam, dst)
}

// AddPoint inserts p below n. A leaf exceeding its threshold splits immediately.
func (n *MemNode) AddPoint(p *Point) {
	if !n.leaf {
		n.addInChild(p)
		return
	}
	n.points = append(n.points, p)
	if len(n.points) > n.nodeSize {
		n.split()
	}
}

// SetNodeSize changes the threshold of n and all its descendants. Oversized leaves
// split; inner nodes whose children are all leaves merge when they fit.
func (n *MemNode) SetNodeSize(size int) {
	n.nodeSize = size
	for _, c := range n.children {
		if c != nil {
			c.SetNodeSize(size)
		}
	}
	n.checkMergeJoin()
}

func (n *MemNode) canSplit() bool {
	return n.depth-n.tree.root.depth < maxSplitLevels
}

func (n *MemNode) addInChild(p *Point) {
	idx := n.bounds.OctantIndex(p.Pos)
	c := n.children[idx]
	if c == nil {
		// Dropped during subsampling, recreate the empty octant.
		c = n.tree.newNode(n.bounds.Octant(idx), n.nodeSize, n.depth+1)
		n.children[idx] = c
	}
	c.AddPoint(p)
}

func (n *MemNode) split() {
	if !n.canSplit() {
		return
	}
	n.leaf = false
	for i := range n.children {
		n.children[i] = n.tree.newNode(n.bounds.Octant(i), n.nodeSize, n.depth+1)
	}
	pts := n.points
	n.points = nil
	for _, p := range pts {
		n.addInChild(p)
	}
}

func (n *MemNode) checkMergeJoin() {
	if n.leaf {
		if len(n.points) > n.nodeSize {
			n.split()
		}
		return
	}

	sum := 0
	for _, c := range n.children {
		if c == nil {
			continue
		}
		if !c.leaf {
			return
		}
		sum += len(c.points)
	}
	if sum > n.nodeSize {
		return
	}

	merged := make([]*Point, 0, sum)
	for i, c := range n.children {
		if c != nil {
			merged = append(merged, c.points...)
			n.children[i] = nil
		}
	}
	n.points = merged
	n.leaf = true
}

func (n *MemNode) randomizePoints(rng *rand.Rand) {
	rng.Shuffle(len(n.points), func(i, j int) {
		n.points[i], n.points[j] = n.points[j], n.points[i]
	})
	for _, c := range n.children {
		if c != nil {
			c.randomizePoints(rng)
		}
	}
}

func (n *MemNode) subSampleChildren() {
	if n.leaf {
		return
	}
	n.points = n.points[:0]

	for i, c := range n.children {
		if c == nil {
			continue
		}
		c.subSampleChildren()
		if len(c.points) == 0 {
			n.children[i] = nil
		}
	}

	for k, added := 0, true; added && len(n.points) < n.nodeSize; k++ {
		added = false
		for _, c := range n.children {
			if c == nil || k >= len(c.points) {
				continue
			}
			n.points = append(n.points, c.points[k])
			added = true
			if len(n.points) >= n.nodeSize {
				break
			}
		}
	}
}

// findNearest descends into the octant containing p first and only visits siblings
// whose bounds are closer than the best candidate so far.
func (n *MemNode) findNearest(p mgl32.Vec3, limit float32) (*Point, float32) {
	if n.leaf {
		var best *Point
		bestD := limit
		for _, pt := range n.points {
			if d := sqrDistance(pt.Pos, p); d < bestD {
				best, bestD = pt, d
			}
		}
		return best, bestD
	}

	var best *Point
	bestD := limit
	first := n.bounds.OctantIndex(p)
	if c := n.children[first]; c != nil {
		best, bestD = c.findNearest(p, bestD)
	}
	for i, c := range n.children {
		if c == nil || i == first {
			continue
		}
		if c.bounds.PointDistanceSqr(p) >= bestD {
			continue
		}
		if pt, d := c.findNearest(p, bestD); pt != nil && d < bestD {
			best, bestD = pt, d
		}
	}
	return best, bestD
}

func (n *MemNode) countNodes() int {
	cnt := 1
	for _, c := range n.children {
		if c != nil {
			cnt += c.countNodes()
		}
	}
	return cnt
}

// Walk calls fn for n and every descendant in pre-order. The octant path from the root
// is passed along so callers can derive stable ids.
func (n *MemNode) Walk(fn func(node *MemNode, path []int) error) error {
	return n.walk(nil, fn)
}

func (n *MemNode) walk(path []int, fn func(*MemNode, []int) error) error {
	if err := fn(n, path); err != nil {
		return err
	}
	for i, c := range n.children {
		if c == nil {
			continue
		}
		if err := c.walk(append(path[:len(path):len(path)], i), fn); err != nil {
			return err
		}
	}
	return nil
}
