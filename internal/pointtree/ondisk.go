package pointtree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pcview/server/internal/cache"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/metrics"
)

// DefaultSubtreeCacheSize is the number of decoded node subtrees kept strongly reachable.
const DefaultSubtreeCacheSize = 64

// maxIndexLevel is the deepest level whose index still fits an int64.
const maxIndexLevel = 21

// NodeIndex identifies a node of an on-disk octree: its level and the octant digits
// from the root packed 3 bits per level.
type NodeIndex struct {
	Level int
	Index int64
}

// Child returns the id of the child in the given octant.
func (id NodeIndex) Child(octant int) NodeIndex {
	return NodeIndex{Level: id.Level + 1, Index: id.Index<<3 | int64(octant)}
}

// Parent returns the id of the parent node. The root is its own parent.
func (id NodeIndex) Parent() NodeIndex {
	if id.Level == 0 {
		return id
	}
	return NodeIndex{Level: id.Level - 1, Index: id.Index >> 3}
}

// Path returns the octant digits from the root down to the node.
func (id NodeIndex) Path() []int {
	path := make([]int, id.Level)
	for l := id.Level - 1; l >= 0; l-- {
		path[id.Level-1-l] = int(id.Index>>(3*l)) & 7
	}
	return path
}

// FileStem returns the node file name without extension: "r" followed by the path.
func (id NodeIndex) FileStem() string {
	var sb strings.Builder
	sb.WriteByte('r')
	for _, o := range id.Path() {
		sb.WriteByte(byte('0' + o))
	}
	return sb.String()
}

func (id NodeIndex) String() string {
	return strconv.Itoa(id.Level) + "-" + strconv.FormatInt(id.Index, 10)
}

func (id NodeIndex) valid() bool {
	return id.Level >= 0 && id.Level <= maxIndexLevel && id.Index >= 0 && id.Index>>(3*id.Level) == 0
}

// seed derives a stable shuffle seed from the id.
func (id NodeIndex) seed() uint64 {
	return (uint64(id.Level)<<58 ^ uint64(id.Index)) * 0x9e3779b97f4a7c15
}

// OnDiskConfig configures an on-disk octree.
type OnDiskConfig struct {
	NodeSize         int // threshold of the per-node subtrees, NodeSize when 0
	SubtreeCacheSize int // DefaultSubtreeCacheSize when 0
	Logger           *zap.SugaredLogger
}

// OnDiskOcTree is an octree in the Cartographer point_viewer layout: a meta.pb file
// listing all nodes plus one .xyz and one .rgb file per node. Node points are loaded
// on demand and organised into a nested in-memory tree per node.
type OnDiskOcTree struct {
	dir      string
	meta     *diskMeta
	bounds   Bounds
	nodes    map[NodeIndex]*DiskNode
	root     *DiskNode
	nodeSize int
	subtrees *cache.Reclaimable[NodeIndex, InMemoryOcTree]
	logger   *zap.SugaredLogger
}

// OpenOnDiskOcTree reads the metadata in dir, links the node hierarchy and checks
// that every node's data files exist. Point data is not read.
func OpenOnDiskOcTree(dir string, cfg OnDiskConfig) (*OnDiskOcTree, error) {
	if cfg.NodeSize <= 0 {
		cfg.NodeSize = NodeSize
	}
	if cfg.SubtreeCacheSize <= 0 {
		cfg.SubtreeCacheSize = DefaultSubtreeCacheSize
	}

	raw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Join(dir, metaFileName))
		}
		return nil, fmt.Errorf("failed to read octree meta: %w", err)
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}

	subtrees, err := cache.NewReclaimable[NodeIndex, InMemoryOcTree](cfg.SubtreeCacheSize)
	if err != nil {
		return nil, err
	}

	t := &OnDiskOcTree{
		dir:      dir,
		meta:     meta,
		bounds:   NewBounds(meta.Min, meta.Max).Cubified(),
		nodes:    make(map[NodeIndex]*DiskNode, len(meta.Nodes)),
		nodeSize: cfg.NodeSize,
		subtrees: subtrees,
		logger:   logging.OrNop(cfg.Logger),
	}

	var total int64
	for _, info := range meta.Nodes {
		if !info.ID.valid() {
			return nil, fmt.Errorf("%w: invalid node id %s", ErrFormat, info.ID)
		}
		if !info.Encoding.Valid() {
			return nil, fmt.Errorf("%w: node %s: unsupported position encoding %s", ErrFormat, info.ID, info.Encoding)
		}
		if _, dup := t.nodes[info.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrConsistency, info.ID)
		}
		t.nodes[info.ID] = &DiskNode{
			tree:      t,
			id:        info.ID,
			name:      info.ID.String(),
			bounds:    t.boundsOf(info.ID),
			numPoints: info.NumPoints,
			encoding:  info.Encoding,
			leaf:      true,
		}
		total += info.NumPoints
	}

	root, ok := t.nodes[NodeIndex{}]
	if !ok {
		return nil, fmt.Errorf("%w: %s lists no root node", ErrConsistency, metaFileName)
	}
	t.root = root
	if linked := root.assignChildren(); linked != len(t.nodes) {
		t.logger.Warnw("ignoring nodes unreachable from the root", "dir", dir, "count", len(t.nodes)-linked)
	}

	if err := t.checkFiles(); err != nil {
		return nil, err
	}

	t.logger.Infow("opened on-disk octree",
		"dir", dir, "points", total, "nodes", len(t.nodes), "bounds", t.bounds.String(), "version", meta.Version)
	return t, nil
}

// checkFiles verifies that all listed nodes have both data files. Every missing file is
// reported.
func (t *OnDiskOcTree) checkFiles() error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(16)
	for id := range t.nodes {
		g.Go(func() error {
			stem := filepath.Join(t.dir, id.FileStem())
			for _, ext := range []string{".xyz", ".rgb"} {
				if _, err := os.Stat(stem + ext); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("node %s: %w", id, err))
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return fmt.Errorf("%w: missing node data: %w", ErrConsistency, errs)
	}
	return nil
}

func (t *OnDiskOcTree) boundsOf(id NodeIndex) Bounds {
	b := t.bounds
	for _, o := range id.Path() {
		b = b.Octant(o)
	}
	return b
}

// Root returns the root node.
func (t *OnDiskOcTree) Root() Node {
	return t.root
}

// Bounds returns the cubified bounds of the whole tree.
func (t *OnDiskOcTree) Bounds() Bounds {
	return t.bounds
}

// Node returns the node with the given id.
func (t *OnDiskOcTree) Node(id NodeIndex) (*DiskNode, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// NumNodes returns the number of nodes listed in the metadata.
func (t *OnDiskOcTree) NumNodes() int {
	return len(t.nodes)
}

// Version returns the metadata format version.
func (t *OnDiskOcTree) Version() int32 {
	return t.meta.Version
}

// DiskNode is a node of an OnDiskOcTree.
type DiskNode struct {
	tree      *OnDiskOcTree
	id        NodeIndex
	name      string
	bounds    Bounds
	numPoints int64
	encoding  PositionEncoding
	leaf      bool
	children  [8]*DiskNode
}

func (n *DiskNode) Name() string { return n.name }
func (n *DiskNode) NumPoints() int64 { return n.numPoints }
func (n *DiskNode) Bounds() Bounds { return n.bounds }
func (n *DiskNode) IsLeaf() bool { return n.leaf }
func (n *DiskNode) Depth() int { return n.id.Level }
func (n *DiskNode) ID() NodeIndex { return n.id }
func (n *DiskNode) Encoding() PositionEncoding { return n.encoding }

// Child returns the child in the given octant or nil.
func (n *DiskNode) Child(octant int) Node {
	if c := n.children[octant]; c != nil {
		return c
	}
	return nil
}

// Points decodes the node's data files.
func (n *DiskNode) Points() ([]*Point, error) {
	return n.LoadPoints()
}

func (n *DiskNode) assignChildren() int {
	linked := 1
	n.leaf = true
	for i := range n.children {
		c, ok := n.tree.nodes[n.id.Child(i)]
		if !ok {
			continue
		}
		n.children[i] = c
		n.leaf = false
		linked += c.assignChildren()
	}
	return linked
}

// Subtree returns the in-memory tree over this node's points, decoding the node files
// when it is not cached.
func (n *DiskNode) Subtree() (*InMemoryOcTree, error) {
	sub, hit, err := n.tree.subtrees.GetOrCreate(n.id, func() (*InMemoryOcTree, error) {
		pts, err := n.LoadPoints()
		if err != nil {
			return nil, err
		}
		return NewInMemoryOcTree(pts, InMemoryConfig{
			NodeSize:   n.tree.nodeSize,
			StartDepth: n.id.Level,
			NamePrefix: n.name + "-",
			Seed:       n.id.seed(),
		}), nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		metrics.SubtreeCacheHits.Inc()
	} else {
		metrics.SubtreeCacheMisses.Inc()
	}
	return sub, nil
}

// CollectNodesInFrustum includes the nodes of this node's subtree, then recurses into
// the on-disk children. The on-disk node itself is never part of the result.
func (n *DiskNode) CollectNodesInFrustum(ctx context.Context, cam *CameraQuery, dst []Node) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return dst, err
	}
	if !ShouldInclude(n, cam) {
		return dst, nil
	}
	sub, err := n.Subtree()
	if err != nil {
		return dst, err
	}
	if dst, err = sub.RootNode().CollectNodesInFrustum(ctx, cam, dst); err != nil {
		return dst, err
	}
	return collectChildren(ctx, n, cam, dst)
}

// LoadPoints reads and decodes the node's .xyz and .rgb files. Positions are mapped
// onto the node bounds. When the colour stream is shorter the point list is truncated
// to it; fewer positions than the metadata lists is a consistency error.
func (n *DiskNode) LoadPoints() ([]*Point, error) {
	stem := filepath.Join(n.tree.dir, n.id.FileStem())
	xyz, err := readNodeFile(stem + ".xyz")
	if err != nil {
		return nil, err
	}
	rgb, err := readNodeFile(stem + ".rgb")
	if err != nil {
		return nil, err
	}

	rs := n.encoding.RecordSize()
	if rs == 0 {
		return nil, fmt.Errorf("%w: node %s: unsupported position encoding %s", ErrFormat, n.name, n.encoding)
	}
	count := len(xyz) / rs
	if int64(count) < n.numPoints {
		return nil, fmt.Errorf("%w: node %s: %d position records, expected %d", ErrConsistency, n.name, count, n.numPoints)
	}
	if colors := len(rgb) / 3; colors < count {
		n.tree.logger.Debugw("truncating node to colour records", "node", n.name, "positions", count, "colors", colors)
		count = colors
	}

	n.tree.logger.Debugw("loaded node data", "node", n.name, "file", n.id.FileStem(), "points", count)

	backing := make([]Point, count)
	pts := make([]*Point, count)
	for i := range backing {
		p := &backing[i]
		p.Pos = n.encoding.DecodePosition(xyz[i*rs:], n.bounds)
		p.Color = Color{
			R: float32(rgb[i*3]) / 255,
			G: float32(rgb[i*3+1]) / 255,
			B: float32(rgb[i*3+2]) / 255,
			A: 1,
		}
		pts[i] = p
	}
	return pts, nil
}

func readNodeFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s vanished", ErrConsistency, path)
		}
		return nil, err
	}
	return data, nil
}
