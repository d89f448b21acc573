package pointtree

import (
	"context"
	"sort"
)

// NodeSize is the default maximum number of points in a leaf.
const NodeSize = 5000

// Tree is an octree with a single root node.
type Tree interface {
	Root() Node
}

// CollectNodesInFrustum returns the nodes to stream for cam in priority order: shallow
// nodes first and, within a depth, nearest first. maxNodes and maxPoints cap the result
// (0 disables a cap). The point cap keeps the longest prefix within budget but never
// drops the first node.
func CollectNodesInFrustum(ctx context.Context, t Tree, cam *CameraQuery, maxNodes, maxPoints int) ([]Node, error) {
	root := t.Root()
	if root == nil {
		return nil, nil
	}
	nodes, err := root.CollectNodesInFrustum(ctx, cam, nil)
	if err != nil {
		return nil, err
	}

	dist := make(map[Node]float32, len(nodes))
	for _, n := range nodes {
		dist[n] = sqrDistance(n.Bounds().Center(), cam.Position)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Depth() != nodes[j].Depth() {
			return nodes[i].Depth() < nodes[j].Depth()
		}
		return dist[nodes[i]] < dist[nodes[j]]
	})

	if maxNodes > 0 && len(nodes) > maxNodes {
		nodes = nodes[:maxNodes]
	}

	if maxPoints > 0 {
		var total int64
		for i, n := range nodes {
			total += n.NumPoints()
			if total > int64(maxPoints) && i > 0 {
				nodes = nodes[:i]
				break
			}
		}
	}
	return nodes, nil
}

// SumPoints returns the sum of NumPoints over nodes.
func SumPoints(nodes []Node) int64 {
	var total int64
	for _, n := range nodes {
		total += n.NumPoints()
	}
	return total
}
