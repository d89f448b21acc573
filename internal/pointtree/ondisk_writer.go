package pointtree

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// WriteOnDiskOcTree stores t in dir in the layout read by OpenOnDiskOcTree. Every node
// is written, inner nodes with their LOD subsample.
func WriteOnDiskOcTree(dir string, t *InMemoryOcTree, enc PositionEncoding) error {
	if !enc.Valid() {
		return fmt.Errorf("%w: unsupported position encoding %s", ErrFormat, enc)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create octree directory: %w", err)
	}

	root := t.RootNode()
	meta := &diskMeta{
		Version:    1,
		Min:        root.Bounds().Min,
		Max:        root.Bounds().Max,
		Resolution: float64(enc.MaxError(root.Bounds().Size()[0])),
	}

	var g errgroup.Group
	g.SetLimit(8)
	err := root.Walk(func(n *MemNode, path []int) error {
		if len(path) > maxIndexLevel {
			return fmt.Errorf("%w: node %s at level %d exceeds the on-disk id range", ErrFormat, n.Name(), len(path))
		}
		id := NodeIndex{Level: len(path)}
		for _, o := range path {
			id.Index = id.Index<<3 | int64(o)
		}
		pts := n.points
		meta.Nodes = append(meta.Nodes, nodeInfo{ID: id, NumPoints: int64(len(pts)), Encoding: enc})

		g.Go(func() error {
			return writeNodeFiles(filepath.Join(dir, id.FileStem()), pts, n.Bounds(), enc)
		})
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, metaFileName), encodeMeta(meta), 0o644); err != nil {
		return fmt.Errorf("failed to write octree meta: %w", err)
	}
	return nil
}

func writeNodeFiles(stem string, pts []*Point, bounds Bounds, enc PositionEncoding) error {
	xyz := make([]byte, 0, len(pts)*enc.RecordSize())
	rgb := make([]byte, 0, len(pts)*3)
	for _, p := range pts {
		xyz = enc.EncodePosition(xyz, p.Pos, bounds)
		rgb = append(rgb, colorByte(p.Color.R), colorByte(p.Color.G), colorByte(p.Color.B))
	}
	if err := os.WriteFile(stem+".xyz", xyz, 0o644); err != nil {
		return fmt.Errorf("failed to write node positions: %w", err)
	}
	if err := os.WriteFile(stem+".rgb", rgb, 0o644); err != nil {
		return fmt.Errorf("failed to write node colors: %w", err)
	}
	return nil
}

func colorByte(f float32) byte {
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 255
	}
	return byte(f*255 + 0.5)
}
