// Package importer loads point files into in-memory octrees.
package importer

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pcview/server/internal/data/las"
	"github.com/pcview/server/internal/data/ply"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/pointtree"
)

// DefaultMinPointDistance is the default grid size below which points are merged.
const DefaultMinPointDistance = 0.01

// PointReader streams the points of a source. With recycle set, the reader may reuse
// one point for every call, so fn must not retain it.
type PointReader interface {
	ReadPoints(recycle bool, fn func(*pointtree.Point)) error
}

// Open returns a reader for path chosen by file extension.
func Open(path string) (PointReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		r, err := ply.NewReader(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	case ".las":
		r, err := las.NewReader(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: do not know how to read file %q", pointtree.ErrFormat, path)
}

// Config configures tree loading.
type Config struct {
	NodeSize int // pointtree.NodeSize when 0
	// MinPointDistance is the dedup grid size. 0 selects DefaultMinPointDistance,
	// a negative value keeps every point.
	MinPointDistance float32
	Seed             uint64
	Logger           *zap.SugaredLogger
}

// Stats describes a finished load.
type Stats struct {
	PointsRead int
	PointsKept int
	Bounds     pointtree.Bounds
	Duration   time.Duration
}

type gridKey struct {
	x, y, z int64
}

// LoadTree reads r twice: once for bounds and count, once to keep one point per grid
// cell of MinPointDistance, the last one read winning. The kept points go into a new
// in-memory tree in first-seen cell order.
func LoadTree(r PointReader, cfg Config) (*pointtree.InMemoryOcTree, Stats, error) {
	logger := logging.OrNop(cfg.Logger)
	if cfg.MinPointDistance == 0 {
		cfg.MinPointDistance = DefaultMinPointDistance
	}
	start := time.Now()

	var stats Stats
	logger.Info("determining point cloud bounds")
	err := r.ReadPoints(true, func(p *pointtree.Point) {
		stats.Bounds.Add(p.Pos)
		stats.PointsRead++
	})
	if err != nil {
		return nil, stats, err
	}
	logger.Infow("bounds pass done", "points", stats.PointsRead, "bounds", stats.Bounds.String())

	var points []*pointtree.Point
	if cfg.MinPointDistance < 0 {
		points = make([]*pointtree.Point, 0, stats.PointsRead)
		err = r.ReadPoints(false, func(p *pointtree.Point) {
			points = append(points, p)
		})
	} else {
		cells := make(map[gridKey]int, stats.PointsRead)
		origin := stats.Bounds.Min
		d := float64(cfg.MinPointDistance)
		err = r.ReadPoints(false, func(p *pointtree.Point) {
			k := gridKey{
				x: int64(math.Floor(float64(p.Pos[0]-origin[0]) / d)),
				y: int64(math.Floor(float64(p.Pos[1]-origin[1]) / d)),
				z: int64(math.Floor(float64(p.Pos[2]-origin[2]) / d)),
			}
			if i, ok := cells[k]; ok {
				points[i] = p
				return
			}
			cells[k] = len(points)
			points = append(points, p)
		})
	}
	if err != nil {
		return nil, stats, err
	}

	logger.Info("building tree structure")
	tree := pointtree.NewInMemoryOcTree(points, pointtree.InMemoryConfig{NodeSize: cfg.NodeSize, Seed: cfg.Seed})
	stats.PointsKept = len(points)
	stats.Duration = time.Since(start)
	logger.Infow("loaded points", "kept", stats.PointsKept, "read", stats.PointsRead,
		"nodes", tree.NumNodes(), "duration", stats.Duration)
	return tree, stats, nil
}

// LoadFile opens path and loads it with LoadTree.
func LoadFile(path string, cfg Config) (*pointtree.InMemoryOcTree, Stats, error) {
	r, err := Open(path)
	if err != nil {
		return nil, Stats{}, err
	}
	return LoadTree(r, cfg)
}
