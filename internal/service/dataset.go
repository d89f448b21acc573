package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/pcview/server/internal/data/importer"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/pointtree"
)

// Storage kinds reported in dataset metadata.
const (
	StorageOnDisk   = "on-disk"
	StorageInMemory = "in-memory"
)

// Tree is the octree a dataset serves from.
type Tree interface {
	pointtree.Tree
	NumNodes() int
}

// DatasetOptions describes where a dataset's points come from.
type DatasetOptions struct {
	// PointData is an on-disk octree directory or a .ply/.las file.
	PointData        string
	NodeSize         int
	MinPointDistance float32
	SubtreeCacheSize int
	Logger           *zap.SugaredLogger
}

// LoadDataset opens an on-disk octree when PointData is a directory, otherwise it
// imports the file into an in-memory octree. It returns the storage kind with the tree.
func LoadDataset(opts DatasetOptions) (Tree, string, error) {
	logger := logging.OrNop(opts.Logger)
	info, err := os.Stat(opts.PointData)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", pointtree.ErrNotFound, opts.PointData)
		}
		return nil, "", err
	}

	if info.IsDir() {
		t, err := pointtree.OpenOnDiskOcTree(opts.PointData, pointtree.OnDiskConfig{
			NodeSize:         opts.NodeSize,
			SubtreeCacheSize: opts.SubtreeCacheSize,
			Logger:           logger,
		})
		if err != nil {
			return nil, "", err
		}
		logger.Infow("opened on-disk octree", "path", opts.PointData, "nodes", t.NumNodes(), "bounds", t.Bounds().String())
		return t, StorageOnDisk, nil
	}

	t, _, err := importer.LoadFile(opts.PointData, importer.Config{
		NodeSize:         opts.NodeSize,
		MinPointDistance: opts.MinPointDistance,
		Logger:           logger,
	})
	if err != nil {
		return nil, "", err
	}
	return t, StorageInMemory, nil
}
