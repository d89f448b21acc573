// Package service provides the per-dataset logic behind the streaming and HTTP APIs.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pcview/server/internal/cache"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/metrics"
	"github.com/pcview/server/internal/pointtree"
	"github.com/pcview/server/internal/protocol"
	"github.com/pcview/server/internal/render"
)

// Limits caps what a single camera request selects.
type Limits struct {
	MaxNodes   int
	MaxPoints  int
	MaxDensity float32
}

// PointCloudServiceConfig contains point cloud service configuration.
type PointCloudServiceConfig struct {
	DatasetID string
	Tree      Tree
	Storage   string
	NodeSize  int
	Cache     *cache.Manager
	Codec     *protocol.Codec
	Renderer  *render.SelectionRenderer
	Limits    Limits
	Logger    *zap.SugaredLogger
}

// PointCloudService answers camera requests for one dataset.
type PointCloudService struct {
	datasetID string
	tree      Tree
	storage   string
	nodeSize  int
	cache     *cache.Manager
	codec     *protocol.Codec
	renderer  *render.SelectionRenderer
	limits    Limits
	logger    *zap.SugaredLogger
}

// NewPointCloudService creates a new point cloud service.
func NewPointCloudService(cfg PointCloudServiceConfig) *PointCloudService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	if cfg.Limits.MaxDensity <= 0 {
		cfg.Limits.MaxDensity = pointtree.DefaultMaxDensity
	}

	return &PointCloudService{
		datasetID: datasetID,
		tree:      cfg.Tree,
		storage:   cfg.Storage,
		nodeSize:  cfg.NodeSize,
		cache:     cfg.Cache,
		codec:     cfg.Codec,
		renderer:  cfg.Renderer,
		limits:    cfg.Limits,
		logger:    logging.OrNop(cfg.Logger).With("dataset", datasetID),
	}
}

// DatasetID returns the dataset id.
func (s *PointCloudService) DatasetID() string {
	return s.datasetID
}

// Camera builds the camera query for a client request.
func (s *PointCloudService) Camera(req protocol.CamRequest) *pointtree.CameraQuery {
	cam := pointtree.NewCameraQuery(req.Pos.Vec(), req.LookAt.Vec(), req.FovY, req.ViewW, req.ViewH)
	if req.Up != nil {
		cam.Up = req.Up.Vec()
	}
	cam.MaxDensity = s.limits.MaxDensity
	cam.Update()
	return cam
}

// Select returns the nodes to stream for cam in priority order.
func (s *PointCloudService) Select(ctx context.Context, cam *pointtree.CameraQuery) ([]pointtree.Node, error) {
	start := time.Now()
	nodes, err := pointtree.CollectNodesInFrustum(ctx, s.tree, cam, s.limits.MaxNodes, s.limits.MaxPoints)
	if err != nil {
		return nil, err
	}
	metrics.SelectionDuration.WithLabelValues(s.datasetID).Observe(time.Since(start).Seconds())
	return nodes, nil
}

// Payload returns the encoded point-buffer frame of n.
func (s *PointCloudService) Payload(ctx context.Context, n pointtree.Node) ([]byte, error) {
	key := cache.NodeKey(s.datasetID, n.Name())
	if s.cache != nil {
		if frame, ok := s.cache.GetNode(key); ok {
			metrics.PayloadCacheHits.WithLabelValues(s.datasetID).Inc()
			return frame, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pts, err := n.Points()
	if err != nil {
		return nil, err
	}
	frame := s.codec.Encode(n.Name(), pts)

	if s.cache != nil {
		if err := s.cache.SetNode(key, frame); err != nil {
			s.logger.Debugw("node payload not cached", "node", n.Name(), "bytes", len(frame), "error", err)
		}
	}
	return frame, nil
}

// SelectionNode describes one selected node.
type SelectionNode struct {
	Name      string     `json:"name"`
	Depth     int        `json:"depth"`
	NumPoints int64      `json:"num_points"`
	Min       [3]float32 `json:"min"`
	Max       [3]float32 `json:"max"`
	Present   bool       `json:"present"`
}

// Selection is the result of a camera request without the point data.
type Selection struct {
	Nodes       []SelectionNode `json:"nodes"`
	TotalPoints int64           `json:"total_points"`
	// Missing lists the nodes a client holding the request's present nodes would receive.
	Missing []string `json:"missing"`
}

// Describe runs the selection for req and describes the result.
func (s *PointCloudService) Describe(ctx context.Context, req protocol.CamRequest) (*Selection, error) {
	nodes, err := s.Select(ctx, s.Camera(req))
	if err != nil {
		return nil, err
	}
	present := req.PresentSet()
	sel := &Selection{
		Nodes:       make([]SelectionNode, 0, len(nodes)),
		TotalPoints: pointtree.SumPoints(nodes),
		Missing:     []string{},
	}
	for _, n := range nodes {
		b := n.Bounds()
		_, ok := present[n.Name()]
		sel.Nodes = append(sel.Nodes, SelectionNode{
			Name:      n.Name(),
			Depth:     n.Depth(),
			NumPoints: n.NumPoints(),
			Min:       b.Min,
			Max:       b.Max,
			Present:   ok,
		})
		if !ok {
			sel.Missing = append(sel.Missing, n.Name())
		}
	}
	return sel, nil
}

// RenderSelection draws the selection for req as PNG. Images are cached per camera and
// colormap.
func (s *PointCloudService) RenderSelection(ctx context.Context, req protocol.CamRequest, colormapName string) ([]byte, error) {
	key := cache.QueryKey("selection", s.datasetID, map[string]interface{}{
		"pos":      req.Pos,
		"look_at":  req.LookAt,
		"up":       req.Up,
		"fovy":     req.FovY,
		"view":     [2]int{req.ViewW, req.ViewH},
		"colormap": colormapName,
	})
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}

	cam := s.Camera(req)
	nodes, err := s.Select(ctx, cam)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Render(render.Scene{
		Bounds: s.tree.Root().Bounds(),
		Nodes:  nodes,
		Camera: cam,
	}, colormapName)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// BoundsInfo is a JSON bounding box.
type BoundsInfo struct {
	Min [3]float32 `json:"min"`
	Max [3]float32 `json:"max"`
}

// Metadata describes a dataset.
type Metadata struct {
	Dataset     string     `json:"dataset"`
	Storage     string     `json:"storage"`
	Bounds      BoundsInfo `json:"bounds"`
	NumNodes    int        `json:"num_nodes"`
	RootPoints  int64      `json:"root_points"`
	NodeSize    int        `json:"node_size"`
	Compression string     `json:"compression"`
	MaxNodes    int        `json:"max_nodes"`
	MaxPoints   int        `json:"max_points"`
	MaxDensity  float32    `json:"max_density"`

	// FormatVersion is the on-disk format version, 0 for in-memory datasets.
	FormatVersion int32 `json:"format_version,omitempty"`
}

// Metadata returns the dataset metadata.
func (s *PointCloudService) Metadata() Metadata {
	root := s.tree.Root()
	md := Metadata{
		Dataset:     s.datasetID,
		Storage:     s.storage,
		NumNodes:    s.tree.NumNodes(),
		NodeSize:    s.nodeSize,
		Compression: "none",
		MaxNodes:    s.limits.MaxNodes,
		MaxPoints:   s.limits.MaxPoints,
		MaxDensity:  s.limits.MaxDensity,
	}
	if v, ok := s.tree.(interface{ Version() int32 }); ok {
		md.FormatVersion = v.Version()
	}
	if s.codec != nil && s.codec.Compressed() {
		md.Compression = "zstd"
	}
	if root != nil {
		b := root.Bounds()
		md.Bounds = BoundsInfo{Min: b.Min, Max: b.Max}
		md.RootPoints = root.NumPoints()
	}
	return md
}
