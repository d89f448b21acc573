// Package render draws node selections using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/pcview/server/internal/pointtree"
	"github.com/pcview/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	ImageSize       int
	DefaultColormap string
}

// Scene is what a selection image shows: the dataset bounds, the selected nodes and the
// camera they were selected for.
type Scene struct {
	Bounds pointtree.Bounds
	Nodes  []pointtree.Node
	Camera *pointtree.CameraQuery
}

var (
	cameraColor = color.RGBA{233, 30, 99, 255}
	boundsColor = color.RGBA{120, 120, 120, 255}
	background  = color.RGBA{33, 33, 33, 255}
)

const margin = 16.0

// SelectionRenderer renders top-down (X/Y) images of node selections.
type SelectionRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewSelectionRenderer creates a new selection renderer.
func NewSelectionRenderer(cfg Config) *SelectionRenderer {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 512
	}
	if _, ok := colormap.ByName(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "depth"
	}
	return &SelectionRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ImageSize, cfg.ImageSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// ImageSize returns the edge length of rendered images in pixels.
func (r *SelectionRenderer) ImageSize() int {
	return r.config.ImageSize
}

// viewport maps world X/Y to pixels, Y pointing up.
type viewport struct {
	minX, minY float32
	scale      float64
	size       float64
}

func newViewport(b pointtree.Bounds, size int) viewport {
	s := b.Size()
	extent := max(s[0], s[1])
	if extent <= 0 {
		extent = 1
	}
	return viewport{
		minX:  b.Min[0],
		minY:  b.Min[1],
		scale: (float64(size) - 2*margin) / float64(extent),
		size:  float64(size),
	}
}

func (v viewport) point(x, y float32) (float64, float64) {
	px := margin + float64(x-v.minX)*v.scale
	py := v.size - margin - float64(y-v.minY)*v.scale
	return px, py
}

func (v viewport) rect(dc *gg.Context, b pointtree.Bounds) {
	x0, y0 := v.point(b.Min[0], b.Max[1])
	x1, y1 := v.point(b.Max[0], b.Min[1])
	dc.DrawRectangle(x0, y0, x1-x0, y1-y0)
}

// Render draws the scene as PNG. Node outlines are coloured by depth; colormapName
// selects the palette, the configured default when unknown.
func (r *SelectionRenderer) Render(scene Scene, colormapName string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(background)
	dc.Clear()

	view := scene.Bounds
	if scene.Camera != nil {
		view.Add(scene.Camera.Position)
	}
	if view.IsEmpty() {
		return r.encodeContext(dc)
	}
	vp := newViewport(view, r.config.ImageSize)

	if !scene.Bounds.IsEmpty() {
		dc.SetColor(boundsColor)
		dc.SetLineWidth(2)
		vp.rect(dc, scene.Bounds)
		dc.Stroke()
	}

	cmap, ok := colormap.ByName(colormapName)
	if !ok {
		cmap, _ = colormap.ByName(r.config.DefaultColormap)
	}
	_, categorical := cmap.(colormap.CategoricalColormap)
	maxDepth := 0
	for _, n := range scene.Nodes {
		maxDepth = max(maxDepth, n.Depth())
	}

	dc.SetLineWidth(1)
	// Deepest first so coarse outlines stay on top.
	for depth := maxDepth; depth >= 0; depth-- {
		if categorical {
			dc.SetColor(cmap.AtIndex(depth))
		} else {
			dc.SetColor(cmap.At(float64(depth) / float64(max(maxDepth, 1))))
		}
		for _, n := range scene.Nodes {
			if n.Depth() != depth {
				continue
			}
			vp.rect(dc, n.Bounds())
			dc.Stroke()
		}
	}

	if cam := scene.Camera; cam != nil {
		cx, cy := vp.point(cam.Position[0], cam.Position[1])
		lx, ly := vp.point(cam.LookAt[0], cam.LookAt[1])
		dc.SetColor(cameraColor)
		dc.SetLineWidth(2)
		dc.DrawLine(cx, cy, lx, ly)
		dc.Stroke()
		dc.DrawCircle(cx, cy, 5)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *SelectionRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
