// Package las reads point records from LAS files.
package las

import (
	"fmt"
	"os"

	"github.com/edaniels/lidario"
	"go.uber.org/multierr"

	"github.com/pcview/server/internal/pointtree"
)

// Reader reads the point records of a LAS file.
type Reader struct {
	path      string
	numPoints int
	formatID  byte
}

// NewReader opens the LAS file at path and reads its header.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pointtree.ErrFormat, path, err)
	}
	defer lf.Close()

	return &Reader{
		path:      path,
		numPoints: lf.Header.NumberPoints,
		formatID:  lf.Header.PointFormatID,
	}, nil
}

// NumPoints returns the record count declared in the header.
func (r *Reader) NumPoints() int {
	return r.numPoints
}

// HasColor reports whether the point format carries RGB values.
func (r *Reader) HasColor() bool {
	switch r.formatID {
	case 2, 3, 5, 7, 8, 10:
		return true
	}
	return false
}

// ReadPoints decodes all records in file order and passes them to fn. 16-bit colour
// channels are scaled down to 8 bits. With recycle set, a single point is reset and
// reused for every record.
func (r *Reader) ReadPoints(recycle bool, fn func(*pointtree.Point)) (err error) {
	lf, err := lidario.NewLasFile(r.path, "r")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pointtree.ErrFormat, r.path, err)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	shared := pointtree.NewPoint(0, 0, 0)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		lp, err := lf.LasPoint(i)
		if err != nil {
			return fmt.Errorf("%w: %s: record %d: %v", pointtree.ErrFormat, r.path, i, err)
		}

		p := shared
		if recycle {
			p.Reset()
		} else {
			p = pointtree.NewPoint(0, 0, 0)
		}

		data := lp.PointData()
		p.Pos[0] = float32(data.X)
		p.Pos[1] = float32(data.Y)
		p.Pos[2] = float32(data.Z)
		if r.HasColor() {
			if rgb := lp.RgbData(); rgb != nil {
				p.Color.R = float32(rgb.Red/256) / 255
				p.Color.G = float32(rgb.Green/256) / 255
				p.Color.B = float32(rgb.Blue/256) / 255
			}
		}
		fn(p)
	}
	return nil
}
