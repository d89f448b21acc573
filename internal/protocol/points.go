package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/pcview/server/internal/pointtree"
)

// pointMagic starts every uncompressed point-buffer frame.
var pointMagic = []byte("PCB1")

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// PointBuffer is the decoded content of a point-buffer frame.
type PointBuffer struct {
	Name      string
	Positions []float32 // x, y, z per point
	Colors    []float32 // r, g, b, a per point
}

// NumPoints returns the number of points in the buffer.
func (b *PointBuffer) NumPoints() int {
	return len(b.Positions) / 3
}

// EncodePoints builds a point-buffer frame:
//
//	"PCB1" | u16 name length | name | u32 count | count*3 f32 positions | count*4 f32 colours
//
// All integers and floats are little-endian.
func EncodePoints(name string, pts []*pointtree.Point) []byte {
	n := len(pts)
	buf := make([]byte, 0, len(pointMagic)+2+len(name)+4+n*28)
	buf = append(buf, pointMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	for _, p := range pts {
		for i := 0; i < 3; i++ {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(p.Pos[i]))
		}
	}
	for _, p := range pts {
		for _, c := range [4]float32{p.Color.R, p.Color.G, p.Color.B, p.Color.A} {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c))
		}
	}
	return buf
}

// Codec optionally compresses point-buffer frames.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec returns a codec for the named compression, "none" (or empty) or "zstd".
func NewCodec(compression string) (*Codec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c := &Codec{decoder: decoder}

	switch compression {
	case "", "none":
	case "zstd":
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		decoder.Close()
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	return c, nil
}

// Compressed reports whether Encode compresses frames.
func (c *Codec) Compressed() bool {
	return c.encoder != nil
}

// Encode builds a point-buffer frame, compressed when the codec is configured to.
func (c *Codec) Encode(name string, pts []*pointtree.Point) []byte {
	frame := EncodePoints(name, pts)
	if c.encoder == nil {
		return frame
	}
	return c.encoder.EncodeAll(frame, make([]byte, 0, len(frame)/2))
}

// Decode parses a point-buffer frame, decompressing it first when it is a zstd frame.
func (c *Codec) Decode(data []byte) (*PointBuffer, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidMessage, err)
		}
		data = raw
	}
	return DecodePoints(data)
}

// Close releases the zstd state.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}

// DecodePoints parses an uncompressed point-buffer frame.
func DecodePoints(data []byte) (*PointBuffer, error) {
	if !bytes.HasPrefix(data, pointMagic) {
		return nil, fmt.Errorf("%w: bad point frame magic", ErrInvalidMessage)
	}
	data = data[len(pointMagic):]
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated point frame", ErrInvalidMessage)
	}
	nameLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < nameLen+4 {
		return nil, fmt.Errorf("%w: truncated point frame", ErrInvalidMessage)
	}
	b := &PointBuffer{Name: string(data[:nameLen])}
	data = data[nameLen:]
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) != n*28 {
		return nil, fmt.Errorf("%w: point frame holds %d bytes for %d points", ErrInvalidMessage, len(data), n)
	}

	b.Positions = make([]float32, n*3)
	for i := range b.Positions {
		b.Positions[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	data = data[n*12:]
	b.Colors = make([]float32, n*4)
	for i := range b.Colors {
		b.Colors[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return b, nil
}
