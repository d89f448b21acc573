package pointtree

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// PositionEncoding is the on-disk representation of a node's point positions. Values
// match the enum of the metadata file.
type PositionEncoding int32

const (
	EncodingInvalid PositionEncoding = 0
	EncodingUint8   PositionEncoding = 1
	EncodingUint16  PositionEncoding = 2
	EncodingFloat32 PositionEncoding = 3
)

// RecordSize returns the number of bytes of one encoded position triple.
func (e PositionEncoding) RecordSize() int {
	switch e {
	case EncodingUint8:
		return 3
	case EncodingUint16:
		return 6
	case EncodingFloat32:
		return 12
	}
	return 0
}

// Valid reports whether e is a supported encoding.
func (e PositionEncoding) Valid() bool {
	return e.RecordSize() > 0
}

func (e PositionEncoding) String() string {
	switch e {
	case EncodingUint8:
		return "uint8"
	case EncodingUint16:
		return "uint16"
	case EncodingFloat32:
		return "float32"
	}
	return fmt.Sprintf("invalid(%d)", int32(e))
}

// ParsePositionEncoding parses the names returned by String.
func ParsePositionEncoding(s string) (PositionEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u8":
		return EncodingUint8, nil
	case "uint16", "u16", "":
		return EncodingUint16, nil
	case "float32", "f32", "float":
		return EncodingFloat32, nil
	}
	return EncodingInvalid, fmt.Errorf("%w: unknown position encoding %q", ErrFormat, s)
}

// MaxError returns the worst-case decode error of one axis for a box edge of size.
func (e PositionEncoding) MaxError(size float32) float32 {
	switch e {
	case EncodingUint8:
		return size / 0xff
	case EncodingUint16:
		return size / 0xffff
	}
	return 0
}

// DecodePosition decodes one record from buf into a position inside bounds.
func (e PositionEncoding) DecodePosition(buf []byte, bounds Bounds) mgl32.Vec3 {
	size := bounds.Size()
	var out mgl32.Vec3
	for i := 0; i < 3; i++ {
		var f float32
		switch e {
		case EncodingFloat32:
			f = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		case EncodingUint16:
			f = float32(binary.LittleEndian.Uint16(buf[i*2:])) / 0xffff
		case EncodingUint8:
			f = float32(buf[i]) / 0xff
		}
		out[i] = bounds.Min[i] + f*size[i]
	}
	return out
}

// EncodePosition encodes pos relative to bounds and appends the record to buf.
func (e PositionEncoding) EncodePosition(buf []byte, pos mgl32.Vec3, bounds Bounds) []byte {
	size := bounds.Size()
	for i := 0; i < 3; i++ {
		var f float32
		if size[i] > 0 {
			f = (pos[i] - bounds.Min[i]) / size[i]
		}
		f = float32(math.Min(1, math.Max(0, float64(f))))
		switch e {
		case EncodingFloat32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		case EncodingUint16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(float64(f)*0xffff)))
		case EncodingUint8:
			buf = append(buf, uint8(math.Round(float64(f)*0xff)))
		}
	}
	return buf
}
