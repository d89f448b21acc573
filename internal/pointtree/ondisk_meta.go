package pointtree

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"google.golang.org/protobuf/encoding/protowire"
)

// metaFileName is the octree metadata file inside an on-disk octree directory.
const metaFileName = "meta.pb"

// Field numbers of the metadata messages.
const (
	metaVersion     protowire.Number = 1
	metaBoundingBox protowire.Number = 2
	metaResolution  protowire.Number = 3
	metaNodes       protowire.Number = 4

	boxMin protowire.Number = 1
	boxMax protowire.Number = 2

	vecX protowire.Number = 1
	vecY protowire.Number = 2
	vecZ protowire.Number = 3

	nodeID               protowire.Number = 1
	nodeNumPoints        protowire.Number = 2
	nodePositionEncoding protowire.Number = 3

	idLevel protowire.Number = 1
	idIndex protowire.Number = 2
)

// diskMeta is the decoded content of meta.pb.
type diskMeta struct {
	Version    int32
	Min, Max   mgl32.Vec3
	Resolution float64
	Nodes      []nodeInfo
}

type nodeInfo struct {
	ID        NodeIndex
	NumPoints int64
	Encoding  PositionEncoding
}

// walkFields calls fn for each field of a message. fn returns the number of bytes it
// consumed from the value, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// keepFirst records err in dst unless an earlier error is already there.
func keepFirst(dst *error, err error) {
	if *dst == nil {
		*dst = err
	}
}

func decodeMeta(b []byte) (*diskMeta, error) {
	m := &diskMeta{}
	var inner error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == metaVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Version = int32(v)
			return n
		case num == metaBoundingBox && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				keepFirst(&inner, decodeBox(v, m))
			}
			return n
		case num == metaResolution && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			m.Resolution = math.Float64frombits(v)
			return n
		case num == metaNodes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				info, err := decodeNodeInfo(v)
				if err != nil {
					keepFirst(&inner, err)
				} else {
					m.Nodes = append(m.Nodes, info)
				}
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err == nil {
		err = inner
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrFormat, metaFileName, err)
	}
	return m, nil
}

func decodeBox(b []byte, m *diskMeta) error {
	var inner error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.BytesType && (num == boxMin || num == boxMax) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			dst := &m.Min
			if num == boxMax {
				dst = &m.Max
			}
			vec, err := decodeVec3(v)
			*dst = vec
			keepFirst(&inner, err)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return inner
}

func decodeVec3(b []byte) (mgl32.Vec3, error) {
	var v mgl32.Vec3
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.Fixed32Type && num >= vecX && num <= vecZ {
			f, n := protowire.ConsumeFixed32(b)
			v[num-vecX] = math.Float32frombits(f)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return v, err
}

func decodeNodeInfo(b []byte) (nodeInfo, error) {
	var info nodeInfo
	var inner error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == nodeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				id, err := decodeNodeID(v)
				info.ID = id
				keepFirst(&inner, err)
			}
			return n
		case num == nodeNumPoints && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			info.NumPoints = int64(v)
			return n
		case num == nodePositionEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			info.Encoding = PositionEncoding(int32(v))
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return info, err
	}
	return info, inner
}

func decodeNodeID(b []byte) (NodeIndex, error) {
	var id NodeIndex
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case idLevel:
			id.Level = int(int32(v))
		case idIndex:
			id.Index = int64(v)
		}
		return n
	})
	return id, err
}

func encodeMeta(m *diskMeta) []byte {
	var b []byte
	b = protowire.AppendTag(b, metaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))

	var box []byte
	box = protowire.AppendTag(box, boxMin, protowire.BytesType)
	box = protowire.AppendBytes(box, encodeVec3(m.Min))
	box = protowire.AppendTag(box, boxMax, protowire.BytesType)
	box = protowire.AppendBytes(box, encodeVec3(m.Max))
	b = protowire.AppendTag(b, metaBoundingBox, protowire.BytesType)
	b = protowire.AppendBytes(b, box)

	b = protowire.AppendTag(b, metaResolution, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Resolution))

	for _, info := range m.Nodes {
		var id []byte
		id = protowire.AppendTag(id, idLevel, protowire.VarintType)
		id = protowire.AppendVarint(id, uint64(int64(info.ID.Level)))
		id = protowire.AppendTag(id, idIndex, protowire.VarintType)
		id = protowire.AppendVarint(id, uint64(info.ID.Index))

		var node []byte
		node = protowire.AppendTag(node, nodeID, protowire.BytesType)
		node = protowire.AppendBytes(node, id)
		node = protowire.AppendTag(node, nodeNumPoints, protowire.VarintType)
		node = protowire.AppendVarint(node, uint64(info.NumPoints))
		node = protowire.AppendTag(node, nodePositionEncoding, protowire.VarintType)
		node = protowire.AppendVarint(node, uint64(info.Encoding))

		b = protowire.AppendTag(b, metaNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, node)
	}
	return b
}

func encodeVec3(v mgl32.Vec3) []byte {
	var b []byte
	for i := 0; i < 3; i++ {
		b = protowire.AppendTag(b, vecX+protowire.Number(i), protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v[i]))
	}
	return b
}
