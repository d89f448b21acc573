// Package ply reads vertex data from binary little-endian PLY files.
package ply

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pcview/server/internal/pointtree"
)

// BatchSize is the number of vertex records read from disk at once.
const BatchSize = 1000

// Property is a scalar vertex property declared in the header.
type Property struct {
	Name string
	Type string
}

type propertyDecoder struct {
	size   int
	decode func(b []byte, p *pointtree.Point)
}

// typeSizes maps PLY scalar types, including the sized aliases, to byte sizes.
var typeSizes = map[string]int{
	"char": 1, "int8": 1,
	"uchar": 1, "uint8": 1,
	"short": 2, "int16": 2,
	"ushort": 2, "uint16": 2,
	"int": 4, "int32": 4,
	"uint": 4, "uint32": 4,
	"float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

// canonicalTypes collapses aliases so required types compare equal.
var canonicalTypes = map[string]string{
	"int8": "char", "uint8": "uchar", "int16": "short", "uint16": "ushort",
	"int32": "int", "uint32": "uint", "float32": "float", "float64": "double",
}

// knownProperties decodes the properties the importer uses. Every other property is
// skipped.
var knownProperties = map[string]struct {
	typ    string
	decode func(b []byte, p *pointtree.Point)
}{
	"x":     {"float", func(b []byte, p *pointtree.Point) { p.Pos[0] = readFloat(b) }},
	"y":     {"float", func(b []byte, p *pointtree.Point) { p.Pos[1] = readFloat(b) }},
	"z":     {"float", func(b []byte, p *pointtree.Point) { p.Pos[2] = readFloat(b) }},
	"red":   {"uchar", func(b []byte, p *pointtree.Point) { p.Color.R = float32(b[0]) / 255 }},
	"green": {"uchar", func(b []byte, p *pointtree.Point) { p.Color.G = float32(b[0]) / 255 }},
	"blue":  {"uchar", func(b []byte, p *pointtree.Point) { p.Color.B = float32(b[0]) / 255 }},
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// Reader reads the vertices of a PLY file.
type Reader struct {
	path        string
	numVertices int
	headerSize  int64
	vertexSize  int
	properties  []Property
	decoders    []propertyDecoder
}

// NewReader parses the header of the PLY file at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := &Reader{path: path}
	if err := r.readHeader(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// NumVertices returns the vertex count declared in the header.
func (r *Reader) NumVertices() int {
	return r.numVertices
}

// Properties returns the vertex properties in record order.
func (r *Reader) Properties() []Property {
	return r.properties
}

func (r *Reader) readHeader(br *bufio.Reader) error {
	readLine := func() (string, error) {
		line, err := br.ReadString('\n')
		r.headerSize += int64(len(line))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: unexpected end of header", pointtree.ErrFormat)
			}
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	magic, err := readLine()
	if err != nil {
		return err
	}
	if magic != "ply" {
		return fmt.Errorf("%w: invalid magic %q", pointtree.ErrFormat, magic)
	}

	elements := 0
	current := ""
	hasVertex := false
	for {
		line, err := readLine()
		if err != nil {
			return err
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "end_header":
			if !hasVertex {
				return fmt.Errorf("%w: no vertex element", pointtree.ErrFormat)
			}
			if r.vertexSize == 0 {
				return fmt.Errorf("%w: vertex element without properties", pointtree.ErrFormat)
			}
			return nil
		case "format":
			if len(tokens) < 2 || tokens[1] != "binary_little_endian" {
				return fmt.Errorf("%w: unsupported format %q", pointtree.ErrFormat, line)
			}
		case "element":
			if len(tokens) < 3 {
				return fmt.Errorf("%w: malformed element %q", pointtree.ErrFormat, line)
			}
			elements++
			current = tokens[1]
			if current == "vertex" {
				n, err := strconv.Atoi(tokens[2])
				if err != nil || n < 0 {
					return fmt.Errorf("%w: invalid vertex count %q", pointtree.ErrFormat, tokens[2])
				}
				r.numVertices = n
				hasVertex = true
			} else if elements == 1 {
				return fmt.Errorf("%w: vertex element expected, found %q", pointtree.ErrFormat, current)
			}
		case "property":
			if current != "vertex" {
				continue
			}
			if len(tokens) < 3 {
				return fmt.Errorf("%w: malformed property %q", pointtree.ErrFormat, line)
			}
			if tokens[1] == "list" {
				return fmt.Errorf("%w: list property %q on vertex", pointtree.ErrFormat, tokens[len(tokens)-1])
			}
			if err := r.addProperty(tokens[2], tokens[1]); err != nil {
				return err
			}
		case "comment", "obj_info":
		default:
			return fmt.Errorf("%w: unexpected header line %q", pointtree.ErrFormat, line)
		}
	}
}

func (r *Reader) addProperty(name, typ string) error {
	size, ok := typeSizes[typ]
	if !ok {
		return fmt.Errorf("%w: unknown type %s (property: %s)", pointtree.ErrFormat, typ, name)
	}
	canonical := typ
	if c, ok := canonicalTypes[typ]; ok {
		canonical = c
	}

	dec := propertyDecoder{size: size, decode: func([]byte, *pointtree.Point) {}}
	if known, ok := knownProperties[name]; ok {
		if canonical != known.typ {
			return fmt.Errorf("%w: expected type %s, found %s (property: %s)", pointtree.ErrFormat, known.typ, typ, name)
		}
		dec.decode = known.decode
	}
	r.properties = append(r.properties, Property{Name: name, Type: typ})
	r.decoders = append(r.decoders, dec)
	r.vertexSize += size
	return nil
}

// ReadPoints decodes all vertices in file order and passes them to fn. With recycle
// set, a single point is reset and reused for every record, so fn must not retain it.
func (r *Reader) ReadPoints(recycle bool, fn func(*pointtree.Point)) error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(r.headerSize, io.SeekStart); err != nil {
		return err
	}

	br := bufio.NewReaderSize(f, r.vertexSize*BatchSize)
	buf := make([]byte, r.vertexSize*BatchSize)
	shared := pointtree.NewPoint(0, 0, 0)

	for read := 0; read < r.numVertices; {
		batch := min(BatchSize, r.numVertices-read)
		chunk := buf[:batch*r.vertexSize]
		if _, err := io.ReadFull(br, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %s: truncated after %d of %d vertices", pointtree.ErrFormat, r.path, read, r.numVertices)
			}
			return err
		}

		for i := 0; i < batch; i++ {
			p := shared
			if recycle {
				p.Reset()
			} else {
				p = pointtree.NewPoint(0, 0, 0)
			}
			rec := chunk[i*r.vertexSize:]
			off := 0
			for _, d := range r.decoders {
				d.decode(rec[off:], p)
				off += d.size
			}
			fn(p)
		}
		read += batch
	}
	return nil
}
