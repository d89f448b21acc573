package protocol

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/pcview/server/internal/pointtree"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := `{"name":"camRequest","camRequest":{"pos":{"x":1,"y":2,"z":3},"lookAt":{"x":0,"y":0,"z":0},` +
		`"fovy":45,"viewW":800,"viewH":600,"presentNodes":["1","2-3"]}}`
	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	req := env.CamRequest
	if req.Pos != (Vec3{1, 2, 3}) || req.FovY != 45 || req.ViewW != 800 || req.ViewH != 600 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Up != nil {
		t.Fatalf("expected no up vector")
	}
	if _, ok := req.PresentSet()["2-3"]; !ok {
		t.Fatalf("expected 2-3 in present set")
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []string{
		`{"name":"camRequest"}`,
		`{"name":"meshData"}`,
		`{"name":`,
	}
	for _, b := range bad {
		if _, err := DecodeEnvelope([]byte(b)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", b, err)
		}
	}
}

func TestCamRequestValidate(t *testing.T) {
	base := CamRequest{LookAt: Vec3{Z: -1}, FovY: 60, ViewW: 10, ViewH: 10}
	tests := map[string]func(r *CamRequest){
		"zeroViewport": func(r *CamRequest) { r.ViewW = 0 },
		"fov":          func(r *CamRequest) { r.FovY = 180 },
		"nan":          func(r *CamRequest) { r.Pos.X = float32(math.NaN()) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestVisibleNodesEncoding(t *testing.T) {
	data, err := NewVisibleNodes(nil).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"name":"visibleNodes","visibleNodes":{"nodes":[]}}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	env, err := DecodeEnvelope(data)
	if err != nil || env.VisibleNodes == nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
}

func testPoints() []*pointtree.Point {
	return []*pointtree.Point{
		{Pos: [3]float32{1, 2, 3}, Color: pointtree.Color{R: 1, G: 0.5, B: 0, A: 1}},
		{Pos: [3]float32{-4, 5.5, 6}, Color: pointtree.DefaultColor},
	}
}

func TestPointFrames(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			codec, err := NewCodec(compression)
			if err != nil {
				t.Fatalf("NewCodec: %v", err)
			}
			defer codec.Close()

			frame := codec.Encode("0-0-17", testPoints())
			if got := bytes.HasPrefix(frame, zstdMagic); got != codec.Compressed() {
				t.Fatalf("compressed=%v, frame has zstd magic=%v", codec.Compressed(), got)
			}
			buf, err := codec.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if buf.Name != "0-0-17" || buf.NumPoints() != 2 {
				t.Fatalf("unexpected buffer %s/%d", buf.Name, buf.NumPoints())
			}
			wantPos := []float32{1, 2, 3, -4, 5.5, 6}
			for i, v := range wantPos {
				if buf.Positions[i] != v {
					t.Fatalf("position %d: %f, want %f", i, buf.Positions[i], v)
				}
			}
			if buf.Colors[1] != 0.5 || buf.Colors[7] != 1 {
				t.Fatalf("unexpected colours %v", buf.Colors)
			}
		})
	}

	if _, err := NewCodec("lz4"); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestDecodePointsErrors(t *testing.T) {
	frame := EncodePoints("n", testPoints())
	cases := map[string][]byte{
		"magic":     append([]byte("XXXX"), frame[4:]...),
		"truncated": frame[:len(frame)-1],
		"header":    frame[:5],
	}
	for name, data := range cases {
		if _, err := DecodePoints(data); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", name, err)
		}
	}
	if !strings.HasPrefix(string(frame), "PCB1") {
		t.Fatalf("frame must start with PCB1")
	}
}
