// Package protocol defines the messages exchanged with streaming clients: JSON control
// envelopes and binary point-buffer frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Envelope names.
const (
	NameCamRequest   = "camRequest"
	NameVisibleNodes = "visibleNodes"
)

// ErrInvalidMessage reports a message that cannot be decoded or lacks its payload.
var ErrInvalidMessage = errors.New("invalid message")

// Vec3 is a JSON 3-vector.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// NewVec3 converts v.
func NewVec3(v mgl32.Vec3) Vec3 {
	return Vec3{X: v[0], Y: v[1], Z: v[2]}
}

// Vec returns the vector as mgl32.Vec3.
func (v Vec3) Vec() mgl32.Vec3 {
	return mgl32.Vec3{v.X, v.Y, v.Z}
}

func (v Vec3) finite() bool {
	for _, f := range []float32{v.X, v.Y, v.Z} {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// CamRequest is a client's camera plus the node names it already holds.
type CamRequest struct {
	Pos          Vec3     `json:"pos"`
	LookAt       Vec3     `json:"lookAt"`
	Up           *Vec3    `json:"up,omitempty"`
	FovY         float32  `json:"fovy"`
	ViewW        int      `json:"viewW"`
	ViewH        int      `json:"viewH"`
	PresentNodes []string `json:"presentNodes"`
}

// Validate rejects requests the selection cannot work with.
func (r *CamRequest) Validate() error {
	if !r.Pos.finite() || !r.LookAt.finite() || (r.Up != nil && !r.Up.finite()) {
		return fmt.Errorf("%w: non-finite camera vector", ErrInvalidMessage)
	}
	if r.ViewW <= 0 || r.ViewH <= 0 {
		return fmt.Errorf("%w: viewport %dx%d", ErrInvalidMessage, r.ViewW, r.ViewH)
	}
	if r.FovY <= 0 || r.FovY >= 180 {
		return fmt.Errorf("%w: field of view %v", ErrInvalidMessage, r.FovY)
	}
	return nil
}

// PresentSet returns the present node names as a set.
func (r *CamRequest) PresentSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.PresentNodes))
	for _, n := range r.PresentNodes {
		set[n] = struct{}{}
	}
	return set
}

// VisibleNodes is the full working set of a delivery. Clients drop every node not in it.
type VisibleNodes struct {
	Nodes []string `json:"nodes"`
}

// Envelope wraps a control message.
type Envelope struct {
	Name         string        `json:"name"`
	CamRequest   *CamRequest   `json:"camRequest,omitempty"`
	VisibleNodes *VisibleNodes `json:"visibleNodes,omitempty"`
}

// NewVisibleNodes wraps the working set in an envelope.
func NewVisibleNodes(nodes []string) Envelope {
	if nodes == nil {
		nodes = []string{}
	}
	return Envelope{Name: NameVisibleNodes, VisibleNodes: &VisibleNodes{Nodes: nodes}}
}

// NewCamRequest wraps a camera request in an envelope.
func NewCamRequest(req CamRequest) Envelope {
	return Envelope{Name: NameCamRequest, CamRequest: &req}
}

// DecodeEnvelope parses a JSON control message and checks that the payload named by
// Name is present.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch env.Name {
	case NameCamRequest:
		if env.CamRequest == nil {
			return env, fmt.Errorf("%w: %s without payload", ErrInvalidMessage, env.Name)
		}
	case NameVisibleNodes:
		if env.VisibleNodes == nil {
			return env, fmt.Errorf("%w: %s without payload", ErrInvalidMessage, env.Name)
		}
	default:
		return env, fmt.Errorf("%w: unknown message %q", ErrInvalidMessage, env.Name)
	}
	return env, nil
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
