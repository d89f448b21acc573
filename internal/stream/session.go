// Package stream implements per-connection delivery of octree nodes to a client.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/metrics"
	"github.com/pcview/server/internal/pointtree"
	"github.com/pcview/server/internal/protocol"
)

// Defaults for Config.
const (
	DefaultBatchSize  = 25
	DefaultBatchPause = 50 * time.Millisecond
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("session closed")

// Source answers camera requests for one dataset.
type Source interface {
	// Camera builds the query for a client request.
	Camera(req protocol.CamRequest) *pointtree.CameraQuery
	// Select returns the nodes to stream in priority order.
	Select(ctx context.Context, cam *pointtree.CameraQuery) ([]pointtree.Node, error)
	// Payload returns the encoded point-buffer frame of a node.
	Payload(ctx context.Context, n pointtree.Node) ([]byte, error)
}

// Conn is the outbound side of a client connection. Writes come from one delivery
// task at a time.
type Conn interface {
	WriteControl(env protocol.Envelope) error
	WritePoints(frame []byte) error
}

// Recorder persists finished deliveries.
type Recorder interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// Status is the outcome of a delivery task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Delivery describes one finished delivery task.
type Delivery struct {
	SessionID string
	Dataset   string
	Seq       int64
	Status    Status
	Selected  int
	Sent      int
	Skipped   int
	Points    int64
	Error     string
	Started   time.Time
	Finished  time.Time
}

// Config configures a session.
type Config struct {
	SessionID  string // generated when empty
	Dataset    string
	BatchSize  int           // point messages between pauses, DefaultBatchSize when 0
	BatchPause time.Duration // DefaultBatchPause when 0
	Recorder   Recorder      // optional
	Logger     *zap.SugaredLogger
}

// Session streams nodes to one client. Each camera request supersedes the previous
// one: the running task is cancelled, the new selection is computed, and the new task
// starts writing only after the old one has stopped.
type Session struct {
	id     string
	cfg    Config
	src    Source
	conn   Conn
	logger *zap.SugaredLogger

	ctx       context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    int64
	closed bool
}

// NewSession creates a session writing to conn.
func NewSession(src Source, conn Conn, cfg Config) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = DefaultBatchPause
	}
	ctx, cancel := context.WithCancel(context.Background())
	metrics.ActiveSessions.Inc()
	return &Session{
		id:        cfg.SessionID,
		cfg:       cfg,
		src:       src,
		conn:      conn,
		logger:    logging.OrNop(cfg.Logger).With("session", cfg.SessionID),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Submit starts a delivery for req and returns immediately.
func (s *Session) Submit(req protocol.CamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	prev := s.done
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.seq++
	go s.run(ctx, s.seq, req, prev, done)
	return nil
}

// Wait blocks until the most recently submitted task has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the running task and waits for it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	done := s.done
	s.mu.Unlock()

	s.cancelAll()
	if done != nil {
		<-done
	}
	metrics.ActiveSessions.Dec()
}

func (s *Session) run(ctx context.Context, seq int64, req protocol.CamRequest, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	d := Delivery{SessionID: s.id, Dataset: s.cfg.Dataset, Seq: seq, Started: time.Now()}
	cam := s.src.Camera(req)
	nodes, err := s.src.Select(ctx, cam)

	// The previous task may still be writing.
	if prev != nil {
		<-prev
	}
	if err == nil {
		d.Selected = len(nodes)
		err = s.deliver(ctx, req, nodes, &d)
	}
	s.finish(ctx, &d, err)
}

func (s *Session) deliver(ctx context.Context, req protocol.CamRequest, nodes []pointtree.Node, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}
	s.logger.Debugw("transmitting nodes", "seq", d.Seq, "nodes", len(nodes), "points", pointtree.SumPoints(nodes))
	if err := s.conn.WriteControl(protocol.NewVisibleNodes(names)); err != nil {
		return err
	}

	present := req.PresentSet()

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := present[n.Name()]; ok {
			d.Skipped++
			continue
		}

		frame, err := s.src.Payload(ctx, n)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.WritePoints(frame); err != nil {
			return err
		}
		d.Sent++
		d.Points += n.NumPoints()
		metrics.NodesSent.WithLabelValues(s.cfg.Dataset).Inc()
		metrics.PointsSent.WithLabelValues(s.cfg.Dataset).Add(float64(n.NumPoints()))

		if d.Sent%s.cfg.BatchSize == 0 {
			if err := sleep(ctx, s.cfg.BatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) finish(ctx context.Context, d *Delivery, err error) {
	d.Finished = time.Now()
	switch {
	case err != nil && ctx.Err() != nil:
		d.Status = StatusCancelled
	case err != nil:
		d.Status = StatusFailed
		d.Error = err.Error()
		s.logger.Warnw("delivery failed", "seq", d.Seq, "error", err)
	default:
		d.Status = StatusCompleted
	}
	metrics.Deliveries.WithLabelValues(s.cfg.Dataset, string(d.Status)).Inc()
	s.logger.Debugw("delivery finished", "seq", d.Seq, "status", d.Status, "sent", d.Sent, "skipped", d.Skipped)

	if s.cfg.Recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Recorder.RecordDelivery(rctx, *d); err != nil {
		s.logger.Warnw("failed to record delivery", "seq", d.Seq, "error", err)
	}
}
