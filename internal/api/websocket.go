package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pcview/server/internal/journal"
	"github.com/pcview/server/internal/protocol"
	"github.com/pcview/server/internal/stream"
)

const writeTimeout = 10 * time.Second

// wsConn writes session messages to a WebSocket: control messages as text frames,
// point buffers as binary frames.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *wsConn) WriteControl(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) WritePoints(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// streamHandler upgrades to a WebSocket and runs a streaming session until the client
// goes away. Every camera request received supersedes the previous one.
func streamHandler(cfg RouterConfig) http.HandlerFunc {
	upgrader := newUpgrader(cfg.CORSOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Debugw("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()
		// The server's read timeout must not end the connection.
		if err := ws.SetReadDeadline(time.Time{}); err != nil {
			cfg.Logger.Warnw("failed to clear read deadline", "error", err)
			return
		}

		sessCfg := stream.Config{
			Dataset:    svc.DatasetID(),
			BatchSize:  cfg.Stream.BatchSize,
			BatchPause: cfg.Stream.BatchPause,
			Logger:     cfg.Logger,
		}
		if cfg.Journal != nil {
			sessCfg.Recorder = cfg.Journal.Recorder()
		}
		sess := stream.NewSession(svc, &wsConn{ws: ws}, sessCfg)
		logger := cfg.Logger.With("session", sess.ID(), "dataset", svc.DatasetID())
		logger.Infow("client connected", "remote", r.RemoteAddr)

		if cfg.Journal != nil {
			err := cfg.Journal.Store().OpenSession(r.Context(), &journal.Session{
				ID:         sess.ID(),
				DatasetID:  svc.DatasetID(),
				RemoteAddr: r.RemoteAddr,
				OpenedAt:   time.Now(),
			})
			if err != nil {
				logger.Warnw("failed to journal session", "error", err)
			}
		}

		defer func() {
			sess.Close()
			if cfg.Journal != nil {
				if err := cfg.Journal.Store().CloseSession(context.Background(), sess.ID(), time.Now()); err != nil {
					logger.Warnw("failed to journal session close", "error", err)
				}
			}
			logger.Infow("client disconnected")
		}()

		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debugw("read failed", "error", err)
				}
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			env, err := protocol.DecodeEnvelope(data)
			if err != nil {
				logger.Warnw("ignoring message", "error", err)
				continue
			}
			if env.Name != protocol.NameCamRequest {
				continue
			}
			if err := env.CamRequest.Validate(); err != nil {
				logger.Warnw("ignoring camera request", "error", err)
				continue
			}
			if err := sess.Submit(*env.CamRequest); err != nil {
				return
			}
		}
	}
}
