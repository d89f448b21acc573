package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pcview/server/internal/cache"
	"github.com/pcview/server/internal/journal"
	"github.com/pcview/server/internal/pointtree"
	"github.com/pcview/server/internal/protocol"
	"github.com/pcview/server/internal/render"
	"github.com/pcview/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server  *httptest.Server
	svc     *service.PointCloudService
	journal *journal.Journal
}

// setupTestServer builds a dataset over random points and returns a test server
func setupTestServer(t *testing.T, withJournal bool) *testServer {
	t.Helper()

	rng := rand.New(rand.NewPCG(7, 8))
	pts := make([]*pointtree.Point, 5000)
	for i := range pts {
		pts[i] = pointtree.NewPoint(rng.Float32()*100, rng.Float32()*100, rng.Float32()*100)
	}
	tree := pointtree.NewInMemoryOcTree(pts, pointtree.InMemoryConfig{NodeSize: 500, Seed: 1})

	cacheManager, err := cache.NewManager(cache.Config{
		NodeCacheSizeMB: 16, // Smaller cache for tests
		NodeTTL:         5 * time.Minute,
		QueryCacheSize:  10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	codec, err := protocol.NewCodec("none")
	if err != nil {
		t.Fatalf("Failed to initialize codec: %v", err)
	}
	t.Cleanup(codec.Close)

	svc := service.NewPointCloudService(service.PointCloudServiceConfig{
		DatasetID: "test",
		Tree:      tree,
		Storage:   service.StorageInMemory,
		NodeSize:  500,
		Cache:     cacheManager,
		Codec:     codec,
		Renderer:  render.NewSelectionRenderer(render.Config{ImageSize: 128}),
		Limits:    service.Limits{MaxNodes: 100},
	})

	registry := NewDatasetRegistry("test", []string{"test"}, "")
	registry.Register("test", svc)

	var j *journal.Journal
	if withJournal {
		j, err = journal.Open(journal.Config{SQLitePath: filepath.Join(t.TempDir(), "journal.db")})
		if err != nil {
			t.Fatalf("Failed to open journal: %v", err)
		}
		j.Start()
		t.Cleanup(func() { j.Stop() })
	}

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		Journal:     j,
		Cache:       cacheManager,
		Stream:      StreamOptions{BatchSize: 5, BatchPause: time.Millisecond},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{server: server, svc: svc, journal: j}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

const camJSON = `{"pos":{"x":50,"y":50,"z":250},"lookAt":{"x":50,"y":50,"z":50},"fovy":45,"viewW":800,"viewH":600,"presentNodes":[]}`

func TestHealthAndDatasets(t *testing.T) {
	ts := setupTestServer(t, false)

	resp, body := ts.get(t, "/health")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}

	resp, body = ts.get(t, "/api/datasets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var datasets struct {
		Default   string        `json:"default"`
		Datasets  []DatasetInfo `json:"datasets"`
		Title     string        `json:"title"`
		Colormaps []string      `json:"colormaps"`
	}
	if err := json.Unmarshal(body, &datasets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if datasets.Default != "test" || len(datasets.Datasets) != 1 || datasets.Datasets[0].Storage != service.StorageInMemory {
		t.Fatalf("unexpected datasets %+v", datasets)
	}
	if datasets.Title != "Point Cloud Server" || len(datasets.Colormaps) == 0 {
		t.Fatalf("unexpected title or colormaps %+v", datasets)
	}

	resp, body = ts.get(t, "/api/cache/stats")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "query_cache_len") {
		t.Fatalf("unexpected cache stats %d %s", resp.StatusCode, body)
	}

	resp, _ = ts.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}

	resp, _ = ts.get(t, "/d/unknown/api/metadata")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown dataset, got %d", resp.StatusCode)
	}

	resp, _ = ts.get(t, "/api/sessions")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", resp.StatusCode)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t, false)
	resp, body := ts.get(t, "/d/test/api/metadata")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var md service.Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if md.Dataset != "test" || md.NumNodes == 0 || md.MaxNodes != 100 {
		t.Fatalf("unexpected metadata %+v", md)
	}
}

func TestSelectEndpoint(t *testing.T) {
	ts := setupTestServer(t, false)

	resp, err := http.Post(ts.server.URL+"/d/test/api/select", "application/json", strings.NewReader(camJSON))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sel service.Selection
	if err := json.NewDecoder(resp.Body).Decode(&sel); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sel.Nodes) == 0 || len(sel.Missing) != len(sel.Nodes) {
		t.Fatalf("unexpected selection %+v", sel)
	}

	bad, err := http.Post(ts.server.URL+"/d/test/api/select", "application/json",
		strings.NewReader(`{"pos":{"x":0,"y":0,"z":0},"viewW":0,"viewH":10,"fovy":45}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}
}

func TestSelectionImageEndpoint(t *testing.T) {
	ts := setupTestServer(t, false)

	resp, body := ts.get(t, "/d/test/api/selection.png?px=50&py=50&pz=250&lx=50&ly=50&lz=50&w=400&h=300")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if !bytes.HasPrefix(body, []byte("\x89PNG")) {
		t.Fatalf("expected PNG body")
	}

	resp, _ = ts.get(t, "/d/test/api/selection.png?px=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	var req protocol.CamRequest
	if err := json.Unmarshal([]byte(camJSON), &req); err != nil {
		t.Fatalf("decode camera: %v", err)
	}
	want, err := ts.svc.Describe(context.Background(), req)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	root := want.Nodes[0].Name
	req.PresentNodes = []string{root}

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/d/test/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	// Not a camera request, ignored by the server.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"name":"bogus"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg, err := protocol.NewCamRequest(req).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected control message first")
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.VisibleNodes == nil {
		t.Fatalf("expected visibleNodes, got %s (%v)", data, err)
	}
	if len(env.VisibleNodes.Nodes) != len(want.Nodes) {
		t.Fatalf("expected %d visible nodes, got %d", len(want.Nodes), len(env.VisibleNodes.Nodes))
	}

	for i, n := range want.Nodes[1:] {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("expected binary frame %d", i)
		}
		buf, err := protocol.DecodePoints(data)
		if err != nil {
			t.Fatalf("DecodePoints: %v", err)
		}
		if buf.Name != n.Name || int64(buf.NumPoints()) != n.NumPoints {
			t.Fatalf("frame %d: got %s/%d, want %s/%d", i, buf.Name, buf.NumPoints(), n.Name, n.NumPoints)
		}
	}

	store := ts.journal.Store()
	var sessionID string
	waitFor(t, func() bool {
		sessions, err := store.ListSessions(context.Background(), "test", 10)
		if err != nil || len(sessions) != 1 || sessions[0].Deliveries != 1 {
			return false
		}
		sessionID = sessions[0].ID
		return true
	})

	resp, body := ts.get(t, "/api/sessions/"+sessionID+"/deliveries")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Deliveries []journal.Delivery `json:"deliveries"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(result.Deliveries))
	}
	d := result.Deliveries[0]
	if d.Status != "completed" || d.Skipped != 1 || d.Sent != len(want.Nodes)-1 {
		t.Fatalf("unexpected delivery %+v", d)
	}

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitFor(t, func() bool {
		sess, err := store.GetSession(context.Background(), sessionID)
		return err == nil && sess != nil && sess.ClosedAt != nil
	})

	resp, _ = ts.get(t, "/api/sessions/unknown/deliveries")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
