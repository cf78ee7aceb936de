package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/host"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/replica"
	"github.com/teranos/scenesync/scene"
	syncPkg "github.com/teranos/scenesync/sync"
)

func newTestServer(t *testing.T, peer scene.PeerID) (*SceneServer, *host.MemoryScene) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar().Named(string(peer))
	mem := host.NewMemoryScene()
	r, err := replica.New(replica.Config{Peer: peer, Name: string(peer), DefaultMode: "OBJECT"}, registry.New(log), mem, log)
	require.NoError(t, err)

	srv, err := New(r, Config{
		Session:     syncPkg.Config{HandshakeTimeout: 2 * time.Second},
		MetricsPath: "/metrics",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, mem
}

func seedCube(t *testing.T, r *replica.Replica) {
	t.Helper()
	require.NoError(t, r.Observe(
		host.Created{ID: "mesh-1", Type: scene.TypeMesh, Attrs: scene.Attributes{
			scene.AttrName: scene.String("CubeMesh"),
			"vertices":     scene.Int(8),
		}},
		host.Created{ID: "obj-1", Type: scene.TypeObject, Attrs: scene.Attributes{
			scene.AttrName: scene.String("Cube"),
			scene.AttrData: scene.Ref("mesh-1"),
		}},
	))
	require.NoError(t, r.Commit())
}

func TestJoinOverWebSocket(t *testing.T) {
	provider, _ := newTestServer(t, "peer-a")
	joiner, joinerScene := newTestServer(t, "peer-b")
	seedCube(t, provider.Replica())

	ts := httptest.NewServer(provider.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	joinErr := make(chan error, 1)
	go func() { joinErr <- joiner.Join(ctx, ts.URL) }()

	require.Eventually(t, func() bool {
		return joiner.Replica().Registry().Len() == 2
	}, 5*time.Second, 10*time.Millisecond, "joiner should receive the snapshot")
	assert.Equal(t, 2, joinerScene.Len())

	// Live update after the join
	require.NoError(t, provider.Replica().OnLocalChange("mesh-1", "vertices", scene.Int(24)))
	require.NoError(t, provider.Replica().Commit())
	require.Eventually(t, func() bool {
		e, ok := joiner.Replica().Registry().Get("mesh-1")
		return ok && e.Attrs.Get("vertices").Equal(scene.Int(24))
	}, 5*time.Second, 10*time.Millisecond)

	// And the other way
	require.NoError(t, joiner.Replica().OnLocalChange("obj-1", scene.AttrName, scene.String("Box")))
	require.NoError(t, joiner.Replica().Commit())
	require.Eventually(t, func() bool {
		e, ok := provider.Replica().Registry().Get("obj-1")
		return ok && e.Name() == "Box"
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, provider.Sessions())

	cancel()
	select {
	case err := <-joinErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("joiner did not leave")
	}
	require.Eventually(t, func() bool {
		return provider.Sessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "peer-a")
	seedCube(t, srv.Replica())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, scene.PeerID("peer-a"), status.Peer)
	assert.Equal(t, 2, status.Entities)
	assert.Equal(t, "running", status.State)
	assert.Empty(t, status.Links)

	resp, err = http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "method POST not allowed", body.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "peer-a")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scenesync_session_states")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, "peer-a")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(sceneURL(ts.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCloseRefusesNewSessions(t *testing.T) {
	srv, _ := newTestServer(t, "peer-a")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	require.NoError(t, srv.Close())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + ScenePath)
	require.NoError(t, err)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body.Error, "shutting down")
	assert.NotEmpty(t, body.Hint)

	err = srv.Join(context.Background(), ts.URL)
	require.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws/scene")
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.Contains(t, errors.FlattenHints(err), "scenesync serve")
}

func TestSceneURL(t *testing.T) {
	tests := map[string]string{
		"http://studio:8877":          "ws://studio:8877/ws/scene",
		"https://studio:8877":         "wss://studio:8877/ws/scene",
		"studio:8877":                 "ws://studio:8877/ws/scene",
		"ws://studio:8877/ws/scene":   "ws://studio:8877/ws/scene",
		"wss://studio.example/custom": "wss://studio.example/custom",
	}
	for in, want := range tests {
		assert.Equal(t, want, sceneURL(in), in)
	}
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/scene", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, checkOrigin(req(""), nil))
	assert.True(t, checkOrigin(req("http://localhost:3000"), nil))
	assert.False(t, checkOrigin(req("https://studio.example"), nil))
	assert.True(t, checkOrigin(req("https://studio.example"), []string{"https://studio.example"}))
	assert.False(t, checkOrigin(req("http://localhost:3000"), []string{"https://studio.example"}))
	assert.True(t, strings.HasPrefix(sceneURL("localhost:1"), "ws://"))
}
