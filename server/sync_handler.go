package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	syncPkg "github.com/teranos/scenesync/sync"
)

// ScenePath is where peers join.
const ScenePath = "/ws/scene"

const writeTimeout = 10 * time.Second

// gorillaSyncConn wraps gorilla/websocket.Conn to implement sync.Conn. Each
// codec frame travels as one binary message.
type gorillaSyncConn struct {
	conn *websocket.Conn
}

func (c *gorillaSyncConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *gorillaSyncConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *gorillaSyncConn) Close() error { return c.conn.Close() }

func newSyncConn(conn *websocket.Conn, readLimit int64) *gorillaSyncConn {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &gorillaSyncConn{conn: conn}
}

// HandleSceneWebSocket handles incoming peer connections. The remote peer
// joins the scene this server holds, so the local side provides.
func (s *SceneServer) HandleSceneWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, errors.WithHint(
			errors.Wrap(errors.ErrSessionClosed, "server is shutting down"),
			"join another peer or wait for this one to restart",
		))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("Scene WebSocket upgrade failed",
			logger.FieldRemote, r.RemoteAddr,
			logger.FieldError, err)
		return
	}
	s.logger.Infow("Peer connected", logger.FieldRemote, r.RemoteAddr)

	// The request context is not tied to a hijacked connection
	err = s.serve(context.Background(), newSyncConn(conn, s.cfg.MaxMessageBytes), syncPkg.RoleProvider)
	if err != nil {
		s.logger.Warnw("Peer session ended with error",
			logger.FieldRemote, r.RemoteAddr,
			logger.FieldError, err)
	}
}

// Dial opens a websocket to a scene server. http(s) URLs are converted to
// ws(s), and a URL without a path gets ScenePath.
func Dial(ctx context.Context, rawURL string) (syncPkg.Conn, error) {
	wsURL := sceneURL(rawURL)
	dialer := websocket.Dialer{
		HandshakeTimeout: syncPkg.DefaultHandshakeTimeout,
		ReadBufferSize:   sceneBufferSize,
		WriteBufferSize:  sceneBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "server answered %s", resp.Status)
		}
		return nil, errors.WithHint(
			errors.Wrapf(errors.NewTransportError(err), "failed to connect to %s", wsURL),
			"check that the other peer runs `scenesync serve` and the address is reachable",
		)
	}
	return newSyncConn(conn, 0), nil
}

// Join dials url and runs a joiner session until it disconnects or ctx ends.
func (s *SceneServer) Join(ctx context.Context, url string) error {
	conn, err := Dial(ctx, url)
	if err != nil {
		return err
	}
	s.logger.Infow("Joining scene", logger.FieldURL, sceneURL(url))
	return s.serve(ctx, conn, syncPkg.RoleJoiner)
}

// sceneURL normalizes a peer address into the websocket URL of its scene.
func sceneURL(raw string) string {
	u := httpToWS(raw)
	if !strings.Contains(u, "://") {
		u = "ws://" + u
	}
	rest := u[strings.Index(u, "://")+3:]
	if !strings.Contains(rest, "/") {
		u += ScenePath
	}
	return u
}

// httpToWS converts http(s) URLs to ws(s) URLs.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
