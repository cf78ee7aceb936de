// Package server exposes a replica over HTTP: the /ws/scene websocket that
// remote peers join, a JSON status endpoint and Prometheus metrics. Dial and
// Join are the joiner side of the same transport.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/replica"
	syncPkg "github.com/teranos/scenesync/sync"
)

// ShutdownTimeout bounds how long Close waits for sessions to leave.
const ShutdownTimeout = 5 * time.Second

// Config configures the HTTP surface and every session it starts.
type Config struct {
	// Session is the template for each session; Peer, Name and Role are
	// filled in by the server.
	Session syncPkg.Config
	// Codec options applied to each session's codec.
	Codec []codec.Option
	// AllowedOrigins are origin prefixes accepted on the websocket.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	// MaxMessageBytes caps one received websocket message; zero means no limit.
	MaxMessageBytes int64
	// MetricsPath serves Prometheus metrics; empty disables them.
	MetricsPath string
}

// SceneServer serves one replica to any number of remote peers.
type SceneServer struct {
	replica  *replica.Replica
	cfg      Config
	upgrader websocket.Upgrader
	metrics  *prometheus.Registry
	logger   *zap.SugaredLogger

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*syncPkg.Session
	httpSrv  *http.Server
}

// New creates a server for r.
func New(r *replica.Replica, cfg Config, log *zap.SugaredLogger) (*SceneServer, error) {
	if r == nil {
		return nil, errors.New("server needs a replica")
	}
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SceneServer{
		replica:  r,
		cfg:      cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*syncPkg.Session),
	}
	s.upgrader = getSceneUpgrader(cfg.AllowedOrigins)

	if cfg.MetricsPath != "" {
		s.metrics = prometheus.NewRegistry()
		s.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics.MustRegister(syncPkg.Collectors()...)
	}
	s.setState(ServerStateRunning)
	return s, nil
}

// Replica returns the served replica.
func (s *SceneServer) Replica() *replica.Replica { return s.replica }

// Sessions returns the number of running sessions.
func (s *SceneServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// serve runs one session over conn until it disconnects. Sessions started
// while the server drains are refused.
func (s *SceneServer) serve(ctx context.Context, conn syncPkg.Conn, role syncPkg.Role) error {
	c, err := codec.New(s.cfg.Codec...)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to create codec")
	}
	defer c.Close()

	cfg := s.cfg.Session
	cfg.Peer = s.replica.Peer()
	cfg.Role = role
	sess := syncPkg.New(conn, c, cfg, s.replica, s.logger.Named("session"))

	s.mu.Lock()
	if s.getState() != ServerStateRunning {
		s.mu.Unlock()
		conn.Close()
		return errors.Wrap(errors.ErrSessionClosed, "server is shutting down")
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		s.wg.Done()
	}()

	// The server context ends every session on Close
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return sess.Run(runCtx)
}
