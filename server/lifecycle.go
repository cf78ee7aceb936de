package server

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
)

// ServerState tracks whether new sessions are accepted.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s *SceneServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *SceneServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Debugw("Server state changed", logger.FieldState, stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler returns the server's routes.
func (s *SceneServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/scene", s.HandleSceneWebSocket)
	mux.HandleFunc("/api/status", s.HandleStatus)
	mux.HandleFunc("/health", s.HandleHealth)
	if s.metrics != nil {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve accepts connections on l until Close.
func (s *SceneServer) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Infow("Scene server listening",
		logger.FieldAddress, l.Addr().String(),
		logger.FieldPeer, s.replica.Peer().Short())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "scene server failed")
	}
	return nil
}

// ListenAndServe listens on addr and serves until Close.
func (s *SceneServer) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", addr),
			"set session.listen in am.toml or pass --listen",
		)
	}
	return s.Serve(l)
}

// Close stops accepting sessions, asks every running session to leave and
// waits for them up to ShutdownTimeout.
func (s *SceneServer) Close() error {
	s.mu.Lock()
	if s.getState() != ServerStateRunning {
		s.mu.Unlock()
		return nil
	}
	s.setState(ServerStateDraining)
	srv := s.httpSrv
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Sessions did not leave in time",
			"timeout", ShutdownTimeout,
			logger.FieldCount, s.Sessions())
		err = errors.Newf("%d sessions still running after %s", s.Sessions(), ShutdownTimeout)
	}

	if srv != nil {
		if cerr := srv.Close(); cerr != nil {
			err = errors.CombineErrors(err, cerr)
		}
	}
	s.setState(ServerStateStopped)
	return err
}
