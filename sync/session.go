package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/scene"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSnapshotChunk    = 256
	defaultLeaveGrace       = time.Second
)

// Config describes the local side of a session.
type Config struct {
	Peer scene.PeerID
	Name string
	Role Role

	// HandshakeTimeout bounds the wait for the remote Hello.
	HandshakeTimeout time.Duration
	// SnapshotChunk is the number of ops per Snapshot frame.
	SnapshotChunk int
	// QueueSize caps queued outbound frames; a peer that falls further
	// behind is disconnected. Zero means unbounded.
	QueueSize int
	// FramesPerSecond paces the writer. Zero means unpaced.
	FramesPerSecond float64
	Burst           int
}

// Session manages one replication session with a remote peer.
type Session struct {
	id      string
	cfg     Config
	conn    Conn
	codec   *codec.Codec
	handler Handler
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	state atomic.Int32

	mu      sync.Mutex
	queue   []codec.Frame
	held    []codec.Frame
	leaving bool
	wake    chan struct{}

	remote     scene.PeerID
	remoteName string

	// joiner side
	snapshot  []scene.Op
	joinStart time.Time

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New creates a session over conn. Run starts it.
func New(conn Conn, c *codec.Codec, cfg Config, handler Handler, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = logger.ComponentLogger("sync.session")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SnapshotChunk <= 0 {
		cfg.SnapshotChunk = DefaultSnapshotChunk
	}
	limit := rate.Inf
	if cfg.FramesPerSecond > 0 {
		limit = rate.Limit(cfg.FramesPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		codec:   c,
		handler: handler,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.With(logger.FieldSession, id[:8], logger.FieldRole, cfg.Role),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	SessionStates.WithLabelValues(StateConnecting.String()).Inc()
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Role returns the local role.
func (s *Session) Role() Role { return s.cfg.Role }

// Remote returns the remote peer id, known after the handshake.
func (s *Session) Remote() scene.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RemoteName returns the name the remote peer introduced itself with.
func (s *Session) RemoteName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteName
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session reaches Disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended; nil while it runs or after a clean leave.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	SessionStates.WithLabelValues(prev.String()).Dec()
	SessionStates.WithLabelValues(next.String()).Inc()
	s.logger.Debugw("Session state changed", logger.FieldState, next.String(), "from", prev.String())
}

// Enqueue queues a frame for sending without blocking. While the session is
// still joining, frames are held and written after the snapshot.
func (s *Session) Enqueue(f codec.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateDisconnected:
		return errors.ErrSessionClosed
	case StateConnecting, StateJoining:
		s.held = append(s.held, f)
		return nil
	}
	if s.leaving {
		return errors.ErrSessionClosed
	}
	if s.cfg.QueueSize > 0 && len(s.queue) >= s.cfg.QueueSize {
		err := errors.NewTransportError(errors.Newf("outbound queue full (%d frames)", len(s.queue)))
		s.fail(err)
		return err
	}
	s.queue = append(s.queue, f)
	s.signal()
	return nil
}

// Leave sends a Leave frame after everything already queued and then closes
// the connection.
func (s *Session) Leave(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaving || s.State() == StateDisconnected {
		return
	}
	s.leaving = true
	s.queue = append(s.queue, s.held...)
	s.held = nil
	s.queue = append(s.queue, codec.Leave(reason))
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fail ends the session. The first call wins.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}

// Run drives the session until it disconnects and returns the reason; nil
// after an explicit leave from either side or a cancelled context.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		s.finish()
		return err
	}
	s.setState(StateJoining)
	s.joinStart = time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.readLoop()
	}()

	if s.cfg.Role == RoleProvider {
		s.provide()
	}

	select {
	case <-ctx.Done():
		s.Leave("context cancelled")
		select {
		case <-s.done:
		case <-time.After(defaultLeaveGrace):
			s.fail(nil)
		}
	case <-s.done:
	}
	wg.Wait()
	s.finish()
	return s.err
}

func (s *Session) finish() {
	s.mu.Lock()
	s.setState(StateDisconnected)
	s.queue = nil
	s.held = nil
	s.snapshot = nil
	s.mu.Unlock()

	if s.err != nil {
		s.logger.Warnw("Session disconnected", logger.FieldError, s.err)
	} else {
		s.logger.Infow("Session closed", logger.FieldPeer, s.remote.Short())
	}
	s.handler.Left(s, s.err)
}

func (s *Session) handshake(ctx context.Context) error {
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		timedOut.Store(true)
		_ = s.conn.Close()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if err := s.write(codec.Hello(s.cfg.Peer, s.cfg.Name, string(s.cfg.Role))); err != nil {
		return errors.Wrap(err, "failed to send hello")
	}
	data, err := s.conn.ReadMessage()
	if err != nil {
		if timedOut.Load() {
			return errors.Wrapf(errors.NewTransportError(err), "no hello within %s", s.cfg.HandshakeTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(errors.NewTransportError(err), "failed to receive hello")
	}
	hello, err := s.codec.Decode(data)
	if err != nil {
		return errors.Wrap(err, "failed to decode hello")
	}
	if hello.Type != codec.FrameHello {
		return errors.Newf("expected %s, got %s", codec.FrameHello, hello.Type)
	}
	FramesReceived.WithLabelValues(frameKind(hello)).Inc()

	if err := codec.Compatible(hello.Version); err != nil {
		_ = s.write(codec.Leave(err.Error()))
		return err
	}
	remoteRole := Role(hello.Role)
	if !remoteRole.Valid() || remoteRole == s.cfg.Role {
		err := errors.WithHint(
			errors.Wrapf(errors.ErrInvalidTransition, "remote role %q cannot pair with local role %q", hello.Role, s.cfg.Role),
			"one side must provide the scene and the other must join it",
		)
		_ = s.write(codec.Leave("role mismatch"))
		return err
	}
	if hello.Peer == s.cfg.Peer {
		_ = s.write(codec.Leave("same peer id"))
		return errors.Newf("remote peer reuses the local peer id %s", hello.Peer)
	}

	s.mu.Lock()
	s.remote = hello.Peer
	s.remoteName = hello.Name
	s.mu.Unlock()
	s.logger = s.logger.With(logger.FieldPeer, hello.Peer.Short())
	s.logger.Infow("Handshake complete", "name", hello.Name, logger.FieldVersion, hello.Version)
	return nil
}

// provide streams the snapshot. Frames enqueued after Join returns are held
// until the snapshot and its end marker are queued.
func (s *Session) provide() {
	ops, watermarks := s.handler.Join(s)

	s.mu.Lock()
	for start := 0; start < len(ops); start += s.cfg.SnapshotChunk {
		end := start + s.cfg.SnapshotChunk
		if end > len(ops) {
			end = len(ops)
		}
		s.queue = append(s.queue, codec.Snapshot(s.cfg.Peer, ops[start:end]))
	}
	s.queue = append(s.queue, codec.SnapshotEnd(len(ops), watermarks))
	s.synchronizeLocked()
	s.mu.Unlock()

	s.logger.Infow("Streaming snapshot", logger.FieldCount, len(ops))
}

// synchronizeLocked moves to Synchronized and releases held frames.
func (s *Session) synchronizeLocked() {
	if s.State() != StateJoining {
		return
	}
	s.queue = append(s.queue, s.held...)
	s.held = nil
	s.setState(StateSynchronized)
	JoinDuration.Observe(time.Since(s.joinStart).Seconds())
	s.signal()
}

func (s *Session) write(f codec.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return errors.NewTransportError(err)
	}
	FramesSent.WithLabelValues(frameKind(f)).Inc()
	if logger.ShouldLogTrace(logger.Verbosity) {
		s.logger.Debugw("Frame sent", logger.FieldFrame, f.Type, logger.FieldSize, len(data))
	}
	return nil
}

func (s *Session) writeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, f := range batch {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.write(f); err != nil {
				if !errors.IsTransport(err) {
					s.logger.Errorw("Dropping frame that failed to encode", logger.FieldFrame, f.Type, logger.FieldError, err)
					continue
				}
				s.fail(err)
				return
			}
			if f.Type == codec.FrameLeave {
				s.fail(nil)
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(errors.NewTransportError(err))
			}
			return
		}
		f, err := s.codec.Decode(data)
		if err != nil {
			MalformedFrames.Inc()
			s.logger.Warnw("Dropping malformed frame", logger.FieldSize, len(data), logger.FieldError, err)
			continue
		}
		FramesReceived.WithLabelValues(frameKind(f)).Inc()
		if logger.ShouldLogTrace(logger.Verbosity) {
			s.logger.Debugw("Frame received", logger.FieldFrame, f.Type, logger.FieldSize, len(data))
		}
		if err := s.handle(f); err != nil {
			s.fail(err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

// handle dispatches one frame. A returned error ends the session.
func (s *Session) handle(f codec.Frame) error {
	switch f.Type {
	case codec.FrameSnapshot:
		if s.cfg.Role != RoleJoiner || s.State() != StateJoining {
			return errors.Wrapf(errors.ErrInvalidTransition, "snapshot frame while %s as %s", s.State(), s.cfg.Role)
		}
		s.snapshot = append(s.snapshot, f.Message.Ops...)

	case codec.FrameSnapshotEnd:
		if s.cfg.Role != RoleJoiner || s.State() != StateJoining {
			return errors.Wrapf(errors.ErrInvalidTransition, "snapshot end while %s as %s", s.State(), s.cfg.Role)
		}
		if f.Count != len(s.snapshot) {
			return errors.NewStructuralInconsistencyError([]string{
				errors.Newf("snapshot announced %d ops, received %d", f.Count, len(s.snapshot)).Error(),
			})
		}
		msg := scene.Message{Origin: s.Remote(), Ops: s.snapshot}
		s.snapshot = nil
		if err := s.handler.Joined(s, msg, f.Watermarks); err != nil {
			return errors.Wrap(err, "failed to apply snapshot")
		}
		s.mu.Lock()
		s.synchronizeLocked()
		s.mu.Unlock()
		s.logger.Infow("Joined session", logger.FieldCount, f.Count)

	case codec.FrameUpdate:
		if s.State() != StateSynchronized {
			return errors.Wrapf(errors.ErrInvalidTransition, "update while %s", s.State())
		}
		s.handler.Update(s, *f.Message)

	case codec.FrameResyncRequest:
		ResyncRequests.WithLabelValues("received").Inc()
		s.handler.ResyncRequested(s, f.Entities)

	case codec.FrameResync:
		s.handler.Resynced(s, *f.Message)

	case codec.FrameLeave:
		s.logger.Infow("Remote peer left", "reason", f.Reason)
		s.fail(nil)

	case codec.FrameHello:
		s.logger.Warnw("Ignoring repeated hello", logger.FieldPeer, f.Peer.Short())
	}
	return nil
}
