// Package sync runs one replication session over one connection.
//
// Unlike a reconciliation protocol where both sides exchange summaries, a
// scene session is asymmetric during the join and symmetric afterwards:
//
//  1. Both send Hello (peer id, role, protocol version)
//  2. The provider streams its registry as Snapshot frames of create ops
//     and tombstone deletes, then SnapshotEnd with the op count and its
//     per-origin watermarks
//  3. The joiner applies the whole snapshot at once and both sides switch
//     to Synchronized
//  4. Both exchange Update frames; ResyncRequest/Resync repair entities a
//     peer lost track of
//  5. Either side sends Leave, or the connection drops
//
// Updates produced while Joining are buffered and only written after the
// snapshot, so a joiner never sees an entity before its create.
package sync

import (
	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/scene"
)

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
// Each message is one encoded codec frame.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateJoining
	StateSynchronized
	// StateDisconnected is terminal. The local registry is kept as is.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateSynchronized:
		return "synchronized"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Role decides which side of the join a session plays.
type Role string

const (
	// RoleProvider owns the scene being joined and streams the snapshot.
	RoleProvider Role = "provider"
	// RoleJoiner receives the snapshot.
	RoleJoiner Role = "joiner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleJoiner
}

// Handler is the serialized apply path a session hands frames to. The
// replica implements it. Calls for one session never overlap.
type Handler interface {
	// Join is called on the provider once the handshake is done. It returns
	// the snapshot to stream and the watermarks the joiner continues from.
	// From this call on, the session receives the provider's broadcasts.
	Join(s *Session) (ops []scene.Op, watermarks map[scene.PeerID]uint64)

	// Joined is called on the joiner with the complete snapshot.
	Joined(s *Session, snapshot scene.Message, watermarks map[scene.PeerID]uint64) error

	// Update is called for every decoded update message.
	Update(s *Session, msg scene.Message)

	// ResyncRequested asks for the current state of ids.
	ResyncRequested(s *Session, ids []scene.EntityID)

	// Resynced delivers the answer to a resync request.
	Resynced(s *Session, msg scene.Message)

	// Left is called once when the session reaches Disconnected. err is nil
	// for an explicit leave or a cancelled context.
	Left(s *Session, err error)
}

// frameKind labels a frame for metrics.
func frameKind(f codec.Frame) string {
	return string(f.Type)
}
