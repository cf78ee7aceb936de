// Package codec defines the frames exchanged between replication peers and
// turns them into bytes and back.
//
// Frame flow for one session:
//
//  1. Both sides send FrameHello (peer id, role, protocol version)
//  2. The provider streams FrameSnapshot frames holding create ops, then a
//     delete op per id it has tombstoned
//  3. The provider sends FrameSnapshotEnd (op count, origin watermarks)
//  4. Both sides exchange FrameUpdate frames
//  5. Either side may send FrameResyncRequest; the answer is FrameResync
//  6. FrameLeave ends the session
package codec

import (
	"github.com/teranos/scenesync/scene"
)

// FrameType identifies the frame kind.
type FrameType string

const (
	// FrameHello is the handshake: "this is who I am and what I speak."
	FrameHello FrameType = "hello"

	// FrameUpdate carries one Update Message.
	FrameUpdate FrameType = "update"

	// FrameSnapshot carries a slice of the provider's registry as creates
	// and relinks in dependency order, followed by deletes for its
	// tombstones.
	FrameSnapshot FrameType = "snapshot"

	// FrameSnapshotEnd closes the snapshot. Nothing received before it is
	// visible to the joiner's host.
	FrameSnapshotEnd FrameType = "snapshot_end"

	// FrameResyncRequest asks the peer for the full state of some entities.
	FrameResyncRequest FrameType = "resync_request"

	// FrameResync answers a resync request with create ops.
	FrameResync FrameType = "resync"

	// FrameLeave announces an orderly departure.
	FrameLeave FrameType = "leave"
)

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	switch t {
	case FrameHello, FrameUpdate, FrameSnapshot, FrameSnapshotEnd,
		FrameResyncRequest, FrameResync, FrameLeave:
		return true
	}
	return false
}

// carriesMessage reports whether frames of this type must hold a Message.
func (t FrameType) carriesMessage() bool {
	return t == FrameUpdate || t == FrameSnapshot || t == FrameResync
}

// Frame is the envelope for everything on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// Hello
	Peer    scene.PeerID `json:"peer,omitempty"`
	Name    string       `json:"name,omitempty"`
	Role    string       `json:"role,omitempty"`
	Version string       `json:"version,omitempty"`

	// Update, Snapshot, Resync
	Message *scene.Message `json:"message,omitempty"`

	// SnapshotEnd: how many snapshot ops preceded it, and the provider's
	// per-origin watermarks so the joiner continues gap detection where the
	// provider left off.
	Count      int                     `json:"count,omitempty"`
	Watermarks map[scene.PeerID]uint64 `json:"watermarks,omitempty"`

	// ResyncRequest
	Entities []scene.EntityID `json:"entities,omitempty"`

	// Leave
	Reason string `json:"reason,omitempty"`
}

// Hello builds a handshake frame.
func Hello(peer scene.PeerID, name, role string) Frame {
	return Frame{Type: FrameHello, Peer: peer, Name: name, Role: role, Version: ProtocolVersion}
}

// Update wraps an Update Message.
func Update(msg scene.Message) Frame {
	return Frame{Type: FrameUpdate, Message: &msg}
}

// Snapshot wraps one chunk of snapshot ops.
func Snapshot(origin scene.PeerID, ops []scene.Op) Frame {
	return Frame{Type: FrameSnapshot, Message: &scene.Message{Origin: origin, Ops: ops}}
}

// SnapshotEnd closes a snapshot of count ops.
func SnapshotEnd(count int, watermarks map[scene.PeerID]uint64) Frame {
	return Frame{Type: FrameSnapshotEnd, Count: count, Watermarks: watermarks}
}

// ResyncRequest asks for the state of ids.
func ResyncRequest(ids []scene.EntityID) Frame {
	return Frame{Type: FrameResyncRequest, Entities: ids}
}

// Resync answers a resync request.
func Resync(origin scene.PeerID, ops []scene.Op) Frame {
	return Frame{Type: FrameResync, Message: &scene.Message{Origin: origin, Ops: ops}}
}

// Leave announces departure.
func Leave(reason string) Frame {
	return Frame{Type: FrameLeave, Reason: reason}
}
