package codec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEncodeDecodeUpdate(t *testing.T) {
	c := newTestCodec(t)
	msg := scene.Message{Origin: "p1", Seq: 3, Ops: []scene.Op{
		scene.CreateOp("o1", scene.TypeObject, scene.Attributes{scene.AttrData: scene.Ref("m1")}),
		scene.UpdateOp("o1", scene.TypeObject, "location", scene.Vector(0, 0, 0), scene.Vector(1, 2, 3)),
	}}

	data, err := c.Encode(Update(msg))
	require.NoError(t, err)
	assert.False(t, Compressed(data))
	assert.Contains(t, string(data), `"origin_peer_id":"p1"`)
	assert.Contains(t, string(data), `"sequence_number":3`)
	assert.Contains(t, string(data), `"attribute_path":"location"`)

	f, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameUpdate, f.Type)
	require.NotNil(t, f.Message)
	assert.Equal(t, msg.Seq, f.Message.Seq)
	require.Len(t, f.Message.Ops, 2)
	assert.Equal(t, scene.EntityID("m1"), f.Message.Ops[0].Attrs.Get(scene.AttrData).Ref())
	assert.True(t, f.Message.Ops[1].Value.Equal(scene.Vector(1, 2, 3)))
}

func TestLargeFramesAreCompressed(t *testing.T) {
	c := newTestCodec(t, WithCompressThreshold(1024))

	ops := make([]scene.Op, 200)
	for i := range ops {
		ops[i] = scene.CreateOp(scene.EntityID(fmt.Sprintf("mesh-%03d", i)), scene.TypeMesh,
			scene.Attributes{scene.AttrName: scene.String(fmt.Sprintf("Mesh.%03d", i))})
	}
	data, err := c.Encode(Snapshot("provider", ops))
	require.NoError(t, err)
	assert.True(t, Compressed(data))

	f, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameSnapshot, f.Type)
	assert.Len(t, f.Message.Ops, 200)
	assert.Equal(t, "Mesh.199", f.Message.Ops[199].Attrs.Get(scene.AttrName).Str())
}

func TestCompressionDisabled(t *testing.T) {
	c := newTestCodec(t, WithCompressThreshold(0))
	ops := make([]scene.Op, 500)
	for i := range ops {
		ops[i] = scene.CreateOp(scene.EntityID(fmt.Sprintf("m%d", i)), scene.TypeMesh, nil)
	}
	data, err := c.Encode(Snapshot("p", ops))
	require.NoError(t, err)
	assert.False(t, Compressed(data))
}

func TestDecodeMalformed(t *testing.T) {
	c := newTestCodec(t)
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "hello?"},
		{"unknown type", `{"type":"gossip"}`},
		{"update without message", `{"type":"update"}`},
		{"update without sequence", `{"type":"update","message":{"origin_peer_id":"p","operations":[]}}`},
		{"invalid op", `{"type":"update","message":{"origin_peer_id":"p","sequence_number":1,"operations":[{"kind":"update","entity_id":"x"}]}}`},
		{"bad value", `{"type":"update","message":{"origin_peer_id":"p","sequence_number":1,"operations":[{"kind":"update","entity_id":"x","attribute_path":"a","value":{"k":"blob","v":1}}]}}`},
		{"hello without version", `{"type":"hello","peer":"p"}`},
		{"corrupt zstd", string(append(append([]byte{}, zstdMagic...), 0x00, 0x01, 0x02))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsMalformedMessage(err), "got %v", err)
		})
	}
}

func TestDecodeRespectsMaxFrameSize(t *testing.T) {
	c := newTestCodec(t, WithMaxFrameSize(64))
	data, err := c.Encode(Leave("this reason is long enough to push the frame past sixty-four bytes"))
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.True(t, errors.IsMalformedMessage(err))
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Encode(Frame{Type: FrameUpdate})
	assert.Error(t, err)
}

func TestHelloCarriesProtocolVersion(t *testing.T) {
	c := newTestCodec(t)
	data, err := c.Encode(Hello("peer-1", "studio", "provider"))
	require.NoError(t, err)
	f, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, f.Version)
	assert.NoError(t, Compatible(f.Version))
}

func TestCompatible(t *testing.T) {
	assert.NoError(t, Compatible("1.0.0"))
	assert.NoError(t, Compatible("1.9.3"))

	err := Compatible("2.0.0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocolVersion))
	assert.NotEmpty(t, errors.GetAllHints(err))

	err = Compatible("not-a-version")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocolVersion))
}
