package codec

import (
	"bytes"
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/teranos/scenesync/errors"
)

// DefaultCompressThreshold is the encoded size above which frames are
// zstd-compressed. Join snapshots cross it; ordinary updates do not.
const DefaultCompressThreshold = 16 << 10

// DefaultMaxFrameSize bounds the decoded size of a single frame.
const DefaultMaxFrameSize = 64 << 20

// zstdMagic starts every zstd frame. JSON frames start with '{', so the two
// cannot be confused.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	threshold int
	maxSize   int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressThreshold sets the encoded size at which compression starts.
// Zero disables compression.
func WithCompressThreshold(n int) Option {
	return func(c *Codec) { c.threshold = n }
}

// WithMaxFrameSize bounds the decoded size of a frame.
func WithMaxFrameSize(n int) Option {
	return func(c *Codec) { c.maxSize = n }
}

// New returns a codec with the given options.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{threshold: DefaultCompressThreshold, maxSize: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(c)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(c.maxSize)))
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// Encode serializes f, compressing it when it is large.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, errors.Wrapf(err, "refusing to encode %s frame", f.Type)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s frame", f.Type)
	}
	if c.threshold > 0 && len(data) >= c.threshold {
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
	}
	return data, nil
}

// Decode parses one frame. Every failure, including an op that does not
// validate, is a MalformedMessageError: the caller drops the frame and
// carries on.
func (c *Codec) Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errors.NewMalformedMessageError(errors.New("empty frame"))
	}
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return Frame{}, errors.NewMalformedMessageError(errors.Wrap(err, "decompress"))
		}
		data = raw
	}
	if c.maxSize > 0 && len(data) > c.maxSize {
		return Frame{}, errors.NewMalformedMessageError(errors.Newf("frame of %d bytes exceeds limit %d", len(data), c.maxSize))
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.NewMalformedMessageError(err)
	}
	if err := validate(f); err != nil {
		return Frame{}, errors.NewMalformedMessageError(err)
	}
	return f, nil
}

// Compressed reports whether data is a compressed frame.
func Compressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

func validate(f Frame) error {
	if !f.Type.Valid() {
		return errors.Newf("unknown frame type %q", f.Type)
	}
	if f.Type.carriesMessage() {
		if f.Message == nil {
			return errors.Newf("%s frame without message", f.Type)
		}
		for i, op := range f.Message.Ops {
			if err := op.Validate(); err != nil {
				return errors.Wrapf(err, "op %d", i)
			}
		}
	}
	switch f.Type {
	case FrameUpdate:
		if f.Message.Origin == "" || f.Message.Seq == 0 {
			return errors.New("update without origin or sequence number")
		}
	case FrameHello:
		if f.Peer == "" || f.Version == "" {
			return errors.New("hello without peer id or version")
		}
	case FrameSnapshotEnd:
		if f.Count < 0 {
			return errors.Newf("negative snapshot count %d", f.Count)
		}
	}
	return nil
}
