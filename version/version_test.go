package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/scenesync/codec"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, codec.ProtocolVersion, info.Protocol)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "scenesync dev")
	assert.Contains(t, info.String(), "protocol "+codec.ProtocolVersion)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc1234", Info{CommitHash: "abc1234def"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestTaggedString(t *testing.T) {
	info := Info{Version: "v0.3.0", Protocol: "1.1.0", CommitHash: "abc1234", BuildTime: "2026-10-01"}
	assert.Equal(t, "scenesync v0.3.0 (protocol 1.1.0, commit abc1234, built 2026-10-01)", info.String())
}
