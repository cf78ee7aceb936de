package codec

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/scenesync/errors"
)

// ProtocolVersion is the wire protocol spoken by this build. Peers are
// compatible when they share the major version.
const ProtocolVersion = "1.1.0"

// Compatible checks whether a peer announcing remote can talk to us.
func Compatible(remote string) error {
	local, err := semver.NewVersion(ProtocolVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid local protocol version %s", ProtocolVersion)
	}
	remoteVer, err := semver.NewVersion(remote)
	if err != nil {
		return errors.Wrap(errors.WithSecondaryError(errors.ErrProtocolVersion, err),
			fmt.Sprintf("invalid protocol version %q", remote))
	}

	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", local.Major()))
	if err != nil {
		return errors.Wrap(err, "invalid protocol constraint")
	}
	if !constraint.Check(remoteVer) {
		return errors.WithHint(
			errors.Wrapf(errors.ErrProtocolVersion, "peer speaks %s, we speak %s", remote, ProtocolVersion),
			"upgrade both peers to the same major release",
		)
	}
	return nil
}
