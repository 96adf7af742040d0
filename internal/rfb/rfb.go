// Package rfb implements the security-negotiation proxy for the Remote
// Framebuffer protocol. It sits between an untrusted tenant transport and the
// managed machine's console service, drives both sides of the RFB 3.8
// version and security handshakes, and guarantees that backend
// authentication detail never reaches the tenant.
package rfb

import (
	"fmt"
	"strconv"
)

// ProtocolVersion is the only version spoken on either leg. The handshake is
// a fixed 12-byte ASCII frame; anything but 3.8 is a hard failure.
const ProtocolVersion = "RFB 003.008\n"

const versionLength = 12

// RFB security type identifiers.
const (
	SecTypeInvalid  uint8 = 0
	SecTypeNone     uint8 = 1
	SecTypeVNCAuth  uint8 = 2
	SecTypeVeNCrypt uint8 = 19
)

// parseVersion parses a fixed-offset "RFB xxx.yyy\n" frame into major/minor.
func parseVersion(b []byte) (major, minor int, err error) {
	if len(b) != versionLength {
		return 0, 0, fmt.Errorf("version frame is %d bytes, want %d", len(b), versionLength)
	}
	if string(b[:4]) != "RFB " || b[7] != '.' || b[11] != '\n' {
		return 0, 0, fmt.Errorf("malformed version frame %q", string(b))
	}
	major, err = strconv.Atoi(string(b[4:7]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed major version %q", string(b[4:7]))
	}
	minor, err = strconv.Atoi(string(b[8:11]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed minor version %q", string(b[8:11]))
	}
	return major, minor, nil
}

// checkVersion validates a peer's version frame, naming the peer on failure.
func checkVersion(peer string, b []byte) error {
	major, minor, err := parseVersion(b)
	if err != nil {
		return fmt.Errorf("%s sent invalid protocol version: %w", peer, err)
	}
	if major != 3 || minor != 8 {
		return fmt.Errorf("%s sent unsupported protocol version %d.%d, only 3.8 is supported", peer, major, minor)
	}
	return nil
}
