package address

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net"
)

// crockfordLower is the Crockford base32 alphabet, lowercased. Subdomains use
// it because it is case-insensitive-safe in DNS and drops the confusable
// characters i, l, o, u.
var crockfordLower = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// StaticTcpPort computes the deterministic host port for a static challenge's
// TCP exposure. Deterministic across reloads so the public address never
// shifts for returning players; +1025 keeps it out of privileged range.
// bumpSeed is the authored escape valve for hash collisions.
func StaticTcpPort(slug, ct string, containerPort uint16, bumpSeed uint64) uint16 {
	h := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d,%d", slug, ct, containerPort, bumpSeed))
	n := binary.LittleEndian.Uint16(h[:2])
	if n > 65535-1025 {
		return 65535
	}
	return n + 1025
}

// Subdomain computes the stable proxy subdomain for an HTTP exposure.
// Stable for a (challenge, team, port) triple so cached DNS and bookmarks
// remain valid; publicTeamID is empty for static deployments.
func Subdomain(slug, publicTeamID string, containerPort uint16) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", slug, publicTeamID, containerPort))
	// first 40 bits (40 mod 5 = 0, no partial base32 symbol)
	return slug + "-" + crockfordLower.EncodeToString(h[:5])
}

// FreePort asks the kernel for an unused TCP port by binding port 0 and
// reading back the assignment. The listener is closed before the port is
// handed to the container, which admits a small reuse window; instanced
// deployments tolerate the rare failed bind and redeploy.
func FreePort() (uint16, error) {
	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, fmt.Errorf("failed to probe for free port: %w", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}
