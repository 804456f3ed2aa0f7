package address

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStaticTcpPortDeterministic verifies that port allocation is a pure
// function of its inputs, so catalog reloads never shift a published address.
func TestStaticTcpPortDeterministic(t *testing.T) {
	first := StaticTcpPort("buffer-overflow", "default", 1337, 0)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, StaticTcpPort("buffer-overflow", "default", 1337, 0))
	}
}

func TestStaticTcpPortInputsMatter(t *testing.T) {
	base := StaticTcpPort("chall", "default", 1337, 0)

	tests := []struct {
		name string
		port uint16
	}{
		{"different slug", StaticTcpPort("chall2", "default", 1337, 0)},
		{"different container", StaticTcpPort("chall", "sidecar", 1337, 0)},
		{"different port", StaticTcpPort("chall", "default", 8080, 0)},
		{"different bump seed", StaticTcpPort("chall", "default", 1337, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.port)
		})
	}
}

func TestStaticTcpPortRange(t *testing.T) {
	// The +1025 offset keeps every computed port out of privileged range,
	// saturating instead of wrapping near the top.
	for i := 0; i < 200; i++ {
		port := StaticTcpPort("slug-"+strconv.Itoa(i), "default", uint16(i), uint64(i))
		assert.GreaterOrEqual(t, port, uint16(1025))
	}
}

func TestSubdomainDeterministic(t *testing.T) {
	first := Subdomain("web-chall", "team-abc", 8080)
	assert.Equal(t, first, Subdomain("web-chall", "team-abc", 8080))
	assert.NotEqual(t, first, Subdomain("web-chall", "team-xyz", 8080))
	assert.NotEqual(t, first, Subdomain("web-chall", "", 8080))
	assert.NotEqual(t, first, Subdomain("web-chall", "team-abc", 8081))
}

func TestSubdomainShape(t *testing.T) {
	sub := Subdomain("web-chall", "team-abc", 8080)

	// slug prefix, then 40 hash bits as 8 base32 characters
	assert.Regexp(t, `^web-chall-[0-9abcdefghjkmnpqrstvwxyz]{8}$`, sub)
}

func TestFreePort(t *testing.T) {
	port, err := FreePort()
	require.NoError(t, err)
	assert.NotZero(t, port)

	// The probed port must be bindable right after
	l, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
	require.NoError(t, err)
	l.Close()
}
