package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSlug(t *testing.T) {
	tests := []struct {
		slug  string
		valid bool
	}{
		{"buffer-overflow", true},
		{"web100", true},
		{"a", true},
		{"", false},
		{"Upper", false},
		{"under_score", false},
		{"spaced out", false},
		{"dots.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidSlug(tt.slug))
		})
	}
}

func TestImageRef(t *testing.T) {
	// The distinguished name "default" omits the container suffix
	assert.Equal(t, "registry.example.com/ctf-pwnme",
		ImageRef("registry.example.com", "ctf-", "pwnme", "default"))
	assert.Equal(t, "registry.example.com/ctf-pwnme-db",
		ImageRef("registry.example.com", "ctf-", "pwnme", "db"))
}

func TestDeterministicNames(t *testing.T) {
	team := int64(42)

	tests := []struct {
		name        string
		strategy    DeploymentStrategy
		teamID      *int64
		wantCT      string
		wantNetwork string
	}{
		{
			name:        "static",
			strategy:    StrategyStatic,
			teamID:      nil,
			wantCT:      "pwnme-container-default",
			wantNetwork: "pwnme-network",
		},
		{
			name:        "instanced",
			strategy:    StrategyInstanced,
			teamID:      &team,
			wantCT:      "pwnme-team-42-container-default",
			wantNetwork: "pwnme-team-42-network",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCT, ContainerName("pwnme", tt.strategy, "default", tt.teamID))
			assert.Equal(t, tt.wantNetwork, NetworkName("pwnme", tt.strategy, tt.teamID))
		})
	}
}

func TestLimitsDefaults(t *testing.T) {
	var l Limits
	assert.Equal(t, int64(1_000_000_000), l.NanoCPUs())
	assert.Equal(t, int64(104_857_600), l.MemoryBytes())

	cpu, mem := int64(500_000_000), int64(256*1024*1024)
	l = Limits{CPU: &cpu, Mem: &mem}
	assert.Equal(t, cpu, l.NanoCPUs())
	assert.Equal(t, mem, l.MemoryBytes())
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort("1337")
	require.NoError(t, err)
	assert.Equal(t, uint16(1337), p)

	for _, bad := range []string{"", "-1", "65536", "http"} {
		_, err := ParsePort(bad)
		assert.Error(t, err, "port %q", bad)
	}
}

func TestHostMappingFQDN(t *testing.T) {
	m := HostMapping{Type: MappingHttp, Subdomain: "pwnme-abc123de", Base: "ctf.example.com"}
	assert.Equal(t, "pwnme-abc123de.ctf.example.com", m.FQDN())
}

// TestDeploymentDataRoundTrip verifies the JSONB encoding survives Postgres
func TestDeploymentDataRoundTrip(t *testing.T) {
	data := DeploymentData{
		"default": {
			ContainerID: "pwnme-container-default",
			Ports: map[string]HostMapping{
				"1337": {Type: MappingTcp, Port: 31337, Base: "ctf.example.com"},
				"8080": {Type: MappingHttp, Subdomain: "pwnme-abc123de", Base: "ctf.example.com"},
			},
		},
	}

	raw, err := data.Value()
	require.NoError(t, err)

	var back DeploymentData
	require.NoError(t, back.Scan(raw))
	assert.Equal(t, data, back)

	// NULL data scans to nil
	require.NoError(t, back.Scan(nil))
	assert.Nil(t, back)
}

func TestSanitizeScrubsContainerIDs(t *testing.T) {
	dep := Deployment{
		PublicID: "pub-1",
		Deployed: true,
		Data: DeploymentData{
			"default": {ContainerID: "pwnme-container-default", Ports: map[string]HostMapping{}},
			"db":      {ContainerID: "pwnme-container-db", Ports: map[string]HostMapping{}},
		},
	}

	clean := dep.Sanitize()
	for ct, rec := range clean.Data {
		assert.Equal(t, RedactedContainerID, rec.ContainerID, "container %s", ct)
	}

	// The original is untouched
	assert.Equal(t, "pwnme-container-default", dep.Data["default"].ContainerID)
}

// TestDeploymentJSONHidesInternalIDs verifies numeric DB keys never leak
func TestDeploymentJSONHidesInternalIDs(t *testing.T) {
	team := int64(3)
	dep := Deployment{ID: 99, PublicID: "pub-1", ChallengeID: 7, TeamID: &team}

	raw, err := json.Marshal(dep)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "pub-1", out["id"])
	assert.NotContains(t, out, "challenge_id")
	assert.NotContains(t, out, "team_id")
}
