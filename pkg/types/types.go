package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DeploymentStrategy defines how a challenge is shared between teams
type DeploymentStrategy string

const (
	// StrategyStatic deploys one instance shared across all teams
	StrategyStatic DeploymentStrategy = "static"

	// StrategyInstanced deploys one instance per team with a lease
	StrategyInstanced DeploymentStrategy = "instanced"
)

// ExposeType defines how a container port is reachable from outside
type ExposeType string

const (
	// ExposeTcp publishes the port directly on the host
	ExposeTcp ExposeType = "tcp"

	// ExposeHttp routes the port through the reverse proxy by subdomain
	ExposeHttp ExposeType = "http"
)

// Challenge is the declarative spec for a single challenge, one TOML file per slug.
// Descriptive metadata (name, author, ...) is carried verbatim for the catalog
// service; the deployer only interprets the deployment fields.
type Challenge struct {
	Slug        string     `toml:"id" json:"id"`
	Name        string     `toml:"name,omitempty" json:"name,omitempty"`
	Author      string     `toml:"author,omitempty" json:"author,omitempty"`
	Description string     `toml:"description,omitempty" json:"description,omitempty"`
	Category    string     `toml:"category,omitempty" json:"category,omitempty"`
	Visible     *bool      `toml:"visible,omitempty" json:"visible,omitempty"`
	Points      *PointSpan `toml:"points,omitempty" json:"points,omitempty"`

	Strategy DeploymentStrategy `toml:"strategy,omitempty" json:"strategy,omitempty"`
	// BumpSeed perturbs static port hashing; authors bump it to resolve collisions
	BumpSeed uint64 `toml:"bump_seed,omitempty" json:"bump_seed,omitempty"`
	// HostID selects a host keychain, empty means "default"
	HostID string `toml:"host,omitempty" json:"host,omitempty"`
	// InstanceLifetime in seconds, overrides the server default for instanced leases
	InstanceLifetime *uint64 `toml:"instance_lifetime,omitempty" json:"instance_lifetime,omitempty"`

	// Containers is keyed by container name; "default" is the distinguished name
	Containers map[string]Container `toml:"container,omitempty" json:"container,omitempty"`
}

// PointSpan is the scoring range for a challenge (catalog metadata, passthrough)
type PointSpan struct {
	Min int32 `toml:"min" json:"min"`
	Max int32 `toml:"max" json:"max"`
}

// Container is the per-workload spec within a challenge
type Container struct {
	Env        map[string]string `toml:"env,omitempty" json:"env,omitempty"`
	Limits     Limits            `toml:"limits,omitempty" json:"limits,omitempty"`
	CapAdd     []string          `toml:"cap_add,omitempty" json:"cap_add,omitempty"`
	Privileged bool              `toml:"privileged,omitempty" json:"privileged,omitempty"`
	// Expose maps container ports (decimal string keys) to their exposure type
	Expose map[string]ExposeType `toml:"expose,omitempty" json:"expose,omitempty"`
}

// Limits caps container resources
type Limits struct {
	// CPU in units of 10^-9 cpus
	CPU *int64 `toml:"cpu,omitempty" json:"cpu,omitempty"`
	// Mem in bytes
	Mem *int64 `toml:"mem,omitempty" json:"mem,omitempty"`
}

const (
	// DefaultNanoCPUs is 1 vcpu
	DefaultNanoCPUs int64 = 1_000_000_000

	// DefaultMemoryBytes is 100 MiB
	DefaultMemoryBytes int64 = 104_857_600
)

// NanoCPUs returns the configured CPU limit or the default
func (l Limits) NanoCPUs() int64 {
	if l.CPU != nil {
		return *l.CPU
	}
	return DefaultNanoCPUs
}

// MemoryBytes returns the configured memory limit or the default
func (l Limits) MemoryBytes() int64 {
	if l.Mem != nil {
		return *l.Mem
	}
	return DefaultMemoryBytes
}

// ValidSlug reports whether s matches the slug grammar: lowercase alphanumeric plus '-'
func ValidSlug(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

// ParsePort parses a decimal container-port key from a spec expose map
func ParsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid container port %q: %w", s, err)
	}
	return uint16(p), nil
}

// ImageRef derives the registry reference for a container of a challenge.
// The distinguished name "default" omits the container suffix.
func ImageRef(repo, prefix, slug, ct string) string {
	if ct == "default" {
		return fmt.Sprintf("%s/%s%s", repo, prefix, slug)
	}
	return fmt.Sprintf("%s/%s%s-%s", repo, prefix, slug, ct)
}

// ContainerName computes the deterministic daemon-side container name.
// Determinism lets a later deploy force-remove stale leftovers by name.
func ContainerName(slug string, strategy DeploymentStrategy, ct string, teamID *int64) string {
	if strategy == StrategyInstanced {
		return fmt.Sprintf("%s-team-%d-container-%s", slug, *teamID, ct)
	}
	return fmt.Sprintf("%s-container-%s", slug, ct)
}

// NetworkName computes the deterministic daemon-side network name
func NetworkName(slug string, strategy DeploymentStrategy, teamID *int64) string {
	if strategy == StrategyInstanced {
		return fmt.Sprintf("%s-team-%d-network", slug, *teamID)
	}
	return fmt.Sprintf("%s-network", slug)
}

// MappingType discriminates HostMapping variants
type MappingType string

const (
	MappingTcp  MappingType = "tcp"
	MappingHttp MappingType = "http"
)

// HostMapping is the public address assigned to one exposed container port
type HostMapping struct {
	Type MappingType `json:"type"`
	// Port is the published host port (tcp mappings only)
	Port uint16 `json:"port,omitempty"`
	// Subdomain is the proxy subdomain (http mappings only); the public
	// host is {subdomain}.{base}
	Subdomain string `json:"subdomain,omitempty"`
	// Base is the host's public hostname
	Base string `json:"base"`
}

// FQDN returns the fully qualified proxy host for an http mapping
func (m HostMapping) FQDN() string {
	return m.Subdomain + "." + m.Base
}

// ContainerRecord is what a deployment remembers about one started container
type ContainerRecord struct {
	ContainerID string `json:"container_id"`
	// Ports is keyed by container port (decimal string)
	Ports map[string]HostMapping `json:"ports"`
}

// DeploymentData maps container names to their records; persisted as JSONB
type DeploymentData map[string]ContainerRecord

// Value implements driver.Valuer for JSONB storage
func (d DeploymentData) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for JSONB retrieval
func (d *DeploymentData) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("cannot scan %T into DeploymentData", src)
	}
}

// RedactedContainerID replaces container ids before emission; the real names
// permit direct container addressing on the host.
const RedactedContainerID = "redacted-xxxxx"

// Redacted returns a copy with every container id scrubbed
func (d DeploymentData) Redacted() DeploymentData {
	if d == nil {
		return nil
	}
	out := make(DeploymentData, len(d))
	for ct, rec := range d {
		rec.ContainerID = RedactedContainerID
		out[ct] = rec
	}
	return out
}

// Deployment is the persisted intent to run a challenge's workloads,
// either shared (static) or for one team (instanced).
type Deployment struct {
	ID          int64          `db:"id" json:"-"`
	PublicID    string         `db:"public_id" json:"id"`
	ChallengeID int64          `db:"challenge_id" json:"-"`
	TeamID      *int64         `db:"team_id" json:"-"`
	Deployed    bool           `db:"deployed" json:"deployed"`
	Data        DeploymentData `db:"data" json:"data"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	ExpiredAt   *time.Time     `db:"expired_at" json:"expired_at"`
	DestroyedAt *time.Time     `db:"destroyed_at" json:"destroyed_at"`
}

// Sanitize returns a copy safe for non-operator eyes
func (dep Deployment) Sanitize() Deployment {
	dep.Data = dep.Data.Redacted()
	return dep
}
