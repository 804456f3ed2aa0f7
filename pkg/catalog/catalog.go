package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml"

	"github.com/ctflabs/paddock/pkg/address"
	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/types"
)

// Catalog is the in-memory challenge catalog, loaded from a directory of
// {slug}.toml files. Readers take a snapshot of the current map; writers
// replace the whole map under the lock, so a reader never observes a
// partially reloaded catalog.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	challs map[string]types.Challenge
}

// New creates a catalog bound to dir without loading it; call Reload
func New(dir string) *Catalog {
	return &Catalog{dir: dir, challs: map[string]types.Challenge{}}
}

// Snapshot returns the current challenge map. The returned map is shared and
// must be treated as read-only; writers swap in a fresh map instead of
// mutating it.
func (c *Catalog) Snapshot() map[string]types.Challenge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.challs
}

// Lookup returns the spec for a slug from the current snapshot
func (c *Catalog) Lookup(slug string) (types.Challenge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.challs[slug]
	return ch, ok
}

// Reload re-reads every *.toml in the catalog directory, validates the set,
// and atomically replaces the snapshot. On error the prior snapshot is kept.
func (c *Catalog) Reload() error {
	challs, err := LoadDir(c.dir)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.challs = challs
	c.mu.Unlock()

	logger := log.WithComponent("catalog")
	logger.Info().Int("challenges", len(challs)).Msg("catalog reloaded")
	return nil
}

// Store persists the given challenge map to the catalog directory and reloads.
// The new files are staged in a sibling directory and validated before any
// existing *.toml is touched, so a malformed push cannot orphan the on-disk
// catalog. Files without a .toml extension are left alone.
func (c *Catalog) Store(challs map[string]types.Challenge) error {
	staging := c.dir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for slug, ch := range challs {
		data, err := toml.Marshal(ch)
		if err != nil {
			return fmt.Errorf("failed to serialize challenge %s: %w", slug, err)
		}
		if err := os.WriteFile(filepath.Join(staging, slug+".toml"), data, 0o644); err != nil {
			return fmt.Errorf("failed to write challenge %s: %w", slug, err)
		}
	}

	// Validate the staged set before replacing anything.
	if _, err := LoadDir(staging); err != nil {
		return err
	}

	old, err := filepath.Glob(filepath.Join(c.dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("failed to list catalog dir: %w", err)
	}
	for _, f := range old {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove %s: %w", f, err)
		}
	}

	staged, err := filepath.Glob(filepath.Join(staging, "*.toml"))
	if err != nil {
		return fmt.Errorf("failed to list staging dir: %w", err)
	}
	for _, f := range staged {
		if err := os.Rename(f, filepath.Join(c.dir, filepath.Base(f))); err != nil {
			return fmt.Errorf("failed to move %s into catalog dir: %w", f, err)
		}
	}

	return c.Reload()
}

// LoadDir parses and validates every *.toml in dir. Validation rejects bad
// slugs, duplicate slugs, malformed expose ports, and static TCP port
// collisions per host.
func LoadDir(dir string) (map[string]types.Challenge, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog dir: %w", err)
	}

	challs := make(map[string]types.Challenge, len(files))
	// host id -> static host port -> owning slug
	usedPorts := map[string]map[uint16]string{}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}

		var ch types.Challenge
		if err := toml.Unmarshal(data, &ch); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f, err)
		}

		if !types.ValidSlug(ch.Slug) {
			return nil, fmt.Errorf("challenge id %q in %s must be lowercase alphanumeric with -", ch.Slug, filepath.Base(f))
		}
		if _, dup := challs[ch.Slug]; dup {
			return nil, fmt.Errorf("duplicate challenge %s", ch.Slug)
		}
		if ch.Strategy == "" {
			ch.Strategy = types.StrategyStatic
		}

		if err := checkStaticPorts(ch, usedPorts); err != nil {
			return nil, err
		}

		challs[ch.Slug] = ch
	}

	return challs, nil
}

// checkStaticPorts verifies that no two static TCP exposures on the same host
// hash to the same published port.
func checkStaticPorts(ch types.Challenge, usedPorts map[string]map[uint16]string) error {
	for ct, spec := range ch.Containers {
		for portKey, exposeType := range spec.Expose {
			port, err := types.ParsePort(portKey)
			if err != nil {
				return fmt.Errorf("challenge %s container %s: %w", ch.Slug, ct, err)
			}
			if ch.Strategy != types.StrategyStatic || exposeType != types.ExposeTcp {
				continue
			}

			calc := address.StaticTcpPort(ch.Slug, ct, port, ch.BumpSeed)
			hostPorts := usedPorts[ch.HostID]
			if hostPorts == nil {
				hostPorts = map[uint16]string{}
				usedPorts[ch.HostID] = hostPorts
			}
			if owner, taken := hostPorts[calc]; taken {
				return fmt.Errorf(
					"static container %s for challenge %s wants to use port %d on host %q which is already used by challenge %s, try adding a bump_seed",
					ct, ch.Slug, calc, ch.HostID, owner)
			}
			hostPorts[calc] = ch.Slug
		}
	}
	return nil
}
