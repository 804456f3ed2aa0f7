package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/ctflabs/paddock/pkg/address"
	"github.com/ctflabs/paddock/pkg/catalog"
	"github.com/ctflabs/paddock/pkg/daemon"
	"github.com/ctflabs/paddock/pkg/guard"
	"github.com/ctflabs/paddock/pkg/keychain"
	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/metrics"
	"github.com/ctflabs/paddock/pkg/proxy"
	"github.com/ctflabs/paddock/pkg/store"
	"github.com/ctflabs/paddock/pkg/types"
)

// Runtime is the container-daemon surface the engine drives. Implemented by
// daemon.Client; tests substitute fakes.
type Runtime interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	Pull(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, spec daemon.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	ContainerIP(ctx context.Context, name, network string) (string, error)
	ForceRemoveContainer(ctx context.Context, name string) error
	Close() error
}

// Router is the reverse-proxy control surface. Implemented by proxy.Client.
type Router interface {
	Base() string
	AddHost(ctx context.Context, host, upstream string) error
	DeleteHost(ctx context.Context, host string) error
}

// Scheduler receives finalized instanced deployments for lease expiry.
// Implemented by the reaper.
type Scheduler interface {
	Schedule(dep types.Deployment, at time.Time)
}

// Keychains resolves host ids to credentials. Implemented by keychain.Registry.
type Keychains interface {
	Lookup(hostID string) (keychain.Keychain, error)
}

// Engine runs the deployment state machine: create network, pull images,
// create and start containers, register proxy routes, finalize the row.
// Every attempt holds two resource guards; any failure before finalize
// abandons both and deletes the pending row so the slot stays retryable.
type Engine struct {
	store           *store.Store
	catalog         *catalog.Catalog
	keychains       Keychains
	defaultLifetime time.Duration
	scheduler       Scheduler
	logger          zerolog.Logger

	// Factories are swappable for tests; defaults build real clients from
	// the host keychain per attempt.
	NewRuntime func(kc keychain.Keychain) (Runtime, error)
	NewRouter  func(kc keychain.Keychain) (Router, error)
}

// New creates an engine over the given collaborators
func New(st *store.Store, cat *catalog.Catalog, kcs Keychains, defaultLifetime time.Duration) *Engine {
	return &Engine{
		store:           st,
		catalog:         cat,
		keychains:       kcs,
		defaultLifetime: defaultLifetime,
		logger:          log.WithComponent("engine"),
		NewRuntime: func(kc keychain.Keychain) (Runtime, error) {
			return daemon.New(kc.Docker, kc.DockerCredentials)
		},
		NewRouter: func(kc keychain.Keychain) (Router, error) {
			return proxy.New(kc.Caddy)
		},
	}
}

// SetScheduler wires the lease scheduler; must be called before RunDeploy
func (e *Engine) SetScheduler(s Scheduler) {
	e.scheduler = s
}

// RunDeploy is the background task entry for one claimed row. It owns the
// outer transaction: on success the finalized row commits, on failure the
// pending row is deleted so a retry can claim the slot again.
func (e *Engine) RunDeploy(dep types.Deployment, requestLifetime *uint64) {
	// Detached from the request context on purpose; an accepted deploy runs
	// to completion even if the caller goes away.
	ctx := context.Background()
	started := time.Now()

	expiredAt, err := e.runDeploy(ctx, dep, requestLifetime)
	metrics.DeployDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).
			Str("deployment_id", dep.PublicID).
			Int64("challenge_id", dep.ChallengeID).
			Msg("deploy failed")
		return
	}

	metrics.DeploysTotal.WithLabelValues("ok").Inc()
	metrics.ActiveDeployments.Inc()
	e.logger.Info().
		Str("deployment_id", dep.PublicID).
		Int64("challenge_id", dep.ChallengeID).
		Msg("deploy finished")

	if expiredAt != nil && e.scheduler != nil {
		dep.ExpiredAt = expiredAt
		e.scheduler.Schedule(dep, *expiredAt)
	}
}

func (e *Engine) runDeploy(ctx context.Context, dep types.Deployment, requestLifetime *uint64) (*time.Time, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	expiredAt, err := e.deploy(ctx, tx, dep, requestLifetime)
	if err != nil {
		tx.Rollback()
		// The row never reached deployed=true; delete it so the slot frees
		// up for retry instead of wedging on the uniqueness invariant.
		if derr := e.store.DropPending(ctx, e.store.DB(), dep.ID); derr != nil {
			e.logger.Error().Err(derr).Str("deployment_id", dep.PublicID).Msg("failed to drop pending row")
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deploy: %w", err)
	}
	return expiredAt, nil
}

// deploy executes steps 1-7 of the state machine inside the outer transaction.
// Guards abandon on any early return; Commit near the end disarms them.
func (e *Engine) deploy(ctx context.Context, tx *sqlx.Tx, dep types.Deployment, requestLifetime *uint64) (*time.Time, error) {
	slug, err := e.store.ChallengeSlug(ctx, tx, dep.ChallengeID)
	if err != nil {
		return nil, err
	}

	var publicTeamID string
	if dep.TeamID != nil {
		publicTeamID, err = e.store.TeamPublicID(ctx, tx, *dep.TeamID)
		if err != nil {
			return nil, err
		}
	}

	spec, ok := e.catalog.Lookup(slug)
	if !ok {
		return nil, fmt.Errorf("no spec for challenge %s", slug)
	}
	if len(spec.Containers) == 0 {
		return nil, fmt.Errorf("challenge %s has no containers", slug)
	}
	if spec.Strategy == types.StrategyInstanced && dep.TeamID == nil {
		return nil, fmt.Errorf("challenge %s is instanced and requires a team", slug)
	}

	kc, err := e.keychains.Lookup(spec.HostID)
	if err != nil {
		return nil, err
	}

	rt, err := e.NewRuntime(kc)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	router, err := e.NewRouter(kc)
	if err != nil {
		return nil, err
	}

	daemonGuard := guard.NewDaemonGuard(rt)
	proxyGuard := guard.NewProxyGuard(router)
	defer daemonGuard.Abandon(ctx)
	defer proxyGuard.Abandon(ctx)

	networkName := types.NetworkName(slug, spec.Strategy, dep.TeamID)
	exists, err := rt.NetworkExists(ctx, networkName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := rt.CreateNetwork(ctx, networkName); err != nil {
			return nil, err
		}
		daemonGuard.Network(networkName)
	}
	// An existing network is reused to absorb past failures; it is removed
	// on teardown, not here.

	containerNames := sortedNames(spec.Containers)

	if kc.DockerCredentials != nil {
		for _, ct := range containerNames {
			if err := rt.Pull(ctx, types.ImageRef(kc.Repo, kc.ImagePrefix, slug, ct)); err != nil {
				return nil, err
			}
		}
	}

	data := types.DeploymentData{}
	for _, ct := range containerNames {
		record, err := e.deployContainer(ctx, deployParams{
			slug:         slug,
			publicTeamID: publicTeamID,
			spec:         spec,
			ct:           ct,
			teamID:       dep.TeamID,
			networkName:  networkName,
			kc:           kc,
		}, rt, router, daemonGuard, proxyGuard)
		if err != nil {
			return nil, err
		}
		data[ct] = *record
	}

	var expiredAt *time.Time
	if spec.Strategy == types.StrategyInstanced {
		lifetime := e.defaultLifetime
		if requestLifetime != nil {
			lifetime = time.Duration(*requestLifetime) * time.Second
		}
		if spec.InstanceLifetime != nil {
			lifetime = time.Duration(*spec.InstanceLifetime) * time.Second
		}
		t := time.Now().UTC().Add(lifetime)
		expiredAt = &t
	}

	if err := e.store.Finalize(ctx, tx, dep.ID, data, expiredAt); err != nil {
		return nil, err
	}

	daemonGuard.Commit()
	proxyGuard.Commit()
	return expiredAt, nil
}

type deployParams struct {
	slug         string
	publicTeamID string
	spec         types.Challenge
	ct           string
	teamID       *int64
	networkName  string
	kc           keychain.Keychain
}

// deployContainer creates, starts, and wires one container of the challenge
func (e *Engine) deployContainer(ctx context.Context, p deployParams, rt Runtime, router Router, daemonGuard *guard.DaemonGuard, proxyGuard *guard.ProxyGuard) (*types.ContainerRecord, error) {
	cspec := p.spec.Containers[p.ct]
	name := types.ContainerName(p.slug, p.spec.Strategy, p.ct, p.teamID)
	logger := e.logger.With().Str("container", name).Logger()

	mappings := map[string]types.HostMapping{}
	tcpPorts := map[uint16]uint16{}
	for portKey, exposeType := range cspec.Expose {
		port, err := types.ParsePort(portKey)
		if err != nil {
			return nil, err
		}
		switch exposeType {
		case types.ExposeTcp:
			var hostPort uint16
			if p.spec.Strategy == types.StrategyStatic {
				hostPort = address.StaticTcpPort(p.slug, p.ct, port, p.spec.BumpSeed)
			} else {
				hostPort, err = address.FreePort()
				if err != nil {
					return nil, err
				}
			}
			mappings[portKey] = types.HostMapping{Type: types.MappingTcp, Port: hostPort, Base: p.kc.Caddy.Base}
			tcpPorts[port] = hostPort
		case types.ExposeHttp:
			mappings[portKey] = types.HostMapping{
				Type:      types.MappingHttp,
				Subdomain: address.Subdomain(p.slug, p.publicTeamID, port),
				Base:      p.kc.Caddy.Base,
			}
		default:
			return nil, fmt.Errorf("container %s: unknown expose type %q", name, exposeType)
		}
	}

	// A stale container with this name is a leftover from a crashed attempt;
	// remove it so the create below is idempotent across restarts.
	if err := rt.ForceRemoveContainer(ctx, name); err != nil {
		logger.Warn().Err(err).Msg("failed to remove stale container")
	}

	if _, err := rt.CreateContainer(ctx, daemon.ContainerSpec{
		Name:        name,
		Image:       types.ImageRef(p.kc.Repo, p.kc.ImagePrefix, p.slug, p.ct),
		Env:         cspec.Env,
		Network:     p.networkName,
		Alias:       p.ct,
		TcpPorts:    tcpPorts,
		NanoCPUs:    cspec.Limits.NanoCPUs(),
		MemoryBytes: cspec.Limits.MemoryBytes(),
		CapAdd:      cspec.CapAdd,
		Privileged:  cspec.Privileged,
	}); err != nil {
		return nil, err
	}
	daemonGuard.Container(name)

	if err := rt.StartContainer(ctx, name); err != nil {
		return nil, err
	}

	containerIP, err := rt.ContainerIP(ctx, name, p.networkName)
	if err != nil {
		return nil, err
	}

	for portKey, mapping := range mappings {
		if mapping.Type != types.MappingHttp {
			continue
		}
		host := mapping.FQDN()
		// Delete first so a route orphaned by an earlier crash cannot point
		// at a dead upstream.
		if err := router.DeleteHost(ctx, host); err != nil {
			return nil, err
		}
		if err := router.AddHost(ctx, host, containerIP+":"+portKey); err != nil {
			return nil, err
		}
		proxyGuard.Route(host)
	}

	logger.Debug().Str("ip", containerIP).Msg("container running")

	// The deterministic name doubles as the teardown handle; the daemon's
	// own id is never persisted.
	return &types.ContainerRecord{ContainerID: name, Ports: mappings}, nil
}

// RunTeardown is the background task entry for destroying a deployment
func (e *Engine) RunTeardown(dep types.Deployment) {
	ctx := context.Background()
	if err := e.Teardown(ctx, dep); err != nil {
		metrics.TeardownsTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).
			Str("deployment_id", dep.PublicID).
			Msg("teardown failed")
		return
	}
	metrics.TeardownsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveDeployments.Dec()
	e.logger.Info().Str("deployment_id", dep.PublicID).Msg("teardown finished")
}

// Teardown destroys a deployment. The row is marked destroyed and committed
// before remote cleanup: freeing the (challenge, team) slot takes priority
// over remote consistency, and leaked resources are reclaimable by the next
// deploy through deterministic naming.
func (e *Engine) Teardown(ctx context.Context, dep types.Deployment) error {
	// Re-read the row; the caller's copy may predate a manual destroy.
	fresh, err := e.store.Get(ctx, dep.PublicID)
	if err != nil {
		return err
	}
	if fresh.DestroyedAt != nil {
		return store.ErrAlreadyDestroyed
	}
	if !fresh.Deployed {
		return store.ErrNotYetDeployed
	}

	if err := e.store.MarkDestroyed(ctx, fresh.ID); err != nil {
		return err
	}

	e.cleanupRemote(ctx, *fresh)
	return nil
}

// cleanupRemote removes containers, routes, and the network recorded in the
// row. Best effort: the row is already terminal, failures are logged only.
func (e *Engine) cleanupRemote(ctx context.Context, dep types.Deployment) {
	logger := e.logger.With().Str("deployment_id", dep.PublicID).Logger()

	if dep.Data == nil {
		return
	}

	slug, err := e.store.ChallengeSlug(ctx, e.store.DB(), dep.ChallengeID)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup: failed to resolve challenge slug")
		return
	}

	spec, ok := e.catalog.Lookup(slug)
	if !ok {
		logger.Warn().Str("challenge", slug).Msg("cleanup: spec no longer in catalog, skipping remote cleanup")
		return
	}

	kc, err := e.keychains.Lookup(spec.HostID)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup: no keychain for host")
		return
	}

	rt, err := e.NewRuntime(kc)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup: failed to create daemon client")
		return
	}
	defer rt.Close()

	router, err := e.NewRouter(kc)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup: failed to create proxy client")
		return
	}

	for _, record := range dep.Data {
		for _, mapping := range record.Ports {
			if mapping.Type != types.MappingHttp {
				continue
			}
			if err := router.DeleteHost(ctx, mapping.FQDN()); err != nil {
				logger.Warn().Err(err).Str("host", mapping.FQDN()).Msg("cleanup: failed to delete route")
			}
		}

		// The recorded id is the deterministic name assigned at deploy time;
		// recomputing it from the current spec would break if the spec
		// changed between deploy and teardown.
		if err := rt.ForceRemoveContainer(ctx, record.ContainerID); err != nil {
			logger.Warn().Err(err).Str("container", record.ContainerID).Msg("cleanup: failed to remove container")
		}
	}

	// The spec's strategy may also have flipped since deploy; a row without a
	// team can only have been deployed with static-shaped names.
	strategy := spec.Strategy
	if dep.TeamID == nil {
		strategy = types.StrategyStatic
	}
	networkName := types.NetworkName(slug, strategy, dep.TeamID)
	if err := rt.RemoveNetwork(ctx, networkName); err != nil {
		logger.Warn().Err(err).Str("network", networkName).Msg("cleanup: failed to remove network")
	}
}

func sortedNames(containers map[string]types.Container) []string {
	names := make([]string, 0, len(containers))
	for ct := range containers {
		names = append(names, ct)
	}
	sort.Strings(names)
	return names
}

// Resume is the recorded no-op for the ambiguous "nudge" the old service
// spawned when a deploy hit an existing row. Nothing observable depended on
// it; the slot either finishes deploying or the client destroys and retries.
func (e *Engine) Resume(dep types.Deployment) {
	e.logger.Debug().Str("deployment_id", dep.PublicID).Msg("resume requested, no-op")
}
