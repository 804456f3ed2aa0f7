package guard

import (
	"context"

	"github.com/ctflabs/paddock/pkg/log"
)

// Remover is the subset of the container daemon a DaemonGuard needs for cleanup
type Remover interface {
	ForceRemoveContainer(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
}

// RouteDeleter is the subset of the proxy control plane a ProxyGuard needs for cleanup
type RouteDeleter interface {
	DeleteHost(ctx context.Context, host string) error
}

// DaemonGuard tracks containers and networks created during one deployment
// attempt. Commit keeps them; Abandon destroys them in reverse creation order.
// Cleanup failures are logged and swallowed: the deleted DB row is the
// authoritative abandonment signal, leftovers are reclaimed by the next deploy
// through deterministic naming.
type DaemonGuard struct {
	remover    Remover
	containers []string
	networks   []string
	committed  bool
}

// NewDaemonGuard creates a guard over the given daemon client
func NewDaemonGuard(remover Remover) *DaemonGuard {
	return &DaemonGuard{remover: remover}
}

// Container records a container created by this attempt
func (g *DaemonGuard) Container(name string) {
	g.containers = append(g.containers, name)
}

// Network records a network created by this attempt
func (g *DaemonGuard) Network(name string) {
	g.networks = append(g.networks, name)
}

// Commit marks the attempt successful; Abandon becomes a no-op
func (g *DaemonGuard) Commit() {
	g.committed = true
}

// Abandon force-removes everything recorded, best effort, reverse order
func (g *DaemonGuard) Abandon(ctx context.Context) {
	if g.committed {
		return
	}

	logger := log.WithComponent("guard")
	for i := len(g.containers) - 1; i >= 0; i-- {
		if err := g.remover.ForceRemoveContainer(ctx, g.containers[i]); err != nil {
			logger.Warn().Err(err).Str("container", g.containers[i]).Msg("abandon: failed to remove container")
		}
	}
	for i := len(g.networks) - 1; i >= 0; i-- {
		if err := g.remover.RemoveNetwork(ctx, g.networks[i]); err != nil {
			logger.Warn().Err(err).Str("network", g.networks[i]).Msg("abandon: failed to remove network")
		}
	}
}

// ProxyGuard tracks reverse-proxy route hosts added during one deployment
// attempt, with the same commit/abandon contract as DaemonGuard.
type ProxyGuard struct {
	deleter   RouteDeleter
	routes    []string
	committed bool
}

// NewProxyGuard creates a guard over the given proxy control client
func NewProxyGuard(deleter RouteDeleter) *ProxyGuard {
	return &ProxyGuard{deleter: deleter}
}

// Route records a proxy host added by this attempt
func (g *ProxyGuard) Route(host string) {
	g.routes = append(g.routes, host)
}

// Commit marks the attempt successful; Abandon becomes a no-op
func (g *ProxyGuard) Commit() {
	g.committed = true
}

// Abandon deletes every recorded route, best effort, reverse order
func (g *ProxyGuard) Abandon(ctx context.Context) {
	if g.committed {
		return
	}

	logger := log.WithComponent("guard")
	for i := len(g.routes) - 1; i >= 0; i-- {
		if err := g.deleter.DeleteHost(ctx, g.routes[i]); err != nil {
			logger.Warn().Err(err).Str("host", g.routes[i]).Msg("abandon: failed to delete route")
		}
	}
}
