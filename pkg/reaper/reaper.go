package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/metrics"
	"github.com/ctflabs/paddock/pkg/store"
	"github.com/ctflabs/paddock/pkg/tracker"
	"github.com/ctflabs/paddock/pkg/types"
)

// Destroyer runs the teardown task for an expired deployment. Implemented by
// the engine.
type Destroyer interface {
	RunTeardown(dep types.Deployment)
}

// Reaper tears down instanced deployments when their lease expires. Timers are
// in-memory only; expired_at in the database is the durable record, and Sweep
// re-arms everything on boot.
type Reaper struct {
	ctx       context.Context
	destroyer Destroyer
	tasks     *tracker.Tracker
	logger    zerolog.Logger
}

// New creates a reaper. ctx is the process shutdown context: pending timers
// die with it, but teardowns already handed to the tracker run to completion.
func New(ctx context.Context, destroyer Destroyer, tasks *tracker.Tracker) *Reaper {
	return &Reaper{
		ctx:       ctx,
		destroyer: destroyer,
		tasks:     tasks,
		logger:    log.WithComponent("reaper"),
	}
}

// Schedule arms a teardown timer for one leased deployment. Deadlines in the
// past fire immediately.
func (r *Reaper) Schedule(dep types.Deployment, at time.Time) {
	metrics.ScheduledTeardowns.Inc()
	r.logger.Debug().
		Str("deployment_id", dep.PublicID).
		Time("expired_at", at).
		Msg("lease teardown scheduled")

	go func() {
		defer metrics.ScheduledTeardowns.Dec()

		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}

		if !r.tasks.Go(func() { r.destroyer.RunTeardown(dep) }) {
			// Shutdown won the race; the lease stays in the database and the
			// next boot's sweep picks it up.
			r.logger.Warn().Str("deployment_id", dep.PublicID).Msg("lease expired during shutdown")
		}
	}()
}

// Sweep re-arms timers for every live leased row. Called once at startup;
// leases that expired while the service was down fire immediately.
func (r *Reaper) Sweep(ctx context.Context, st *store.Store) error {
	deps, err := st.Expiring(ctx)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		if dep.ExpiredAt == nil {
			continue
		}
		r.Schedule(dep, *dep.ExpiredAt)
	}

	if len(deps) > 0 {
		r.logger.Info().Int("count", len(deps)).Msg("re-armed outstanding leases")
	}
	return nil
}
