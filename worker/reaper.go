package worker

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"netmigrate/logging"
	"netmigrate/services"
)

// Reaper removes jobs nobody retrieved within the TTL.
type Reaper struct {
	ledger     *services.Ledger
	workspaces *services.Workspaces
	metrics    *services.Metrics
	clock      clock.Clock
	ttl        time.Duration
	interval   time.Duration
	logger     zerolog.Logger
}

type ReaperConfig struct {
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
}

func NewReaper(cfg ReaperConfig, ledger *services.Ledger, workspaces *services.Workspaces, metrics *services.Metrics, logger zerolog.Logger) *Reaper {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Reaper{
		ledger:     ledger,
		workspaces: workspaces,
		metrics:    metrics,
		clock:      clk,
		ttl:        cfg.TTL,
		interval:   cfg.Interval,
		logger:     logging.Component(logger, "reaper"),
	}
}

// Run sweeps once per interval until ctx is cancelled. Sweep errors are
// logged and never stop the loop.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info().Dur("ttl", r.ttl).Dur("interval", r.interval).Msg("Starting expired job reaper")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Shutting down")
			return
		case <-r.clock.After(r.interval):
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Sweep deletes every expired job and its workspace under the ledger lock and
// returns how many rows it removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	reaped := 0
	err := r.ledger.Do(ctx, func(s *services.LedgerSession) error {
		// Select expired rows
		expired, err := s.Expired(r.ttl)
		if err != nil {
			return err
		}

		// A shutdown stops the sweep between entries, never inside one. Rows
		// go before their workspace
		cleanup := s.Detached()
		for _, entry := range expired {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := cleanup.Delete(entry.ID); err != nil {
				return err
			}
			r.workspaces.Destroy(entry.WorkspacePath)
			reaped++
		}
		return nil
	})

	r.metrics.Reaped(reaped)
	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Msg("Reclaimed expired jobs")
	}
	return reaped, err
}
