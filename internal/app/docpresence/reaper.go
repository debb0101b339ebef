package docpresence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/logx"
)

// Reaper deletes presence records whose owner stopped sending heartbeats, such as a
// client that crashed without leaving.
type Reaper struct {
	store      store.PresenceStore
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewReaper creates a reaper removing records not refreshed within staleAfter, checking
// every interval. staleAfter should exceed the clients' heartbeat interval.
func NewReaper(st store.PresenceStore, staleAfter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = staleAfter / 2
	}
	return &Reaper{
		store:      st,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		logger:     logx.Component("docpresence-reaper"),
	}
}

// Run reaps until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("stale_after", r.staleAfter).Dur("interval", r.interval).Msg("Presence reaper started.")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Presence reap failed")
			}
		}
	}
}

// Reap deletes stale records once and returns how many were removed.
func (r *Reaper) Reap(ctx context.Context) (int64, error) {
	removed, err := r.store.DeleteStalePresence(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info().Int64("removed", removed).Msg("Reaped stale presence records.")
	}
	return removed, nil
}
