package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// CredentialSweeper periodically persists EXPIRED for credentials whose
// window has closed and deletes old expired credentials.  Consumed
// credentials are never deleted.  Expiry is always evaluated at read time as
// well, so the sweeper only keeps the stored state and table size tidy.
// ScanEvents are never touched.
//
// A retention of 0 keeps every credential; expiry marking still runs.
type CredentialSweeper struct {
	store     store.CredentialStore
	retention time.Duration
	interval  time.Duration
	opts      options
	cancel    context.CancelFunc
	done      chan struct{}
}

type SweeperConfig struct {
	// RetentionDays is how long after expiry an unused credential is kept.
	RetentionDays int

	// IntervalMinutes is how often the sweeper runs.  Defaults to 15.
	IntervalMinutes int
}

// NewCredentialSweeper creates a sweeper but does not start it.
func NewCredentialSweeper(s store.CredentialStore, cfg SweeperConfig, opts ...Option) *CredentialSweeper {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CredentialSweeper{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		opts:      buildOptions(opts),
		done:      make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the interval until ctx
// is cancelled or Stop is called.
func (p *CredentialSweeper) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.opts.logger.Info("credential sweeper started",
		zap.Duration("interval", p.interval),
		zap.Int("retention_days", int(p.retention.Hours()/24)),
	)
}

// Stop signals the sweeper to exit and waits for it.
func (p *CredentialSweeper) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.opts.logger.Info("credential sweeper stopped")
}

func (p *CredentialSweeper) loop(ctx context.Context) {
	defer close(p.done)

	p.Sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many credentials were marked expired
// and how many were deleted.
func (p *CredentialSweeper) Sweep(ctx context.Context) (expired, pruned int64) {
	now := p.opts.clock()

	expired, err := p.store.MarkExpired(ctx, now)
	if err != nil {
		p.opts.logger.Error("credential sweep: mark expired", zap.Error(err))
	}

	if p.retention > 0 {
		cutoff := now.Add(-p.retention)
		pruned, err = p.store.PruneBefore(ctx, cutoff)
		if err != nil {
			p.opts.logger.Error("credential sweep: prune", zap.Error(err))
		}
	}

	if expired > 0 || pruned > 0 {
		p.opts.logger.Info("credential sweep",
			zap.Int64("expired", expired),
			zap.Int64("pruned", pruned),
		)
	}
	return expired, pruned
}
