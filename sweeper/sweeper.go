// Package sweeper drives auto-release. Each pass lists entries whose window
// has elapsed and runs AutoReleaseCheck on them with bounded parallelism.
// The check re-reads every entry under lock, so a stale list is harmless.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"escrowflow/custody"
	"escrowflow/metrics"

	"golang.org/x/sync/errgroup"
)

// Releaser is the slice of custody.Service the sweeper drives.
type Releaser interface {
	ListDue(ctx context.Context, limit int) ([]string, error)
	AutoReleaseCheck(ctx context.Context, bookingID string) (custody.Result, error)
}

// Lease makes sure only one sweeper instance runs a pass at a time.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	LeaseTTL    time.Duration
}

type Report struct {
	Scanned  int
	Released int
	Failed   int
	Skipped  bool
}

type Sweeper struct {
	releaser Releaser
	lease    Lease
	logger   *slog.Logger
	metrics  *metrics.EscrowMetrics
	cfg      Config
}

// New builds a sweeper. A nil lease means every pass runs.
func New(releaser Releaser, lease Lease, logger *slog.Logger, m *metrics.EscrowMetrics, cfg Config) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &Sweeper{releaser: releaser, lease: lease, logger: logger, metrics: m, cfg: cfg}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed",
				"module", "sweeper",
				"operation", "sweep",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one pass. A failing entry is logged and counted; it does not
// stop the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
		if err != nil {
			s.metrics.ObserveSweep(0, err)
			return Report{}, err
		}
		if !ok {
			return Report{Skipped: true}, nil
		}
		defer release()
	}

	ids, err := s.releaser.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		s.metrics.ObserveSweep(0, err)
		return Report{}, err
	}

	var released, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.releaser.AutoReleaseCheck(ctx, id)
			if err != nil {
				failed.Add(1)
				s.logger.WarnContext(ctx, "auto-release failed",
					"module", "sweeper",
					"operation", "auto_release_check",
					"outcome", "failure",
					"booking_id", id,
					"error", err,
				)
				return nil
			}
			if !res.NoOp {
				released.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Scanned: len(ids), Released: int(released.Load()), Failed: int(failed.Load())}
	s.metrics.ObserveSweep(report.Released, nil)
	if report.Scanned > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			"module", "sweeper",
			"operation", "sweep",
			"outcome", "success",
			"scanned", report.Scanned,
			"released", report.Released,
			"failed", report.Failed,
		)
	}
	return report, nil
}
