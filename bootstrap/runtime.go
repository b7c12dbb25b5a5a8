// Package bootstrap wires the escrow service and its collaborators from a
// resolved config. cmd/api and cmd/escrowctl share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/migrations"
	"escrowflow/payout"
	"escrowflow/sweeper"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Runtime struct {
	Config  config.Config
	Logger  *slog.Logger
	Service *custody.Service
	Auth    *auth.Service
	Pool    *pgxpool.Pool
	// Outbox is nil with STORE=memory; the memory sink has no outbox.
	Outbox  *audit.OutboxWorker
	Sweeper *sweeper.Sweeper

	closers []io.Closer
}

// Build connects to the configured store, applies migrations and assembles
// the service graph. Callers must Close the runtime.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policies, err := cfg.PolicyTable()
	if err != nil {
		return nil, err
	}
	m := metrics.Escrow()
	rt := &Runtime{Config: cfg, Logger: logger}

	var (
		store    custody.Store
		sink     audit.Sink
		accounts auth.Repository
	)
	switch cfg.Store {
	case config.StoreMemory:
		store = ledger.NewMemory()
		sink = audit.NewMemorySink()
		accounts = auth.NewMemoryRepository()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		store = ledger.NewPostgres(pool)
		sink = audit.NewPGSink(pool)
		accounts = auth.NewRepository(pool)

		publisher := audit.Publisher(audit.NewLogPublisher(logger))
		if len(cfg.KafkaBrokers) > 0 {
			kp, err := audit.NewKafkaPublisher(cfg.KafkaBrokers)
			if err != nil {
				logger.WarnContext(ctx, "kafka publisher disabled, using log publisher",
					"module", "bootstrap",
					"error", err,
				)
			} else {
				publisher = kp
				rt.closers = append(rt.closers, kp)
			}
		}
		rt.Outbox = audit.NewOutboxWorker(logger, audit.NewPGOutbox(pool), publisher, m, audit.WorkerConfig{
			Interval:   cfg.OutboxPollInterval,
			BatchSize:  cfg.OutboxBatchSize,
			MaxRetries: cfg.OutboxMaxRetries,
		})
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Service = custody.NewService(store, policies, provider, sink, custody.Options{
		StoreTimeout:  cfg.StoreTimeout,
		PayoutTimeout: cfg.PayoutTimeout,
		Clock:         escrow.SystemClock{},
		Logger:        logger,
		Metrics:       m,
	})
	secret := cfg.JWTSecret
	if secret == "" {
		if cfg.Store != config.StoreMemory {
			rt.Close()
			return nil, errors.New("bootstrap: JWT_SECRET is required")
		}
		// Memory mode only; tokens do not survive a restart.
		secret = uuid.NewString()
		logger.WarnContext(ctx, "JWT_SECRET is empty; using an ephemeral secret", "module", "bootstrap")
	}
	rt.Auth = auth.NewService(accounts, secret, cfg.TokenTTL)

	var lease sweeper.Lease
	if cfg.RedisURL != "" {
		client, err := sweeper.Connect(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, client)
		lease = sweeper.NewRedisLease(client, "")
	}
	rt.Sweeper = sweeper.New(rt.Service, lease, logger, m, sweeper.Config{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		Parallelism: cfg.SweepParallelism,
	})

	if err := rt.bootstrapAdmin(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func newProvider(cfg config.Config, logger *slog.Logger) (payout.Provider, error) {
	if cfg.PayoutURL == "" {
		logger.Warn("PAYOUT_URL is empty; transfers are only logged",
			"module", "bootstrap",
		)
		return payout.NewLoggingProvider(logger), nil
	}
	p, err := payout.NewHTTPProvider(cfg.PayoutURL, cfg.PayoutSecret, payout.WithMaxRetries(uint64(max(cfg.PayoutRetries, 0))))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: payout provider: %w", err)
	}
	return p, nil
}

// bootstrapAdmin creates the configured admin account once. An existing
// account with that email is left alone.
func (r *Runtime) bootstrapAdmin(ctx context.Context) error {
	if r.Config.BootstrapAdminEmail == "" || r.Config.BootstrapAdminPassword == "" {
		return nil
	}
	_, err := r.Auth.Register(ctx, auth.RegisterRequest{
		Email:    r.Config.BootstrapAdminEmail,
		Password: r.Config.BootstrapAdminPassword,
		FullName: "Bootstrap Admin",
		Role:     auth.RoleAdmin,
	})
	if err != nil && !errors.Is(err, auth.ErrDuplicateEmail) {
		return fmt.Errorf("bootstrap: admin account: %w", err)
	}
	return nil
}

func (r *Runtime) Close() {
	for _, c := range r.closers {
		_ = c.Close()
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
}
