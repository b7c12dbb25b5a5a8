// Package chaos injects failures into a running stress test: killed database
// backends and a payout provider that fails or stalls at random.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"escrowflow/payout"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the current database about
// every tenth second until stop closes.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid()
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FlakyProvider wraps a provider and fails FailRate of the calls with a
// temporary error before reaching it. LoseRate of the calls reach the provider
// and then report a temporary error, as a lost response would. Stall delays a
// call by up to that long.
type FlakyProvider struct {
	Next     payout.Provider
	FailRate float64
	LoseRate float64
	Stall    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlakyProvider(next payout.Provider, failRate, loseRate float64, stall time.Duration, seed int64) *FlakyProvider {
	return &FlakyProvider{Next: next, FailRate: failRate, LoseRate: loseRate, Stall: stall, rng: rand.New(rand.NewSource(seed))}
}

func (p *FlakyProvider) Transfer(ctx context.Context, in payout.Instruction) (payout.Receipt, error) {
	p.mu.Lock()
	fail := p.rng.Float64() < p.FailRate
	lose := p.rng.Float64() < p.LoseRate
	var stall time.Duration
	if p.Stall > 0 {
		stall = time.Duration(p.rng.Int63n(int64(p.Stall)))
	}
	p.mu.Unlock()

	if stall > 0 {
		select {
		case <-ctx.Done():
			return payout.Receipt{}, &payout.Error{Code: "timeout", Temporary: true, Err: ctx.Err()}
		case <-time.After(stall):
		}
	}
	if fail {
		return payout.Receipt{}, &payout.Error{Code: "chaos", Temporary: true}
	}
	receipt, err := p.Next.Transfer(ctx, in)
	if err == nil && lose {
		return payout.Receipt{}, &payout.Error{Code: "lost_response", Temporary: true}
	}
	return receipt, err
}
