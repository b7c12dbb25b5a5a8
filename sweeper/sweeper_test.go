package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"escrowflow/audit"
	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/payout"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReleaser struct {
	mu      sync.Mutex
	due     []string
	failFor map[string]bool
	checked []string
}

func (f *fakeReleaser) ListDue(_ context.Context, limit int) ([]string, error) {
	if len(f.due) < limit {
		limit = len(f.due)
	}
	return f.due[:limit], nil
}

func (f *fakeReleaser) AutoReleaseCheck(_ context.Context, id string) (custody.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, id)
	if f.failFor[id] {
		return custody.Result{}, custody.ErrStoreUnavailable
	}
	return custody.Result{NoOp: id == "noop"}, nil
}

type fakeLease struct {
	held     bool
	released int
	err      error
}

func (l *fakeLease) Acquire(context.Context, time.Duration) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() { l.held = false; l.released++ }, true, nil
}

func TestSweepOnce_CountsOutcomes(t *testing.T) {
	r := &fakeReleaser{due: []string{"a", "b", "noop", "bad"}, failFor: map[string]bool{"bad": true}}
	lease := &fakeLease{}
	s := New(r, lease, quiet(), nil, Config{Parallelism: 2})

	report, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 4 || report.Released != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(r.checked) != 4 {
		t.Fatalf("expected every due entry checked, got %v", r.checked)
	}
	if lease.released != 1 || lease.held {
		t.Fatalf("lease not released: %+v", lease)
	}
}

func TestSweepOnce_SkipsWhenLeaseHeld(t *testing.T) {
	r := &fakeReleaser{due: []string{"a"}}
	s := New(r, &fakeLease{held: true}, quiet(), nil, Config{})

	report, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !report.Skipped || len(r.checked) != 0 {
		t.Fatalf("expected skipped pass, got %+v checked=%v", report, r.checked)
	}

	boom := errors.New("redis down")
	if _, err := New(r, &fakeLease{err: boom}, quiet(), nil, Config{}).SweepOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected lease error, got %v", err)
	}
}

func TestSweepOnce_ReleasesDueEntries(t *testing.T) {
	table, err := escrow.NewPolicyTable(escrow.DefaultPolicies())
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	clock := escrow.NewFixedClock(t0)
	svc := custody.NewService(ledger.NewMemory(), table, payout.NewLoggingProvider(quiet()), audit.NewMemorySink(), custody.Options{
		Clock:  clock,
		Logger: quiet(),
	})
	ctx := context.Background()

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		if _, err := svc.CreateEscrow(ctx, escrow.CreateParams{
			BookingID: id, ClientID: "c", ProviderID: "p", Category: "cleaning", TotalAmount: 1000,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if i == 2 {
			continue
		}
		if _, err := svc.ReleaseCommitment(ctx, id); err != nil {
			t.Fatalf("commitment: %v", err)
		}
		if _, err := svc.StartObservation(ctx, id); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	s := New(svc, nil, quiet(), nil, Config{Parallelism: 4})
	clock.Advance(2 * 24 * time.Hour)
	report, err := s.SweepOnce(ctx)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("expected nothing due yet, got %+v %v", report, err)
	}

	clock.Advance(24 * time.Hour)
	report, err = s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Released != 2 {
		t.Fatalf("expected 2 released, got %+v", report)
	}
	for _, id := range []string{"b-1", "b-2"} {
		e, _ := svc.Get(ctx, id)
		if e.Status != escrow.StatusAutoReleased {
			t.Fatalf("%s: expected AUTO_RELEASED, got %s", id, e.Status)
		}
	}
	held, _ := svc.Get(ctx, "b-3")
	if held.Status != escrow.StatusHeld {
		t.Fatalf("b-3 should still be held, got %s", held.Status)
	}
}

func TestRedisLease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run lease test")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	key := "escrowflow:test:lease:" + time.Now().Format("150405.000000")
	a := NewRedisLease(client, key)
	b := NewRedisLease(client, key)

	release, ok, err := a.Acquire(ctx, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, 5*time.Second); err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	release()
	release2, ok, err := b.Acquire(ctx, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	release2()
}
