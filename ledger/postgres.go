package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowflow/escrow"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres persists escrow entries in escrow_entries. Mutations hold a row
// lock for the whole read-check-write cycle.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const entryColumns = `
	booking_id, client_id, provider_id, category, tier, observation_days,
	total_amount, commitment_amount, released_amount, refund_amount, status,
	commitment_released, commitment_released_at, observation_started_at,
	balance_released_at, frozen_at, freeze_reason, frozen_from, refund_reason,
	refunded_at, early_release, milestones, pending_payout, version, created_at, updated_at`

// Insert stores a new entry. A booking that already has an entry yields
// ErrDuplicateBooking.
func (s *Postgres) Insert(ctx context.Context, e escrow.Entry) (escrow.Entry, error) {
	milestones, early, pending, err := encodeJSONColumns(e)
	if err != nil {
		return escrow.Entry{}, err
	}

	insertSQL := `
		INSERT INTO escrow_entries (` + entryColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,1,$24,$25)
		RETURNING ` + entryColumns

	stored, err := scanEntry(s.db.QueryRow(ctx, insertSQL,
		e.BookingID, e.ClientID, e.ProviderID, e.Category, e.Tier, e.ObservationDays,
		e.TotalAmount, e.CommitmentAmount, e.ReleasedAmount, e.RefundAmount, string(e.Status),
		e.CommitmentReleased, e.CommitmentReleasedAt, e.ObservationStartedAt,
		e.BalanceReleasedAt, e.FrozenAt, e.FreezeReason, nullStatus(e.FrozenFrom), e.RefundReason,
		e.RefundedAt, early, milestones, pending, e.CreatedAt, e.UpdatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return escrow.Entry{}, ErrDuplicateBooking
		}
		return escrow.Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return stored, nil
}

// Get reads an entry without locking it.
func (s *Postgres) Get(ctx context.Context, bookingID string) (escrow.Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE booking_id = $1`, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Entry{}, ErrNotFound
		}
		return escrow.Entry{}, fmt.Errorf("ledger: get entry: %w", err)
	}
	return e, nil
}

// Mutate locks the row with SELECT ... FOR UPDATE, hands the current entry to
// fn and writes back what fn returns in the same transaction. The update is
// also guarded by the version column so a writer that bypassed the lock can
// never be overwritten silently.
func (s *Postgres) Mutate(ctx context.Context, bookingID string, fn MutateFunc) (escrow.Entry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Entry{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE booking_id = $1 FOR UPDATE`, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Entry{}, ErrNotFound
		}
		return escrow.Entry{}, fmt.Errorf("ledger: lock entry: %w", err)
	}

	next, write, err := fn(ctx, current)
	if err != nil {
		return escrow.Entry{}, err
	}
	if !write {
		return current, nil
	}
	if next.BookingID != current.BookingID || next.TotalAmount != current.TotalAmount {
		return escrow.Entry{}, fmt.Errorf("ledger: identity or total changed for %s", bookingID)
	}

	milestones, early, pending, err := encodeJSONColumns(next)
	if err != nil {
		return escrow.Entry{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_entries
		SET status = $1,
		    released_amount = $2,
		    refund_amount = $3,
		    commitment_released = $4,
		    commitment_released_at = $5,
		    observation_started_at = $6,
		    balance_released_at = $7,
		    frozen_at = $8,
		    freeze_reason = $9,
		    frozen_from = $10,
		    refund_reason = $11,
		    refunded_at = $12,
		    early_release = $13,
		    milestones = $14,
		    pending_payout = $15,
		    updated_at = $16,
		    version = version + 1
		WHERE booking_id = $17 AND version = $18
	`,
		string(next.Status), next.ReleasedAmount, next.RefundAmount,
		next.CommitmentReleased, next.CommitmentReleasedAt, next.ObservationStartedAt,
		next.BalanceReleasedAt, next.FrozenAt, next.FreezeReason, nullStatus(next.FrozenFrom),
		next.RefundReason, next.RefundedAt, early, milestones, pending, next.UpdatedAt,
		bookingID, current.Version,
	)
	if err != nil {
		return escrow.Entry{}, fmt.Errorf("ledger: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.Entry{}, ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Entry{}, fmt.Errorf("ledger: commit: %w", err)
	}

	next.Version = current.Version + 1
	return next, nil
}

// ListDue returns booking ids whose observation or retention window has
// elapsed at now, oldest first. Callers re-check each entry under lock.
func (s *Postgres) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT booking_id
		FROM escrow_entries
		WHERE status IN ('OBSERVING', 'HELD')
		  AND observation_started_at IS NOT NULL
		  AND observation_started_at + make_interval(days => observation_days) <= $1
		ORDER BY observation_started_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate due ids: %w", err)
	}
	return ids, nil
}

type milestoneRecord struct {
	Phase          int        `json:"phase"`
	Label          string     `json:"label"`
	Percent        int        `json:"percent"`
	Amount         int64      `json:"amount"`
	Released       bool       `json:"released"`
	Evidence       *string    `json:"evidence,omitempty"`
	ApprovedBy     *string    `json:"approved_by,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	PaidAmount     int64      `json:"paid_amount"`
	RefundedAmount int64      `json:"refunded_amount"`
	Settled        bool       `json:"settled,omitempty"`
}

type transferRecord struct {
	Kind      escrow.TransferKind `json:"kind"`
	BookingID string              `json:"booking_id"`
	Recipient escrow.Party        `json:"recipient"`
	PartyID   string              `json:"party_id"`
	Amount    int64               `json:"amount"`
	Phase     int                 `json:"phase,omitempty"`
}

type pendingPayoutRecord struct {
	Transfers []transferRecord `json:"transfers"`
	StagedAt  time.Time        `json:"staged_at"`
}

type earlyReleaseRecord struct {
	ApprovedBy string    `json:"approved_by"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

func encodeJSONColumns(e escrow.Entry) (milestones, early, pending []byte, err error) {
	records := make([]milestoneRecord, len(e.Milestones))
	for i, m := range e.Milestones {
		records[i] = milestoneRecord(m)
	}
	milestones, err = json.Marshal(records)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: encode milestones: %w", err)
	}

	if e.EarlyRelease != nil {
		early, err = json.Marshal(earlyReleaseRecord(*e.EarlyRelease))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ledger: encode early release: %w", err)
		}
	}

	if e.PendingPayout != nil {
		rec := pendingPayoutRecord{StagedAt: e.PendingPayout.StagedAt}
		for _, t := range e.PendingPayout.Transfers {
			rec.Transfers = append(rec.Transfers, transferRecord(t))
		}
		pending, err = json.Marshal(rec)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ledger: encode pending payout: %w", err)
		}
	}
	return milestones, early, pending, nil
}

func scanEntry(row pgx.Row) (escrow.Entry, error) {
	var (
		e          escrow.Entry
		status     string
		frozenFrom *string
		early      []byte
		milestones []byte
		pending    []byte
	)
	err := row.Scan(
		&e.BookingID, &e.ClientID, &e.ProviderID, &e.Category, &e.Tier, &e.ObservationDays,
		&e.TotalAmount, &e.CommitmentAmount, &e.ReleasedAmount, &e.RefundAmount, &status,
		&e.CommitmentReleased, &e.CommitmentReleasedAt, &e.ObservationStartedAt,
		&e.BalanceReleasedAt, &e.FrozenAt, &e.FreezeReason, &frozenFrom, &e.RefundReason,
		&e.RefundedAt, &early, &milestones, &pending, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return escrow.Entry{}, err
	}

	e.Status = escrow.Status(status)
	if frozenFrom != nil {
		e.FrozenFrom = escrow.Status(*frozenFrom)
	}
	if len(early) > 0 {
		var rec earlyReleaseRecord
		if err := json.Unmarshal(early, &rec); err != nil {
			return escrow.Entry{}, fmt.Errorf("ledger: decode early release: %w", err)
		}
		er := escrow.EarlyRelease(rec)
		e.EarlyRelease = &er
	}

	if len(pending) > 0 {
		var rec pendingPayoutRecord
		if err := json.Unmarshal(pending, &rec); err != nil {
			return escrow.Entry{}, fmt.Errorf("ledger: decode pending payout: %w", err)
		}
		p := &escrow.PendingPayout{StagedAt: rec.StagedAt.UTC()}
		for _, t := range rec.Transfers {
			p.Transfers = append(p.Transfers, escrow.Transfer(t))
		}
		e.PendingPayout = p
	}

	var records []milestoneRecord
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &records); err != nil {
			return escrow.Entry{}, fmt.Errorf("ledger: decode milestones: %w", err)
		}
	}
	e.Milestones = make([]escrow.Milestone, len(records))
	for i, r := range records {
		e.Milestones[i] = escrow.Milestone(r)
	}

	normalizeTimes(&e)
	return e, nil
}

// normalizeTimes puts every timestamp read back from Postgres in UTC so that
// stored and freshly computed entries compare equal.
func normalizeTimes(e *escrow.Entry) {
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := t.UTC()
		return &v
	}
	e.CommitmentReleasedAt = utc(e.CommitmentReleasedAt)
	e.ObservationStartedAt = utc(e.ObservationStartedAt)
	e.BalanceReleasedAt = utc(e.BalanceReleasedAt)
	e.FrozenAt = utc(e.FrozenAt)
	e.RefundedAt = utc(e.RefundedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.EarlyRelease != nil {
		e.EarlyRelease.At = e.EarlyRelease.At.UTC()
	}
	for i := range e.Milestones {
		e.Milestones[i].ReleasedAt = utc(e.Milestones[i].ReleasedAt)
	}
}

func nullStatus(s escrow.Status) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}
