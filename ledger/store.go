package ledger

import (
	"context"
	"errors"

	"escrowflow/escrow"
)

var (
	// ErrNotFound is returned when no entry exists for the booking id.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrDuplicateBooking signals an insert for a booking that already has an entry.
	ErrDuplicateBooking = errors.New("ledger: booking already has an escrow entry")
	// ErrVersionConflict signals a write against a stale version.
	ErrVersionConflict = errors.New("ledger: version conflict")
)

// MutateFunc receives the locked current entry and returns the entry to
// persist. write=false leaves the row untouched; a non-nil error aborts the
// mutation with no write.
type MutateFunc func(ctx context.Context, current escrow.Entry) (next escrow.Entry, write bool, err error)
