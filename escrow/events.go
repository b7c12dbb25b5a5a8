package escrow

import (
	"fmt"
	"time"
)

const (
	EventCreated              = "escrow.created"
	EventCommitmentReleased   = "escrow.commitment_released"
	EventObservationStarted   = "escrow.observation_started"
	EventBalanceReleased      = "escrow.balance_released"
	EventBalanceReleasedEarly = "escrow.balance_released_early"
	EventAutoReleased         = "escrow.auto_released"
	EventMilestoneReleased    = "escrow.milestone_released"
	EventRetentionStarted     = "escrow.retention_started"
	EventRetentionReleased    = "escrow.retention_released"
	EventFrozen               = "escrow.frozen"
	EventUnfrozen             = "escrow.unfrozen"
	EventRefunded             = "escrow.refunded"
)

// Party identifies which side of a booking a transfer or notification targets.
type Party string

const (
	PartyClient   Party = "client"
	PartyProvider Party = "provider"
)

// Event is an audit record produced by a transition. Notify lists the parties
// that should be told about it; delivery happens elsewhere.
type Event struct {
	Type      string
	BookingID string
	At        time.Time
	Notify    []Party
	Data      map[string]any
}

type TransferKind string

const (
	TransferCommitment TransferKind = "commitment"
	TransferBalance    TransferKind = "balance"
	TransferMilestone  TransferKind = "milestone"
	TransferRetention  TransferKind = "retention"
	TransferRefund     TransferKind = "refund"
	TransferSettlement TransferKind = "settlement"
)

// Transfer is a money movement decided by a transition.
type Transfer struct {
	Kind      TransferKind
	BookingID string
	Recipient Party
	PartyID   string
	Amount    int64
	Phase     int
}

// IdempotencyKey is stable for a given booking and movement so a retried
// transition never pays twice at the provider.
func (t Transfer) IdempotencyKey() string {
	if t.Phase > 0 {
		return fmt.Sprintf("%s:%s:%d", t.BookingID, t.Kind, t.Phase)
	}
	return fmt.Sprintf("%s:%s", t.BookingID, t.Kind)
}

// PendingPayout holds the transfers of a transition that has been decided but
// not yet committed. It is written before any transfer reaches the provider and
// cleared by the commit that records them, so an entry carrying one may have
// paid out already.
type PendingPayout struct {
	Transfers []Transfer
	StagedAt  time.Time
}

// Matches reports whether transfers are exactly the staged movements.
func (p *PendingPayout) Matches(transfers []Transfer) bool {
	if p == nil || len(p.Transfers) != len(transfers) {
		return false
	}
	for i := range transfers {
		if p.Transfers[i] != transfers[i] {
			return false
		}
	}
	return true
}

// Keys lists the idempotency keys of the staged transfers.
func (p *PendingPayout) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, len(p.Transfers))
	for i, t := range p.Transfers {
		keys[i] = t.IdempotencyKey()
	}
	return keys
}

func (p *PendingPayout) clone() *PendingPayout {
	if p == nil {
		return nil
	}
	return &PendingPayout{
		Transfers: append([]Transfer(nil), p.Transfers...),
		StagedAt:  p.StagedAt,
	}
}

// StagePayout records transfers as pending on e. Staging the same transfers
// again leaves e untouched and reports false; different transfers while
// others are pending fail with ErrInvalidStateTransition.
func StagePayout(e Entry, transfers []Transfer, now time.Time) (Entry, bool, error) {
	if len(transfers) == 0 {
		return e, false, nil
	}
	if e.PendingPayout != nil {
		if e.PendingPayout.Matches(transfers) {
			return e, false, nil
		}
		return Entry{}, false, fmt.Errorf("%w: payout %v is still pending", ErrInvalidStateTransition, e.PendingPayout.Keys())
	}
	next := e.Clone()
	next.PendingPayout = &PendingPayout{
		Transfers: append([]Transfer(nil), transfers...),
		StagedAt:  now.UTC(),
	}
	return next, true, nil
}

// Outcome is the result of a transition: the next entry plus the side effects
// the caller has to perform. NoOp is set when the entry was already in the
// requested state.
type Outcome struct {
	Entry     Entry
	Events    []Event
	Transfers []Transfer
	NoOp      bool
}

func unchanged(e Entry) Outcome {
	return Outcome{Entry: e.Clone(), NoOp: true}
}

func newEvent(kind string, e Entry, now time.Time, data map[string]any, notify ...Party) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(e.Status)
	data["tier"] = e.Tier
	return Event{
		Type:      kind,
		BookingID: e.BookingID,
		At:        now,
		Notify:    notify,
		Data:      data,
	}
}

// payProvider moves amount out of custody to the provider and records it.
func payProvider(e *Entry, kind TransferKind, amount int64, phase int) Transfer {
	e.ReleasedAmount += amount
	return Transfer{
		Kind:      kind,
		BookingID: e.BookingID,
		Recipient: PartyProvider,
		PartyID:   e.ProviderID,
		Amount:    amount,
		Phase:     phase,
	}
}

func refundClient(e *Entry, amount int64) Transfer {
	e.RefundAmount += amount
	return Transfer{
		Kind:      TransferRefund,
		BookingID: e.BookingID,
		Recipient: PartyClient,
		PartyID:   e.ClientID,
		Amount:    amount,
	}
}
