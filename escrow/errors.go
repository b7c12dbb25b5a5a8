package escrow

import "errors"

var (
	// ErrUnknownCategory signals a category with no tier policy.
	ErrUnknownCategory = errors.New("escrow: unknown category")
	// ErrInvalidPolicy signals a tier policy that violates its schedule or tier rules.
	ErrInvalidPolicy = errors.New("escrow: invalid tier policy")
	// ErrInvalidInput signals missing or malformed caller input.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrInvalidAmount signals an amount outside the accepted range.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidStateTransition signals an operation not permitted from the current status.
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	// ErrObservationNotElapsed signals a balance release inside the observation window.
	ErrObservationNotElapsed = errors.New("escrow: observation window not elapsed")
	// ErrInvalidPhaseOrder signals a milestone released out of sequence.
	ErrInvalidPhaseOrder = errors.New("escrow: invalid milestone phase order")
	// ErrAlreadyReleased signals a milestone phase that was already released.
	// Callers treat it as a successful no-op.
	ErrAlreadyReleased = errors.New("escrow: milestone already released")
	// ErrRefundExceedsRemainder signals a refund larger than the unreleased funds.
	ErrRefundExceedsRemainder = errors.New("escrow: refund exceeds unreleased remainder")
	// ErrNotFrozen signals a refund or unfreeze attempted outside FROZEN.
	ErrNotFrozen = errors.New("escrow: entry is not frozen")
	// ErrOverrideNotApproved signals an early release without a valid second-party approval.
	ErrOverrideNotApproved = errors.New("escrow: early release override not approved")
	// ErrConservation signals a transition that would move more money than the entry holds.
	ErrConservation = errors.New("escrow: released and refunded amounts exceed total")
)
