package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"escrowflow/escrow"
)

// Instruction is one money movement handed to the payment provider.
type Instruction struct {
	Key       string `json:"idempotencyKey"`
	BookingID string `json:"bookingId"`
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	PartyID   string `json:"partyId"`
	Amount    int64  `json:"amount"`
	Phase     int    `json:"phase,omitempty"`
}

// FromTransfer converts an engine transfer into a provider instruction.
func FromTransfer(t escrow.Transfer) Instruction {
	return Instruction{
		Key:       t.IdempotencyKey(),
		BookingID: t.BookingID,
		Kind:      string(t.Kind),
		Recipient: string(t.Recipient),
		PartyID:   t.PartyID,
		Amount:    t.Amount,
		Phase:     t.Phase,
	}
}

// Receipt confirms a transfer accepted by the provider.
type Receipt struct {
	Key       string `json:"idempotencyKey"`
	Reference string `json:"reference"`
}

// Provider moves money once the engine has decided it should move. Providers
// must deduplicate on Instruction.Key.
type Provider interface {
	Transfer(ctx context.Context, in Instruction) (Receipt, error)
}

// ErrTransferFailed is wrapped by every *Error.
var ErrTransferFailed = errors.New("payout: transfer failed")

// Error carries the provider's failure code and whether a retry may succeed.
type Error struct {
	Code      string
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Err != nil {
		return fmt.Sprintf("payout: %s failure %s: %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("payout: %s failure %s", kind, e.Code)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransferFailed}
	}
	return []error{ErrTransferFailed, e.Err}
}

// IsTemporary reports whether err is a provider failure worth retrying.
func IsTemporary(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	return false
}

// LoggingProvider accepts every transfer and logs it. It stands in for the
// provider in local runs.
type LoggingProvider struct {
	logger *slog.Logger
}

func NewLoggingProvider(logger *slog.Logger) *LoggingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingProvider{logger: logger}
}

func (p *LoggingProvider) Transfer(ctx context.Context, in Instruction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &Error{Code: "context", Temporary: true, Err: err}
	}
	p.logger.InfoContext(ctx, "payout transfer accepted",
		"module", "payout",
		"operation", "transfer",
		"outcome", "success",
		"booking_id", in.BookingID,
		"kind", in.Kind,
		"recipient", in.Recipient,
		"amount", in.Amount,
		"idempotency_key", in.Key,
	)
	return Receipt{Key: in.Key, Reference: "log:" + in.Key}, nil
}
