package deposits

import "context"

// Store persists payments and user credit balances. The store, not its
// callers, enforces the state machine: transitions that move a payment
// backwards fail with ErrInvalidTransition, and settlement is gated on the
// CONFIRMING status so a payment can be credited at most once.
type Store interface {
	// CreatePayment inserts a new PENDING payment. The (UserID,
	// AddressIndex) pair is unique; a duplicate insert fails.
	CreatePayment(ctx context.Context, payment *Payment) error

	// GetPayment returns one payment by id, or ErrPaymentNotFound.
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// ListOpen returns PENDING and CONFIRMING payments, oldest first,
	// capped at limit.
	ListOpen(ctx context.Context, limit int) ([]*Payment, error)

	// MarkExpired transitions a PENDING payment to EXPIRED.
	MarkExpired(ctx context.Context, id, message string) error

	// MarkConfirming transitions a PENDING payment to CONFIRMING,
	// recording the observed transaction and the detection height.
	MarkConfirming(ctx context.Context, id, txID string, detectionHeight int64, message string) error

	// UpdateConfirmations stores the current confirmation count of a
	// CONFIRMING payment.
	UpdateConfirmations(ctx context.Context, id string, confirmations int64) error

	// ConfirmAndCredit atomically transitions CONFIRMING → CONFIRMED and
	// increments the owning user's balance by the payment's credits. The
	// two writes are one transaction guarded on the CONFIRMING status:
	// if the payment is in any other state, nothing changes and
	// ErrAlreadySettled is returned.
	ConfirmAndCredit(ctx context.Context, id string, confirmations int64, message string) error

	// NextAddressIndex allocates the next derivation index for a user:
	// max existing index plus one, zero for the first payment. Allocation
	// is serialized per user; concurrent calls never return the same index.
	NextAddressIndex(ctx context.Context, userID string) (int64, error)

	// CreditBalance returns the user's current credit balance.
	CreditBalance(ctx context.Context, userID string) (int64, error)
}
