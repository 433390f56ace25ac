// Package deposits implements payment settlement: deposit address
// allocation, the payment state machine, and the confirmation engine that
// advances payments against chain state and credits user balances.
package deposits

import "time"

// Status is the lifecycle state of a payment. Transitions are forward-only:
// PENDING → CONFIRMING → CONFIRMED, or PENDING → EXPIRED. A CONFIRMING
// payment never expires; a detected deposit takes precedence over the
// deadline.
type Status string

const (
	// StatusPending means the address was issued and no deposit has been
	// observed yet.
	StatusPending Status = "PENDING"

	// StatusConfirming means a sufficient deposit was observed and is
	// accumulating confirmations.
	StatusConfirming Status = "CONFIRMING"

	// StatusConfirmed is terminal: the threshold was met and the user's
	// balance was credited inside the same transaction.
	StatusConfirmed Status = "CONFIRMED"

	// StatusExpired is terminal: the deadline passed with no sufficient
	// deposit. The balance is untouched.
	StatusExpired Status = "EXPIRED"
)

// Payment is one expected deposit to a dedicated address.
type Payment struct {
	ID     string
	UserID string

	// Address is the receiving address derived for this payment.
	// AddressIndex is the derivation index, unique and monotonic per user.
	Address      string
	AddressIndex int64

	// AmountLovelace is the expected deposit in base units. Credits is what
	// the user's balance gains when the payment confirms.
	AmountLovelace int64
	Credits        int64

	Status Status

	// TxID and DetectionHeight are set when the deposit is first observed.
	TxID            *string
	DetectionHeight *int64

	Confirmations int64

	CreatedAt time.Time
	ExpiresAt time.Time

	// StatusMessage is a human-readable audit trail of the last transition.
	StatusMessage string
}

// Open reports whether the payment still needs settlement passes.
func (p *Payment) Open() bool {
	return p.Status == StatusPending || p.Status == StatusConfirming
}

// Detected reports whether a deposit has been observed for this payment.
func (p *Payment) Detected() bool {
	return p.DetectionHeight != nil
}
