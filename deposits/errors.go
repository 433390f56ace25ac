package deposits

import "errors"

var (
	// ErrAlreadySettled is returned by ConfirmAndCredit when the payment is
	// not in CONFIRMING state. The status gate makes double-crediting
	// structurally impossible: whoever loses the race gets this error and
	// no balance change happens.
	ErrAlreadySettled = errors.New("payment already settled")

	// ErrPaymentNotFound is returned for an unknown payment id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidTransition is returned when a store update would move a
	// payment backwards through its state machine.
	ErrInvalidTransition = errors.New("invalid payment state transition")

	// ErrReaderUnhealthy is reported when a settlement pass is skipped
	// because the chain index lags too far behind the chain. Stale data
	// must not expire payments whose deposits are simply not indexed yet.
	ErrReaderUnhealthy = errors.New("chain reader unhealthy")
)

// IsRetryableError reports whether a per-payment failure is transient and
// will resolve on a later pass. State-machine violations are permanent;
// database and chain-reader failures are assumed transient.
func IsRetryableError(err error) bool {
	return !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrPaymentNotFound)
}
