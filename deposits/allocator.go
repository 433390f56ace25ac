package deposits

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adagate/adagate/logging"
)

// Address prefixes marking the target network.
const (
	mainnetAddressPrefix = "addr1v"
	testnetAddressPrefix = "addr_test1v"
)

// Allocator issues deposit addresses. Each user gets a gap-free monotonic
// index sequence, and the address for an index is a pure function of
// (master key, network, index): re-running the derivation always yields the
// same address, so nothing but the index needs to be stored.
type Allocator struct {
	logger    logging.Logger
	store     Store
	masterKey []byte
	network   string
}

// NewAllocator builds an allocator over the payment store. The master key
// is operator-provisioned; rotating it would orphan unswept addresses, so it
// never changes for a live deployment.
func NewAllocator(logger logging.Logger, store Store, masterKey []byte, network string) *Allocator {
	return &Allocator{
		logger:    logging.ForComponent(logger, logging.ComponentAllocator),
		store:     store,
		masterKey: masterKey,
		network:   network,
	}
}

// DeriveAddress returns the receiving address for a derivation index. The
// body is an HMAC-SHA256 chain over (user, index), truncated and hex
// encoded under the network prefix.
func (a *Allocator) DeriveAddress(userID string, index int64) string {
	mac := hmac.New(sha256.New, a.masterKey)
	mac.Write([]byte(a.network))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	mac.Write([]byte{0})

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	mac.Write(idx[:])

	body := hex.EncodeToString(mac.Sum(nil)[:24])
	if a.network == "mainnet" {
		return mainnetAddressPrefix + body
	}
	return testnetAddressPrefix + body
}

// CreatePayment allocates the next address for the user and inserts the
// PENDING payment in one flow. An index collision from a concurrent
// allocation for the same user is retried with a fresh index; the store's
// uniqueness constraint guarantees no index is ever handed out twice.
func (a *Allocator) CreatePayment(
	ctx context.Context,
	id, userID string,
	amountLovelace, credits int64,
	expiry time.Duration,
) (*Payment, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		index, err := a.store.NextAddressIndex(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("allocate address index: %w", err)
		}

		now := time.Now().UTC()
		payment := &Payment{
			ID:             id,
			UserID:         userID,
			Address:        a.DeriveAddress(userID, index),
			AddressIndex:   index,
			AmountLovelace: amountLovelace,
			Credits:        credits,
			Status:         StatusPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(expiry),
			StatusMessage:  "awaiting deposit",
		}

		if err := a.store.CreatePayment(ctx, payment); err != nil {
			lastErr = err
			continue
		}

		a.logger.Info().
			Str(logging.FieldPaymentID, id).
			Str(logging.FieldUserID, userID).
			Str(logging.FieldAddress, payment.Address).
			Int64("address_index", index).
			Msg("payment created")
		return payment, nil
	}

	return nil, fmt.Errorf("allocate deposit address after %d attempts: %w", maxAttempts, lastErr)
}
