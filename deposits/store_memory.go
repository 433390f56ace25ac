package deposits

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a mutex-guarded in-memory Store used in tests and dev
// mode. It enforces the same transition rules as the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
	balances map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		balances: make(map[string]int64),
	}
}

func (s *MemoryStore) CreatePayment(_ context.Context, payment *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[payment.ID]; exists {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	for _, p := range s.payments {
		if p.UserID == payment.UserID && p.AddressIndex == payment.AddressIndex {
			return fmt.Errorf("address index %d already used for user %s", payment.AddressIndex, payment.UserID)
		}
	}

	cp := *payment
	s.payments[payment.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*Payment
	for _, p := range s.payments {
		if p.Open() {
			cp := *p
			open = append(open, &cp)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: %s payment cannot expire", ErrInvalidTransition, p.Status)
	}

	p.Status = StatusExpired
	p.StatusMessage = message
	return nil
}

func (s *MemoryStore) MarkConfirming(_ context.Context, id, txID string, detectionHeight int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: %s payment cannot move to CONFIRMING", ErrInvalidTransition, p.Status)
	}

	p.Status = StatusConfirming
	p.TxID = &txID
	p.DetectionHeight = &detectionHeight
	p.StatusMessage = message
	return nil
}

func (s *MemoryStore) UpdateConfirmations(_ context.Context, id string, confirmations int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusConfirming {
		return fmt.Errorf("%w: %s payment has no confirmation count to update", ErrInvalidTransition, p.Status)
	}

	p.Confirmations = confirmations
	return nil
}

func (s *MemoryStore) ConfirmAndCredit(_ context.Context, id string, confirmations int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}

	// The status gate: only a CONFIRMING payment settles, and settling
	// flips the status, so a second attempt finds CONFIRMED and fails
	// without touching the balance.
	if p.Status != StatusConfirming {
		return ErrAlreadySettled
	}

	p.Status = StatusConfirmed
	p.Confirmations = confirmations
	p.StatusMessage = message
	s.balances[p.UserID] += p.Credits
	return nil
}

func (s *MemoryStore) NextAddressIndex(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(0)
	for _, p := range s.payments {
		if p.UserID == userID && p.AddressIndex >= next {
			next = p.AddressIndex + 1
		}
	}
	return next, nil
}

func (s *MemoryStore) CreditBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}
