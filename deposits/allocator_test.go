package deposits

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestAllocator_DerivationIsDeterministic(t *testing.T) {
	key := []byte("test-master-key")
	a := NewAllocator(zerolog.Nop(), NewMemoryStore(), key, "mainnet")

	addr := a.DeriveAddress("user-1", 0)
	require.True(t, strings.HasPrefix(addr, "addr1v"))
	require.Equal(t, addr, a.DeriveAddress("user-1", 0))

	// Different index, user, or network yields a different address.
	require.NotEqual(t, addr, a.DeriveAddress("user-1", 1))
	require.NotEqual(t, addr, a.DeriveAddress("user-2", 0))

	testnet := NewAllocator(zerolog.Nop(), NewMemoryStore(), key, "testnet")
	testnetAddr := testnet.DeriveAddress("user-1", 0)
	require.True(t, strings.HasPrefix(testnetAddr, "addr_test1v"))
	require.NotEqual(t, addr, testnetAddr)
}

func TestAllocator_IndexesAreMonotonicPerUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewAllocator(zerolog.Nop(), store, []byte("k"), "mainnet")

	for i := int64(0); i < 5; i++ {
		p, err := a.CreatePayment(ctx, "pay-"+string(rune('a'+i)), "user-1", 1_000_000, 100, time.Hour)
		require.NoError(t, err)
		require.Equal(t, i, p.AddressIndex)
		require.Equal(t, a.DeriveAddress("user-1", i), p.Address)
		require.Equal(t, StatusPending, p.Status)
	}

	// A second user starts its own sequence at zero.
	p, err := a.CreatePayment(ctx, "pay-x", "user-2", 1_000_000, 100, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 0, p.AddressIndex)
}

func TestAllocator_ExpirySetFromCreation(t *testing.T) {
	ctx := context.Background()
	a := NewAllocator(zerolog.Nop(), NewMemoryStore(), []byte("k"), "mainnet")

	p, err := a.CreatePayment(ctx, "pay-1", "user-1", 1_000_000, 100, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, p.CreatedAt.Add(24*time.Hour), p.ExpiresAt)
}
