// Package chain provides read access to on-chain state: unspent outputs and
// the current tip. Two implementations exist, a live node path used by
// default and a synced-index path for deployments running their own chain
// indexer.
package chain

import (
	"context"
	"time"
)

// Utxo is one unspent output at an address.
type Utxo struct {
	TxID        string
	OutputIndex uint32
	Address     string

	// Amount is the output value in lovelace.
	Amount int64

	// BlockHeight and BlockTime are the inclusion point of the creating
	// transaction. Zero when the source does not track them.
	BlockHeight int64
	BlockTime   time.Time
}

// Tip is the most recent block the source knows about.
type Tip struct {
	Height  int64
	Slot    uint64
	BlockID string

	// EpochNo is the epoch containing the tip. The index reader always
	// fills it from the blocks table; the live node path fills it only
	// when the tip payload carries an epoch, and reports zero otherwise.
	// Settlement never depends on it.
	EpochNo int64
}

// Reader reads chain state for deposit confirmation.
type Reader interface {
	// GetUtxos returns all unspent outputs at any of the given addresses.
	// One call covers a whole settlement batch.
	GetUtxos(ctx context.Context, addresses []string) ([]Utxo, error)

	// GetTip returns the current chain tip.
	GetTip(ctx context.Context) (Tip, error)
}

// HealthChecker is implemented by readers that can fall behind the chain.
// A reader lagging more than maxLag must not drive settlement decisions:
// stale data would expire payments whose deposits simply have not been
// indexed yet.
type HealthChecker interface {
	IsHealthy(ctx context.Context, maxLag time.Duration) (bool, error)
}
