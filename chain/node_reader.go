package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/upstream"
)

// NodeReader reads chain state through the shared upstream pool, using the
// same ledger-query methods clients use. It is always as fresh as the nodes
// themselves, so it carries no health gate.
type NodeReader struct {
	logger logging.Logger
	pool   *upstream.Pool
}

// NewNodeReader builds a reader over an already started pool.
func NewNodeReader(logger logging.Logger, pool *upstream.Pool) *NodeReader {
	return &NodeReader{
		logger: logging.ForComponent(logger, logging.ComponentNodeReader),
		pool:   pool,
	}
}

// nodeUtxo is the wire shape of one entry in a queryLedgerState/utxo result.
type nodeUtxo struct {
	Transaction struct {
		ID string `json:"id"`
	} `json:"transaction"`
	Index   uint32 `json:"index"`
	Address string `json:"address"`
	Value   struct {
		Ada struct {
			Lovelace int64 `json:"lovelace"`
		} `json:"ada"`
	} `json:"value"`
}

// GetUtxos implements Reader with one batched ledger query.
func (r *NodeReader) GetUtxos(ctx context.Context, addresses []string) ([]Utxo, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	params, err := json.Marshal(map[string][]string{"addresses": addresses})
	if err != nil {
		return nil, fmt.Errorf("encode utxo query: %w", err)
	}

	start := time.Now()
	reply, err := r.pool.Call(ctx, "queryLedgerState/utxo", params)
	if err != nil {
		return nil, fmt.Errorf("query utxos: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("query utxos: node error %d: %s", reply.Error.Code, reply.Error.Message)
	}

	var entries []nodeUtxo
	if err := json.Unmarshal(reply.Result, &entries); err != nil {
		return nil, fmt.Errorf("decode utxo result: %w", err)
	}

	utxos := make([]Utxo, 0, len(entries))
	for _, e := range entries {
		utxos = append(utxos, Utxo{
			TxID:        e.Transaction.ID,
			OutputIndex: e.Index,
			Address:     e.Address,
			Amount:      e.Value.Ada.Lovelace,
		})
	}

	r.logger.Debug().
		Int("addresses", len(addresses)).
		Int("utxos", len(utxos)).
		Dur("took", time.Since(start)).
		Msg("utxo query complete")
	return utxos, nil
}

// nodeTip is the wire shape of a queryNetwork/tip result. Not every node
// version includes the epoch in the tip payload; the field decodes to zero
// when absent.
type nodeTip struct {
	Height int64  `json:"height"`
	Slot   uint64 `json:"slot"`
	ID     string `json:"id"`
	Epoch  int64  `json:"epoch"`
}

// GetTip implements Reader.
func (r *NodeReader) GetTip(ctx context.Context) (Tip, error) {
	reply, err := r.pool.Call(ctx, "queryNetwork/tip", nil)
	if err != nil {
		return Tip{}, fmt.Errorf("query tip: %w", err)
	}
	if reply.Error != nil {
		return Tip{}, fmt.Errorf("query tip: node error %d: %s", reply.Error.Code, reply.Error.Message)
	}

	var tip nodeTip
	if err := json.Unmarshal(reply.Result, &tip); err != nil {
		return Tip{}, fmt.Errorf("decode tip result: %w", err)
	}

	return Tip{Height: tip.Height, Slot: tip.Slot, BlockID: tip.ID, EpochNo: tip.Epoch}, nil
}
