package chain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adagate/adagate/protocol"
	"github.com/adagate/adagate/testutil"
	"github.com/adagate/adagate/upstream"
)

func newNodeReader(t *testing.T, node *testutil.FakeNode) *NodeReader {
	t.Helper()

	pool, err := upstream.NewPool(zerolog.Nop(), upstream.PoolConfig{
		Endpoints:   []string{node.URL()},
		CallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Close)
	require.Eventually(t, pool.Healthy, 5*time.Second, 10*time.Millisecond)

	return NewNodeReader(zerolog.Nop(), pool)
}

func TestNodeReader_GetUtxos(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		require.Equal(t, "queryLedgerState/utxo", env.Method)

		var params struct {
			Addresses []string `json:"addresses"`
		}
		require.NoError(t, json.Unmarshal(env.Params, &params))
		require.Equal(t, []string{"addr1vdep1", "addr1vdep2"}, params.Addresses)

		return protocol.NewResult(env.ID, env.Method, []byte(`[
			{"transaction":{"id":"tx-a"},"index":0,"address":"addr1vdep1","value":{"ada":{"lovelace":5000000}}},
			{"transaction":{"id":"tx-b"},"index":2,"address":"addr1vdep2","value":{"ada":{"lovelace":1500000}}}
		]`))
	})
	defer node.Close()

	reader := newNodeReader(t, node)

	utxos, err := reader.GetUtxos(context.Background(), []string{"addr1vdep1", "addr1vdep2"})
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, Utxo{TxID: "tx-a", OutputIndex: 0, Address: "addr1vdep1", Amount: 5000000}, utxos[0])
	require.Equal(t, Utxo{TxID: "tx-b", OutputIndex: 2, Address: "addr1vdep2", Amount: 1500000}, utxos[1])

	// A whole batch is one upstream call.
	require.EqualValues(t, 1, node.Requests.Load())
}

func TestNodeReader_GetUtxos_EmptyBatch(t *testing.T) {
	node := testutil.NewFakeNode(nil)
	defer node.Close()

	reader := newNodeReader(t, node)

	utxos, err := reader.GetUtxos(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, utxos)
	require.EqualValues(t, 0, node.Requests.Load())
}

func TestNodeReader_GetTip(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		require.Equal(t, "queryNetwork/tip", env.Method)
		return protocol.NewResult(env.ID, env.Method, []byte(`{"height":11042371,"slot":139284710,"id":"blk-abc","epoch":521}`))
	})
	defer node.Close()

	reader := newNodeReader(t, node)

	tip, err := reader.GetTip(context.Background())
	require.NoError(t, err)
	require.Equal(t, Tip{Height: 11042371, Slot: 139284710, BlockID: "blk-abc", EpochNo: 521}, tip)
}

func TestNodeReader_GetTipWithoutEpoch(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResult(env.ID, env.Method, []byte(`{"height":7,"slot":99,"id":"blk-old"}`))
	})
	defer node.Close()

	reader := newNodeReader(t, node)

	tip, err := reader.GetTip(context.Background())
	require.NoError(t, err)
	require.Zero(t, tip.EpochNo)
}

func TestNodeReader_NodeErrorSurfaces(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewError(env.ID, protocol.CodeInternalError, "ledger state not available")
	})
	defer node.Close()

	reader := newNodeReader(t, node)

	_, err := reader.GetTip(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger state not available")
}
