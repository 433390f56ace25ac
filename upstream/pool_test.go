package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adagate/adagate/protocol"
	"github.com/adagate/adagate/testutil"
)

func newTestPool(t *testing.T, callTimeout time.Duration, endpoints ...string) *Pool {
	t.Helper()

	pool, err := NewPool(zerolog.Nop(), PoolConfig{
		Endpoints:   endpoints,
		CallTimeout: callTimeout,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return pool
}

func waitOpen(t *testing.T, pool *Pool, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pool.OpenConns() == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewPool_RequiresEndpoints(t *testing.T) {
	_, err := NewPool(zerolog.Nop(), PoolConfig{})
	require.Error(t, err)
}

func TestPool_CallRoundRobin(t *testing.T) {
	nodeA := testutil.NewFakeNode(nil)
	defer nodeA.Close()
	nodeB := testutil.NewFakeNode(nil)
	defer nodeB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 5*time.Second, nodeA.URL(), nodeB.URL())
	pool.Start(ctx)
	defer pool.Close()
	waitOpen(t, pool, 2)

	for i := 0; i < 4; i++ {
		reply, err := pool.Call(ctx, "queryNetwork/blockHeight", nil)
		require.NoError(t, err)
		require.NotNil(t, reply.Result)
	}

	// Consecutive calls alternate endpoints.
	require.EqualValues(t, 2, nodeA.Requests.Load())
	require.EqualValues(t, 2, nodeB.Requests.Load())
}

func TestPool_CallAllDown(t *testing.T) {
	node := testutil.NewFakeNode(nil)
	endpoint := node.URL()
	node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, time.Second, endpoint)
	pool.Start(ctx)
	defer pool.Close()

	// Fails fast instead of queueing behind the reconnect loop.
	start := time.Now()
	_, err := pool.Call(ctx, "queryNetwork/tip", nil)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, pool.Healthy())
}

func TestPool_CallTimeout(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		return nil // never reply
	})
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 200*time.Millisecond, node.URL())
	pool.Start(ctx)
	defer pool.Close()
	waitOpen(t, pool, 1)

	_, err := pool.Call(ctx, "queryLedgerState/tip", nil)
	require.ErrorIs(t, err, ErrUpstreamTimeout)

	// The connection survives the timeout and serves later calls.
	node.SetHandler(nil)
	reply, err := pool.Call(ctx, "queryLedgerState/tip", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(reply.Result))
}

func TestConn_ConcurrentCallsCorrelated(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		// Echo the params back so the caller can verify it got its own reply.
		return protocol.NewResult(env.ID, env.Method, env.Params)
	})
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 5*time.Second, node.URL())
	pool.Start(ctx)
	defer pool.Close()
	waitOpen(t, pool, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			params := fmt.Sprintf(`{"seq":%d}`, i)
			reply, err := pool.Call(ctx, "queryNetwork/tip", []byte(params))
			if err != nil {
				errs <- err
				return
			}
			if string(reply.Result) != params {
				errs <- fmt.Errorf("reply %s does not match params %s", reply.Result, params)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	node := testutil.NewFakeNode(nil)
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 5*time.Second, node.URL())
	pool.Start(ctx)
	defer pool.Close()
	waitOpen(t, pool, 1)

	node.CloseConns()
	require.Eventually(t, func() bool {
		return pool.OpenConns() == 0
	}, 5*time.Second, 10*time.Millisecond)

	waitOpen(t, pool, 1)
	reply, err := pool.Call(ctx, "queryNetwork/tip", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(reply.Result))
}

func TestConn_DropFailsInflightCalls(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		return nil // hold the call in flight
	})
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 10*time.Second, node.URL())
	pool.Start(ctx)
	defer pool.Close()
	waitOpen(t, pool, 1)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Call(ctx, "queryNetwork/tip", nil)
		done <- err
	}()

	// Let the request reach the node before dropping the connection.
	require.Eventually(t, func() bool {
		return node.Requests.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	node.CloseConns()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not failed by the connection drop")
	}
}

func TestDedicated_PassThroughPreservesIDs(t *testing.T) {
	node := testutil.NewFakeNode(func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResult(env.ID, env.Method, []byte(`{"slot":42}`))
	})
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 5*time.Second, node.URL())
	pool.Start(ctx)
	defer pool.Close()

	dc, err := pool.AllocateDedicated(ctx)
	require.NoError(t, err)
	defer dc.Close()

	// Client-chosen ids, including non-numeric ones, travel unchanged.
	require.NoError(t, dc.Send(&protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  "nextBlock",
		ID:      []byte(`"client-7"`),
	}))

	select {
	case reply := <-dc.Receive():
		require.JSONEq(t, `"client-7"`, string(reply.ID))
		require.JSONEq(t, `{"slot":42}`, string(reply.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply on dedicated connection")
	}
}

func TestDedicated_NodeEventsAndDropPropagation(t *testing.T) {
	node := testutil.NewFakeNode(nil)
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, 5*time.Second, node.URL())
	pool.Start(ctx)
	defer pool.Close()

	dc, err := pool.AllocateDedicated(ctx)
	require.NoError(t, err)
	defer dc.Close()

	require.NoError(t, node.Push(protocol.NewEvent("rollForward", []byte(`{"height":100}`))))

	select {
	case event := <-dc.Receive():
		require.Equal(t, "rollForward", event.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("pushed event did not arrive")
	}

	// A node-side drop closes the receive channel so the owning session can
	// tear itself down.
	node.CloseConns()
	select {
	case _, ok := <-dc.Receive():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("receive channel did not close after node drop")
	}

	require.ErrorIs(t, dc.Send(&protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  "nextBlock",
		ID:      []byte(`1`),
	}), ErrConnClosed)
}

func TestPool_AllocateDedicated_AllDown(t *testing.T) {
	node := testutil.NewFakeNode(nil)
	endpoint := node.URL()
	node.Close()

	pool := newTestPool(t, time.Second, endpoint)

	_, err := pool.AllocateDedicated(context.Background())
	require.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestReconnectBackoffPolicy(t *testing.T) {
	// Geometric growth from the base, capped at the max delay.
	require.Equal(t, 500*time.Millisecond, nextReconnectDelay(1))
	require.Equal(t, time.Second, nextReconnectDelay(2))
	require.Equal(t, 16*time.Second, nextReconnectDelay(6))
	require.Equal(t, reconnectMaxDelay, nextReconnectDelay(7))
	require.Equal(t, reconnectMaxDelay, nextReconnectDelay(9))

	// Past the attempt cap the endpoint is down and redials settle into
	// the idle cadence until one succeeds.
	require.Equal(t, reconnectIdleDelay, nextReconnectDelay(reconnectMaxAttempts))
	require.Equal(t, reconnectIdleDelay, nextReconnectDelay(reconnectMaxAttempts+5))
}
