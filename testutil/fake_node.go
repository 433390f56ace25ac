package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/adagate/adagate/protocol"
)

// NodeHandler produces the reply for one request received by a FakeNode.
// Returning nil suppresses the reply, which is how tests simulate an
// unresponsive upstream.
type NodeHandler func(env *protocol.Envelope) *protocol.Envelope

// FakeNode is an in-process websocket server standing in for a backing
// chain node. Every accepted connection runs an echo-style loop that feeds
// incoming envelopes to the configured handler.
type FakeNode struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler NodeHandler
	conns   []*nodeConn

	// Requests counts every envelope the node received, across connections.
	Requests atomic.Int64
}

type nodeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (nc *nodeConn) send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	return nc.ws.WriteMessage(websocket.TextMessage, data)
}

// NewFakeNode starts a fake node whose replies come from handler. Pass nil
// to get the default handler, which echoes the request id with an "ok"
// result.
func NewFakeNode(handler NodeHandler) *FakeNode {
	n := &FakeNode{handler: handler}
	if n.handler == nil {
		n.handler = func(env *protocol.Envelope) *protocol.Envelope {
			return protocol.NewResult(env.ID, env.Method, []byte(`"ok"`))
		}
	}

	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	return n
}

// URL returns the ws:// endpoint of the node.
func (n *FakeNode) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// SetHandler swaps the reply handler for subsequent requests.
func (n *FakeNode) SetHandler(handler NodeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// ConnCount reports how many websocket connections the node has accepted.
func (n *FakeNode) ConnCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Push sends an unsolicited envelope on every open connection, simulating
// node-initiated events such as roll-forward notifications.
func (n *FakeNode) Push(env *protocol.Envelope) error {
	n.mu.Lock()
	conns := make([]*nodeConn, len(n.conns))
	copy(conns, n.conns)
	n.mu.Unlock()

	for _, nc := range conns {
		if err := nc.send(env); err != nil {
			return err
		}
	}
	return nil
}

// CloseConns drops every open connection without stopping the listener, so
// clients observe a mid-session disconnect and may redial.
func (n *FakeNode) CloseConns() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, nc := range n.conns {
		_ = nc.ws.Close()
	}
	n.conns = nil
}

// Close shuts the node down entirely.
func (n *FakeNode) Close() {
	n.CloseConns()
	n.server.Close()
}

func (n *FakeNode) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	nc := &nodeConn{ws: ws}
	n.mu.Lock()
	n.conns = append(n.conns, nc)
	n.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		n.Requests.Add(1)

		n.mu.Lock()
		handler := n.handler
		n.mu.Unlock()

		reply := handler(env)
		if reply == nil {
			continue
		}
		_ = nc.send(reply)
	}
}
