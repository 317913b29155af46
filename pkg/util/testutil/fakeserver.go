// Package testutil holds the fake fleet server and the mock collector driver
// the package tests are written against.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/require"

	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

// Responder computes the server's reply to one agent envelope. Returning nil
// means no reply, which over the polling binding is an empty response body.
type Responder func(msg *protobufs.AgentToServer) *protobufs.ServerToAgent

// FakeServer speaks both protocol bindings from a single httptest listener:
// POST polls and websocket upgrades on the same path. Tests script replies
// either with a queue of canned envelopes or a Responder, and inspect what
// the agent sent through Received and WaitForMessage.
type FakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	received  []*protobufs.AgentToServer
	queue     []*protobufs.ServerToAgent
	responder Responder
	streamSeq uint64
	conns     []*websocket.Conn

	// RejectStatus, when nonzero, makes every poll and upgrade fail with
	// that HTTP status. Used to exercise retry behavior.
	RejectStatus int
}

func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()
	f := &FakeServer{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// URL is the polling endpoint.
func (f *FakeServer) URL() string { return f.srv.URL }

// WSURL is the same endpoint with a websocket scheme.
func (f *FakeServer) WSURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// Enqueue schedules one reply for the next agent envelope. Queued replies
// take precedence over the Responder.
func (f *FakeServer) Enqueue(msg *protobufs.ServerToAgent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, msg)
}

// Respond installs a dynamic responder for envelopes with no queued reply.
func (f *FakeServer) Respond(fn Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = fn
}

// SetStreamSequence makes subsequent replies carry sequence numbers starting
// at n, in the frame header over streaming and the response header over
// polling. Zero switches sequencing back off.
func (f *FakeServer) SetStreamSequence(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamSeq = n
}

// Push delivers a server envelope to every live streaming connection,
// outside the request/reply cadence.
func (f *FakeServer) Push(msg *protobufs.ServerToAgent) {
	f.mu.Lock()
	conns := append([]*websocket.Conn(nil), f.conns...)
	seq := f.nextSeqLocked()
	f.mu.Unlock()

	payload, err := wire.MarshalServerToAgent(msg)
	require.NoError(f.t, err)
	frame := wire.EncodeFrame(seq, payload)
	for _, c := range conns {
		c.WriteMessage(websocket.BinaryMessage, frame)
	}
}

// CloseConnections drops every live streaming connection without a close
// handshake, simulating a network fault.
func (f *FakeServer) CloseConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Received returns a copy of every agent envelope seen so far.
func (f *FakeServer) Received() []*protobufs.AgentToServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protobufs.AgentToServer(nil), f.received...)
}

// WaitForMessage blocks until an envelope matching pred arrives.
func (f *FakeServer) WaitForMessage(t *testing.T, pred func(*protobufs.AgentToServer) bool) *protobufs.AgentToServer {
	t.Helper()
	var found *protobufs.AgentToServer
	require.Eventually(t, func() bool {
		for _, m := range f.Received() {
			if pred(m) {
				found = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "expected envelope never arrived")
	return found
}

func (f *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	reject := f.RejectStatus
	f.mu.Unlock()
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		f.handleStream(w, r)
		return
	}
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		f.handlePoll(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *FakeServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get("Content-Encoding") == compress.EncodingGzip {
		gz, _ := compress.Lookup(compress.EncodingGzip)
		if body, err = gz.Decode(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	msg, err := wire.UnmarshalAgentToServer(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, seq := f.record(msg)
	if reply == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	payload, err := wire.MarshalServerToAgent(reply)
	require.NoError(f.t, err)
	w.Header().Set("Content-Type", "application/x-protobuf")
	if seq != 0 {
		w.Header().Set("Opamp-Sequence-Num", strconv.FormatUint(seq, 10))
	}
	w.Write(payload)
}

func (f *FakeServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			f.dropConn(conn)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		_, payload, err := wire.DecodeFrame(data)
		if err != nil {
			continue
		}
		msg, err := wire.UnmarshalAgentToServer(payload)
		if err != nil {
			continue
		}
		reply, seq := f.record(msg)
		if reply == nil {
			continue
		}
		out, err := wire.MarshalServerToAgent(reply)
		require.NoError(f.t, err)
		conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(seq, out))
	}
}

// record stores the envelope and picks its reply under one lock acquisition,
// so replies pair with envelopes in arrival order.
func (f *FakeServer) record(msg *protobufs.AgentToServer) (*protobufs.ServerToAgent, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)

	var reply *protobufs.ServerToAgent
	if len(f.queue) > 0 {
		reply = f.queue[0]
		f.queue = f.queue[1:]
	} else if f.responder != nil {
		reply = f.responder(msg)
	}
	if reply == nil {
		return nil, 0
	}
	return reply, f.nextSeqLocked()
}

func (f *FakeServer) nextSeqLocked() uint64 {
	if f.streamSeq == 0 {
		return 0
	}
	seq := f.streamSeq
	f.streamSeq++
	return seq
}

func (f *FakeServer) dropConn(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.conns {
		if c == conn {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			return
		}
	}
}
