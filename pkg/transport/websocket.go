package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

// WSTransport is the streaming binding. Envelopes travel as binary websocket
// messages with a varint header, zero from the agent, the server's stream
// sequence number the other way. Payloads are not compressed at this layer.
type WSTransport struct {
	logger  *slog.Logger
	url     string
	dialer  *websocket.Dialer
	headers auth.HeaderProvider
	timeout time.Duration

	// writeMu guards conn replacement and serializes writers, gorilla
	// connections allow only one concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*WSTransport)(nil)

func NewWebSocket(cfg Config) (*WSTransport, error) {
	cfg.withDefaults()
	return &WSTransport{
		logger: cfg.Logger,
		url:    cfg.Endpoint,
		dialer: &websocket.Dialer{
			TLSClientConfig:  cfg.TLS,
			HandshakeTimeout: cfg.RequestTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		headers: cfg.Headers,
		timeout: cfg.RequestTimeout,
		closed:  make(chan struct{}),
	}, nil
}

func (t *WSTransport) Mode() Mode { return ModeStreaming }

func (t *WSTransport) Connect(ctx context.Context) error {
	header := http.Header{}
	if t.headers != nil {
		if err := t.headers.Apply(header); err != nil {
			return ProtocolViolation("connect", err)
		}
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return Disconnected("connect", fmt.Errorf("%w: server returned %s", err, resp.Status))
		}
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return Timeout("connect", err)
		}
		return Disconnected("connect", err)
	}

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.logger.Debug("websocket connected", "endpoint", t.url)
	return nil
}

func (t *WSTransport) Send(ctx context.Context, msg *protobufs.AgentToServer) error {
	payload, err := wire.MarshalAgentToServer(msg)
	if err != nil {
		return ProtocolViolation("send", err)
	}
	frame := wire.EncodeFrame(0, payload)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return Disconnected("send", errors.New("not connected"))
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return t.mapWSErr("send", err)
	}
	return nil
}

// Receive blocks in the websocket read. Cancellation is delivered by closing
// the transport, which fails the pending read.
func (t *WSTransport) Receive(ctx context.Context) (Inbound, error) {
	conn := t.current()
	if conn == nil {
		return Inbound{}, Disconnected("receive", errors.New("not connected"))
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Inbound{}, ctx.Err()
		}
		select {
		case <-t.closed:
			return Inbound{}, Disconnected("receive", errors.New("transport closed"))
		default:
		}
		return Inbound{}, t.mapWSErr("receive", err)
	}
	if mt != websocket.BinaryMessage {
		return Inbound{}, ProtocolViolation("receive", fmt.Errorf("unexpected websocket message type %d", mt))
	}

	header, payload, err := wire.DecodeFrame(data)
	if err != nil {
		return Inbound{}, ProtocolViolation("receive", err)
	}
	msg, err := wire.UnmarshalServerToAgent(payload)
	if err != nil {
		return Inbound{}, ProtocolViolation("receive", err)
	}
	return Inbound{Seq: header, Msg: msg}, nil
}

func (t *WSTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.closed) })

	t.writeMu.Lock()
	conn := t.conn
	t.conn = nil
	t.writeMu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (t *WSTransport) Offered() []string {
	return []string{compress.EncodingIdentity}
}

func (t *WSTransport) SetEncoding(name string) error {
	if name != compress.EncodingIdentity && name != "" {
		return fmt.Errorf("streaming sessions do not support %q payload encoding", name)
	}
	return nil
}

func (t *WSTransport) Encoding() string { return compress.EncodingIdentity }

func (t *WSTransport) current() *websocket.Conn {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn
}

func (t *WSTransport) mapWSErr(op string, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return Disconnected(op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(op, err)
	}
	return Disconnected(op, err)
}
