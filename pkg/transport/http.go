package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/logutil"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

const (
	contentTypeProtobuf = "application/x-protobuf"

	// Servers that sequence their pushes return the number in this response
	// header. Absent header means unsequenced.
	headerSequenceNum = "Opamp-Sequence-Num"
)

// HTTPTransport is the polling binding. Every Send is a POST carrying one
// agent envelope, and the response body, when nonempty, is one server
// envelope that lands in the inbox for Receive to hand out. Server messages
// only ever arrive as poll responses, so the engine keeps a polling cadence
// going even when it has nothing to report.
type HTTPTransport struct {
	logger  *slog.Logger
	url     string
	client  *http.Client
	headers auth.HeaderProvider
	timeout time.Duration

	mu       sync.Mutex
	encoding string

	inbox chan Inbound

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTP(cfg Config) (*HTTPTransport, error) {
	cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				TLSClientConfig: cfg.TLS,
				Proxy:           http.ProxyFromEnvironment,
			}),
		}
	}
	return &HTTPTransport{
		logger:   cfg.Logger,
		url:      cfg.Endpoint,
		client:   client,
		headers:  cfg.Headers,
		timeout:  cfg.RequestTimeout,
		encoding: compress.EncodingIdentity,
		inbox:    make(chan Inbound, cfg.InboxDepth),
		closed:   make(chan struct{}),
	}, nil
}

func (t *HTTPTransport) Mode() Mode { return ModePolling }

// Connect probes the endpoint with a HEAD request. Any HTTP answer except
// 404 counts as reachable, credentials are checked per poll.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return ProtocolViolation("connect", err)
	}
	if err := t.applyHeaders(req.Header); err != nil {
		return ProtocolViolation("connect", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return t.mapNetErr("connect", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ProtocolViolation("connect", fmt.Errorf("endpoint not found: %s", t.url))
	}
	logutil.WithMethod(t.logger, http.MethodHead).Log(ctx, logutil.LevelTrace,
		"endpoint probe", "status", resp.StatusCode)
	return nil
}

func (t *HTTPTransport) Send(ctx context.Context, msg *protobufs.AgentToServer) error {
	select {
	case <-t.closed:
		return Disconnected("send", errors.New("transport closed"))
	default:
	}

	payload, err := wire.MarshalAgentToServer(msg)
	if err != nil {
		return ProtocolViolation("send", err)
	}
	codec, _ := compress.Lookup(t.Encoding())
	body, err := codec.Encode(payload)
	if err != nil {
		return ProtocolViolation("send", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return ProtocolViolation("send", err)
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)
	req.Header.Set("Accept-Encoding", compress.EncodingGzip)
	if codec.Name() == compress.EncodingGzip {
		req.Header.Set("Content-Encoding", compress.EncodingGzip)
	}
	if err := t.applyHeaders(req.Header); err != nil {
		return ProtocolViolation("send", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return t.mapNetErr("send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Disconnected("send", fmt.Errorf("server returned %s", resp.Status))
		}
		return ProtocolViolation("send", fmt.Errorf("server returned %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return t.mapNetErr("send", err)
	}
	logutil.WithMethod(t.logger, http.MethodPost).Log(ctx, logutil.LevelTrace,
		"poll", "sent", len(body), "received", len(data))
	if len(data) == 0 {
		return nil
	}

	// Accept-Encoding is set by hand above, which switches off the client's
	// transparent decompression. Decode here instead.
	if resp.Header.Get("Content-Encoding") == compress.EncodingGzip {
		gz, _ := compress.Lookup(compress.EncodingGzip)
		if data, err = gz.Decode(data); err != nil {
			return ProtocolViolation("send", err)
		}
	}

	reply, err := wire.UnmarshalServerToAgent(data)
	if err != nil {
		return ProtocolViolation("send", err)
	}

	var seq uint64
	if v := resp.Header.Get(headerSequenceNum); v != "" {
		seq, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return ProtocolViolation("send", fmt.Errorf("bad %s header %q", headerSequenceNum, v))
		}
	}

	select {
	case t.inbox <- Inbound{Seq: seq, Msg: reply}:
		return nil
	case <-t.closed:
		return Disconnected("send", errors.New("transport closed"))
	case <-ctx.Done():
		return Timeout("send", ctx.Err())
	}
}

func (t *HTTPTransport) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-t.inbox:
		return in, nil
	case <-t.closed:
		return Inbound{}, Disconnected("receive", errors.New("transport closed"))
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (t *HTTPTransport) Close(context.Context) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.client.CloseIdleConnections()
	})
	return nil
}

func (t *HTTPTransport) Offered() []string {
	return []string{compress.EncodingGzip, compress.EncodingIdentity}
}

func (t *HTTPTransport) SetEncoding(name string) error {
	if _, ok := compress.Lookup(name); !ok {
		return fmt.Errorf("unknown payload encoding %q", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.encoding = name
	return nil
}

func (t *HTTPTransport) Encoding() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoding
}

func (t *HTTPTransport) applyHeaders(h http.Header) error {
	if t.headers == nil {
		return nil
	}
	return t.headers.Apply(h)
}

func (t *HTTPTransport) mapNetErr(op string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return Timeout(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	return Disconnected(op, err)
}
