package transport_test

import (
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/transport"
	"github.com/otelfleet/fleetlink/pkg/util/testutil"
)

func newPollingTransport(t *testing.T, srv *testutil.FakeServer) transport.Transport {
	t.Helper()
	tr, err := transport.New(transport.Config{
		Endpoint:       srv.URL(),
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close(t.Context()) })
	require.Equal(t, transport.ModePolling, tr.Mode())
	return tr
}

func TestPollingConnectProbe(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)
	require.NoError(t, tr.Connect(t.Context()))
}

func TestPollingConnectNotFound(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.RejectStatus = 404
	tr := newPollingTransport(t, srv)

	err := tr.Connect(t.Context())
	assert.ErrorIs(t, err, transport.ErrProtocolViolation)
}

func TestPollingSendDeliversReplyToInbox(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.Enqueue(&protobufs.ServerToAgent{
		Capabilities: uint64(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus),
	})
	tr := newPollingTransport(t, srv)

	require.NoError(t, tr.Send(t.Context(), &protobufs.AgentToServer{SequenceNum: 1}))

	in, err := tr.Receive(t.Context())
	require.NoError(t, err)
	assert.Zero(t, in.Seq, "no sequencing header was set")
	assert.Equal(t, uint64(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus),
		in.Msg.Capabilities)

	got := srv.Received()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].SequenceNum)
}

func TestPollingEmptyResponseYieldsNothing(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)

	require.NoError(t, tr.Send(t.Context(), &protobufs.AgentToServer{SequenceNum: 1}))
	require.Len(t, srv.Received(), 1)

	done := make(chan struct{})
	go func() {
		tr.Receive(t.Context())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("receive must block when the poll response was empty")
	case <-time.After(50 * time.Millisecond):
	}
	tr.Close(t.Context())
}

func TestPollingGzipRequestBody(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)
	require.NoError(t, tr.SetEncoding(compress.EncodingGzip))

	big := make([]byte, 4096)
	msg := &protobufs.AgentToServer{
		EffectiveConfig: &protobufs.EffectiveConfig{
			ConfigMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"main": {Body: big, ContentType: "text/yaml"},
				},
			},
		},
	}
	require.NoError(t, tr.Send(t.Context(), msg))

	got := srv.Received()
	require.Len(t, got, 1, "server must decode the gzip body transparently")
	assert.Len(t, got[0].EffectiveConfig.ConfigMap.ConfigMap["main"].Body, 4096)
}

func TestPollingSequenceHeader(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.SetStreamSequence(7)
	srv.Enqueue(&protobufs.ServerToAgent{})
	tr := newPollingTransport(t, srv)

	require.NoError(t, tr.Send(t.Context(), &protobufs.AgentToServer{}))
	in, err := tr.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), in.Seq)
}

func TestPollingServerErrorsMapToKinds(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)

	srv.RejectStatus = 503
	err := tr.Send(t.Context(), &protobufs.AgentToServer{})
	assert.ErrorIs(t, err, transport.ErrDisconnected, "5xx reads as a lost server")

	srv.RejectStatus = 400
	err = tr.Send(t.Context(), &protobufs.AgentToServer{})
	assert.ErrorIs(t, err, transport.ErrProtocolViolation, "4xx means we spoke wrongly")
}

func TestPollingSendAfterClose(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)
	require.NoError(t, tr.Close(t.Context()))

	err := tr.Send(t.Context(), &protobufs.AgentToServer{})
	assert.ErrorIs(t, err, transport.ErrDisconnected)
}

func TestPollingRejectsUnknownEncoding(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	tr := newPollingTransport(t, srv)
	assert.Error(t, tr.SetEncoding("zstd"))
	assert.Equal(t, compress.EncodingIdentity, tr.Encoding())
}
